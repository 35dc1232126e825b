// Package audit implements a passive, bus-tap-driven anomaly watcher.
//
// It never influences engine state: it only observes a copy of every
// message that crosses the bus (via Bus.NewTap) and reports on what it
// saw — stale vehicle replies, request-queue rejections, reply-deadline
// overruns, and unexpected message source/destination pairs. A full
// report is written periodically and on demand.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duneuav/planengine/internal/bus"
	"github.com/duneuav/planengine/internal/imc"
)

// Event is one JSONL line in the watcher's log.
type Event struct {
	EventID     string `json:"event_id"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"message_type"`
	Src         string `json:"src,omitempty"`
	Dst         string `json:"dst,omitempty"`
	Anomaly     string `json:"anomaly"`
	Detail      string `json:"detail,omitempty"`
}

// persistedStats mirrors the window counters that survive a restart.
type persistedStats struct {
	WindowStart        time.Time `json:"window_start"`
	PlanStarts         int       `json:"plan_starts"`
	QueueRejections    int       `json:"queue_rejections"`
	ReplyTimeouts      int       `json:"reply_timeouts"`
	StaleReplies       int       `json:"stale_replies"`
	BoundaryViolations []string  `json:"boundary_violations"`
	Anomalies          []string  `json:"anomalies"`
}

// Watcher taps the bus read-only and accumulates window statistics about
// boundary violations and timing anomalies it observes. Report is the
// only thing it emits; it never publishes anything that could change
// engine behavior.
type Watcher struct {
	b         *bus.Bus
	tap       <-chan imc.Message
	logPath   string
	statsPath string
	interval  time.Duration // 0 disables periodic reports

	mu      sync.Mutex
	logFile *os.File

	windowStart        time.Time
	planStarts         int
	queueRejections    int
	replyTimeouts      int
	staleReplies       int
	boundaryViolations []string
	anomalies          []string

	lastPlanState      imc.PlanControlStateKind
	lastVehicleReqID   uint16
	haveLastVehicleReq bool
}

// New constructs a Watcher. tap must be a dedicated bus tap (NewTap()).
// interval sets the periodic report cadence; pass 0 to disable periodic
// reports (on-demand reporting is not wired to a bus message in this
// build — Report() is exported for a caller, e.g. the operator console,
// to invoke directly).
func New(b *bus.Bus, tap <-chan imc.Message, logPath, statsPath string, interval time.Duration) *Watcher {
	w := &Watcher{
		b: b, tap: tap, logPath: logPath, statsPath: statsPath, interval: interval,
		windowStart: time.Now().UTC(),
	}
	w.loadStats()
	return w
}

func (w *Watcher) loadStats() {
	data, err := os.ReadFile(w.statsPath)
	if err != nil {
		return
	}
	var ps persistedStats
	if err := json.Unmarshal(data, &ps); err != nil {
		log.Printf("[AUDIT] WARNING: could not load persisted stats: %v", err)
		return
	}
	w.windowStart = ps.WindowStart
	w.planStarts = ps.PlanStarts
	w.queueRejections = ps.QueueRejections
	w.replyTimeouts = ps.ReplyTimeouts
	w.staleReplies = ps.StaleReplies
	w.boundaryViolations = ps.BoundaryViolations
	w.anomalies = ps.Anomalies
}

func (w *Watcher) saveStats() {
	w.mu.Lock()
	ps := persistedStats{
		WindowStart: w.windowStart, PlanStarts: w.planStarts,
		QueueRejections: w.queueRejections, ReplyTimeouts: w.replyTimeouts,
		StaleReplies: w.staleReplies, BoundaryViolations: w.boundaryViolations,
		Anomalies: w.anomalies,
	}
	w.mu.Unlock()
	data, err := json.Marshal(ps)
	if err != nil {
		log.Printf("[AUDIT] WARNING: could not marshal stats: %v", err)
		return
	}
	if err := os.WriteFile(w.statsPath, data, 0o644); err != nil {
		log.Printf("[AUDIT] WARNING: could not save stats: %v", err)
	}
}

// Run blocks, consuming the tap and the periodic ticker, until the tap
// is closed (the bus never closes taps in practice, so in production
// this runs until its goroutine is abandoned at process exit).
func (w *Watcher) Run() {
	if err := os.MkdirAll(filepath.Dir(w.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(w.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	w.logFile = f
	defer f.Close()

	var tickC <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-tickC:
			log.Print(w.Report("periodic"))
		case msg, ok := <-w.tap:
			if !ok {
				return
			}
			w.process(msg)
		}
	}
}

func (w *Watcher) process(msg imc.Message) {
	anomaly := "none"
	var detail string

	switch msg.Type {
	case imc.MsgVehicleCommand:
		vc, ok := msg.Payload.(imc.VehicleCommand)
		if !ok {
			break
		}
		if vc.ReplyKind == "" {
			if msg.Dst != "vehicle" {
				anomaly = "boundary_violation"
				detail = fmt.Sprintf("VehicleCommand request addressed to unexpected dst %q", msg.Dst)
			}
			w.lastVehicleReqID = vc.RequestID
			w.haveLastVehicleReq = true
		} else {
			if msg.Src != "vehicle" {
				anomaly = "boundary_violation"
				detail = fmt.Sprintf("VehicleCommand reply from unexpected src %q", msg.Src)
			} else if w.haveLastVehicleReq && vc.RequestID != w.lastVehicleReqID {
				anomaly = "stale_reply"
				detail = fmt.Sprintf("reply request_id=%d does not match last dispatched request_id=%d", vc.RequestID, w.lastVehicleReqID)
				w.mu.Lock()
				w.staleReplies++
				w.mu.Unlock()
			}
		}

	case imc.MsgPlanControlReply:
		pcr, ok := msg.Payload.(imc.PlanControlReply)
		if !ok || pcr.Type != imc.ReplyFailure {
			break
		}
		switch {
		case strings.Contains(pcr.Message, "queue full"):
			anomaly = "queue_rejection"
			detail = pcr.Message
			w.mu.Lock()
			w.queueRejections++
			w.mu.Unlock()
		case strings.Contains(pcr.Message, "timeout"):
			anomaly = "reply_timeout"
			detail = pcr.Message
			w.mu.Lock()
			w.replyTimeouts++
			w.mu.Unlock()
		}

	case imc.MsgPlanControlState:
		pcs, ok := msg.Payload.(imc.PlanControlState)
		if !ok {
			break
		}
		if pcs.State == imc.StateInitializing && w.lastPlanState != imc.StateInitializing {
			w.mu.Lock()
			w.planStarts++
			w.mu.Unlock()
		}
		w.lastPlanState = pcs.State
	}

	if anomaly != "none" {
		w.mu.Lock()
		w.anomalies = append(w.anomalies, anomaly+": "+detail)
		if anomaly == "boundary_violation" {
			w.boundaryViolations = append(w.boundaryViolations, detail)
		}
		w.mu.Unlock()
		log.Printf("[AUDIT] %s: %s", anomaly, detail)
	}

	w.writeEvent(Event{
		EventID: uuid.New().String(), Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: string(msg.Type), Src: msg.Src, Dst: msg.Dst,
		Anomaly: anomaly, Detail: detail,
	})

	if anomaly != "none" {
		w.saveStats()
	}
}

func (w *Watcher) writeEvent(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logFile == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[AUDIT] marshal error: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] write error: %v", err)
	}
}

// Report summarizes and resets the current window, returning a
// human-readable string an operator console can print. trigger labels
// why the report ran ("periodic" or "on-demand").
func (w *Watcher) Report(trigger string) string {
	w.mu.Lock()
	now := time.Now().UTC()
	starts, rejections, timeouts, stale := w.planStarts, w.queueRejections, w.replyTimeouts, w.staleReplies
	anomalyCount := len(w.anomalies)
	windowFrom := w.windowStart.Format(time.RFC3339)

	w.windowStart = now
	w.planStarts, w.queueRejections, w.replyTimeouts, w.staleReplies = 0, 0, 0, 0
	w.boundaryViolations = nil
	w.anomalies = nil
	w.mu.Unlock()

	w.saveStats()

	return fmt.Sprintf(
		"[audit %s] window %s..%s: plan_starts=%d queue_rejections=%d reply_timeouts=%d stale_replies=%d anomalies=%d",
		trigger, windowFrom, now.Format(time.RFC3339), starts, rejections, timeouts, stale, anomalyCount,
	)
}
