package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duneuav/planengine/internal/imc"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

var entityEmoji = map[string]string{
	"operator":   "👤",
	"planengine": "🧭",
	"vehicle":    "🤖",
	"nav":        "🧭",
}

var msgColor = map[imc.MessageType]string{
	imc.MsgPlanControl:          ansiCyan,
	imc.MsgPlanControlReply:     ansiCyan,
	imc.MsgPlanControlState:     ansiBlue,
	imc.MsgVehicleCommand:       ansiYellow,
	imc.MsgManeuverControlState: ansiDim + ansiBlue,
	imc.MsgVehicleState:         ansiDim,
	imc.MsgPlanDB:               ansiMagenta,
	imc.MsgPlanDBReply:          ansiMagenta,
	imc.MsgMemento:              ansiDim,
}

var msgStatus = map[imc.MessageType]string{
	imc.MsgPlanControl:          "🧭 processing request...",
	imc.MsgPlanControlReply:     "🧭 replying...",
	imc.MsgVehicleCommand:       "🤖 commanding vehicle...",
	imc.MsgManeuverControlState: "🤖 maneuver in progress...",
	imc.MsgVehicleState:         "🛰️  tracking vehicle state...",
	imc.MsgPlanDB:               "💾 accessing plan db...",
}

// dynamicStatus returns a spinner label for msg, enriched with payload
// detail for message types where the static label alone isn't enough.
func dynamicStatus(msg imc.Message) string {
	switch msg.Type {
	case imc.MsgPlanControlState:
		var s imc.PlanControlState
		if remarshal(msg.Payload, &s) == nil {
			return fmt.Sprintf("🧭 %s — %s", s.State, clip(s.ManeuverID, 24))
		}
	case imc.MsgVehicleCommand:
		var c imc.VehicleCommand
		if remarshal(msg.Payload, &c) == nil && c.ReplyKind == "" {
			return fmt.Sprintf("🤖 %s", c.Kind)
		}
	}
	if s := msgStatus[msg.Type]; s != "" {
		return s
	}
	return ""
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders a live view of plan-execution traffic to stdout. It
// reads from a bus tap channel and animates a pipeline view for each
// plan run, bracketed between PC_START acceptance and the plan
// returning to READY.
type Display struct {
	tap        <-chan imc.Message
	abortCh    chan struct{}
	resumeCh   chan struct{}
	mu         sync.Mutex
	status     string
	started    time.Time
	inTask     bool
	spinIdx    int
	suppressed bool
	taskDone   chan struct{}
}

// New creates a Display reading from tap.
func New(tap <-chan imc.Message) *Display {
	return &Display{tap: tap, abortCh: make(chan struct{}, 1), resumeCh: make(chan struct{}, 1)}
}

// Abort signals the display to immediately close the current pipeline
// box and suppress any subsequent stale messages until Resume() is
// called. Safe to call from any goroutine.
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression so the next plan run can open
// a pipeline box. Safe to call from any goroutine.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// Run is the main goroutine. It renders flow lines and animates the
// spinner. All terminal writes happen within this single goroutine.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			if d.inTask {
				fmt.Print("\r\033[K")
				d.endTask(false)
			}
			d.mu.Lock()
			d.suppressed = true
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			if !d.inTask {
				d.mu.Lock()
				sup := d.suppressed
				d.mu.Unlock()
				if sup {
					continue
				}
				if !startsPlanRun(msg) {
					continue
				}
				d.startTask()
			}
			fmt.Print("\r\033[K")
			d.printFlow(msg)
			d.setStatus(dynamicStatus(msg))
			if endsPlanRun(msg) {
				d.endTask(lastOutcomeIsSuccess(msg))
			}

		case <-ticker.C:
			if !d.inTask {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			d.mu.Lock()
			status := d.status
			d.mu.Unlock()
			fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// WaitTaskClose blocks until the current pipeline box is closed by
// endTask, or until timeout elapses.
func (d *Display) WaitTaskClose(timeout time.Duration) {
	d.mu.Lock()
	ch := d.taskDone
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

func startsPlanRun(msg imc.Message) bool {
	if msg.Type != imc.MsgPlanControlState {
		return false
	}
	var s imc.PlanControlState
	return remarshal(msg.Payload, &s) == nil && s.State == imc.StateInitializing
}

func endsPlanRun(msg imc.Message) bool {
	if msg.Type != imc.MsgPlanControlState {
		return false
	}
	var s imc.PlanControlState
	return remarshal(msg.Payload, &s) == nil && s.State == imc.StateReady
}

func lastOutcomeIsSuccess(msg imc.Message) bool {
	var s imc.PlanControlState
	if remarshal(msg.Payload, &s) != nil {
		return false
	}
	return s.LastOutcome == "SUCCESS" || s.LastOutcome == ""
}

func (d *Display) startTask() {
	d.mu.Lock()
	d.taskDone = make(chan struct{})
	d.mu.Unlock()
	d.started = time.Now()
	d.inTask = true
	d.setStatus("initializing...")
	fmt.Printf("\n%s┌─── 🧭 plan run %s%s\n", ansiDim, strings.Repeat("─", 40), ansiReset)
}

func (d *Display) endTask(success bool) {
	d.inTask = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	if !success {
		icon = "❌"
	}
	fmt.Printf("\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 35), ansiReset)
	d.mu.Lock()
	ch := d.taskDone
	d.taskDone = nil
	d.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printFlow(msg imc.Message) {
	if msg.Type == imc.MsgPlanControlState {
		var s imc.PlanControlState
		if remarshal(msg.Payload, &s) == nil && (s.State == imc.StateReady || s.State == imc.StateBlocked) {
			return // surfaced via endTask / its own status line instead
		}
	}

	from := entityLabel(msg.Src)
	dst := msg.Dst
	if dst == "" {
		dst = "vehicle"
	}
	to := entityLabel(dst)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}

	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}

	isDim := msg.Type == imc.MsgPlanDB || msg.Type == imc.MsgPlanDBReply || msg.Type == imc.MsgMemento

	var line string
	if isDim {
		line = fmt.Sprintf("%s  %s ──[%s]──► %s%s", ansiDim, from, label, to, ansiReset)
	} else {
		line = fmt.Sprintf("  %s ──[%s%s%s]──► %s", from, color, label, ansiReset, to)
	}
	fmt.Println(line)
}

func entityLabel(name string) string {
	emoji, ok := entityEmoji[name]
	if !ok {
		emoji = "•"
	}
	if name == "" {
		name = "?"
	}
	return emoji + " " + name
}

// msgDetail returns a short inline detail string for a pipeline flow line.
func msgDetail(msg imc.Message) string {
	switch msg.Type {
	case imc.MsgPlanControl:
		var c imc.PlanControl
		if remarshal(msg.Payload, &c) == nil {
			return fmt.Sprintf("%s %s", c.Op, clip(c.PlanID, 30))
		}
	case imc.MsgPlanControlReply:
		var r imc.PlanControlReply
		if remarshal(msg.Payload, &r) == nil {
			if r.Type == imc.ReplyFailure {
				return clip("FAILURE: "+r.Message, 45)
			}
			return "SUCCESS"
		}
	case imc.MsgVehicleCommand:
		var c imc.VehicleCommand
		if remarshal(msg.Payload, &c) == nil {
			if c.ReplyKind != "" {
				return string(c.ReplyKind)
			}
			if c.Maneuver != nil {
				return clip(string(c.Kind)+" "+c.Maneuver.ManeuverID, 35)
			}
			return string(c.Kind)
		}
	case imc.MsgManeuverControlState:
		var m imc.ManeuverControlState
		if remarshal(msg.Payload, &m) == nil {
			return fmt.Sprintf("%s %.0f%%", m.Flag, m.Progress)
		}
	case imc.MsgVehicleState:
		var v imc.VehicleState
		if remarshal(msg.Payload, &v) == nil {
			return string(v.OpMode)
		}
	case imc.MsgPlanDB:
		var r imc.PlanDB
		if remarshal(msg.Payload, &r) == nil {
			return fmt.Sprintf("%s %s %s", r.Op, r.Kind, clip(r.ID, 20))
		}
	}
	return ""
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
