package audit

import (
	"os"
	"testing"
	"time"

	"github.com/duneuav/planengine/internal/bus"
	"github.com/duneuav/planengine/internal/imc"
)

// newTestWatcher builds a minimal Watcher for unit tests, bypassing Run
// so process() can be exercised directly. /dev/null absorbs log writes.
func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	b := bus.New()
	tap := b.NewTap()
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	return &Watcher{
		b: b, tap: tap, logPath: os.DevNull, statsPath: os.DevNull,
		logFile: f, windowStart: time.Now().UTC(),
	}
}

func TestProcessFlagsStaleVehicleReply(t *testing.T) {
	w := newTestWatcher(t)
	w.process(imc.Message{
		Type: imc.MsgVehicleCommand, Src: "planengine", Dst: "vehicle",
		Payload: imc.VehicleCommand{RequestID: 5, Kind: imc.VCExecManeuver},
	})
	w.process(imc.Message{
		Type: imc.MsgVehicleCommand, Src: "vehicle", SrcEnt: "nav",
		Payload: imc.VehicleCommand{RequestID: 9, ReplyKind: imc.VCRSuccess},
	})
	if w.staleReplies != 1 {
		t.Fatalf("staleReplies = %d, want 1", w.staleReplies)
	}
}

func TestProcessIgnoresMatchingReply(t *testing.T) {
	w := newTestWatcher(t)
	w.process(imc.Message{
		Type: imc.MsgVehicleCommand, Src: "planengine", Dst: "vehicle",
		Payload: imc.VehicleCommand{RequestID: 5},
	})
	w.process(imc.Message{
		Type: imc.MsgVehicleCommand, Src: "vehicle",
		Payload: imc.VehicleCommand{RequestID: 5, ReplyKind: imc.VCRSuccess},
	})
	if w.staleReplies != 0 {
		t.Fatalf("staleReplies = %d, want 0", w.staleReplies)
	}
}

func TestProcessCountsQueueRejection(t *testing.T) {
	w := newTestWatcher(t)
	w.process(imc.Message{
		Type: imc.MsgPlanControlReply,
		Payload: imc.PlanControlReply{RequestID: 1, Type: imc.ReplyFailure, Message: "request queue full"},
	})
	if w.queueRejections != 1 {
		t.Fatalf("queueRejections = %d, want 1", w.queueRejections)
	}
}

func TestProcessCountsReplyTimeout(t *testing.T) {
	w := newTestWatcher(t)
	w.process(imc.Message{
		Type: imc.MsgPlanControlReply,
		Payload: imc.PlanControlReply{RequestID: 1, Type: imc.ReplyFailure, Message: "plan aborted: vehicle reply timeout"},
	})
	if w.replyTimeouts != 1 {
		t.Fatalf("replyTimeouts = %d, want 1", w.replyTimeouts)
	}
}

func TestProcessCountsPlanStartOnce(t *testing.T) {
	w := newTestWatcher(t)
	init := imc.Message{Type: imc.MsgPlanControlState, Payload: imc.PlanControlState{State: imc.StateInitializing}}
	w.process(init)
	w.process(init) // same state again — must not double-count
	if w.planStarts != 1 {
		t.Fatalf("planStarts = %d, want 1", w.planStarts)
	}
}

func TestReportResetsWindow(t *testing.T) {
	w := newTestWatcher(t)
	w.queueRejections = 3
	_ = w.Report("on-demand")
	if w.queueRejections != 0 {
		t.Fatalf("queueRejections after Report = %d, want 0", w.queueRejections)
	}
}
