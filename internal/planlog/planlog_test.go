package planlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestRegistryOpenWritesPlanStart(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "plans"))
	pl := r.Open(1, "p1")
	if pl == nil {
		t.Fatal("expected non-nil PlanLog")
	}
	r.Close(1, "success")

	events := readEvents(t, filepath.Join(dir, "plans", "1.jsonl"))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindPlanStart || events[0].PlanID != "p1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != KindPlanDone || events[1].Status != "success" {
		t.Fatalf("unexpected last event: %+v", events[1])
	}
}

func TestRegistryOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "plans"))
	first := r.Open(1, "p1")
	second := r.Open(1, "p1")
	if first != second {
		t.Fatal("expected Open to return the existing PlanLog for an already-open plan_ref")
	}
	r.Close(1, "success")
}

func TestGetReturnsNilForUnknownPlanRef(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if r.Get(99) != nil {
		t.Fatal("expected nil for unknown plan_ref")
	}
}

func TestNilPlanLogMethodsAreNoOps(t *testing.T) {
	var pl *PlanLog
	pl.ManeuverBegin("A")
	pl.ManeuverEnd("A", 50)
	pl.VehicleCommand(1, "EXEC_MANEUVER")
	pl.VehicleReply(1, "SUCCESS")
	pl.StateTransition("READY", "INITIALIZING", "PC_START")
	pl.CalibrationUpdate("ok")
	pl.DBError("boom")
}

func TestCloseOnUnknownPlanRefNoOps(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Close(42, "success") // must not panic
}
