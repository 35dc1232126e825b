// Package memento implements the Memento Handler (C2): it pairs a
// vehicle-originated Memento snapshot with the PlanSpecification that was
// running under the plan_ref the vehicle names, producing a PlanMemento for
// the Engine State Machine to persist through the Plan DB Gateway.
package memento

import (
	"github.com/google/uuid"

	"github.com/duneuav/planengine/internal/imc"
)

// maxLiveRefs bounds the in-memory plan_ref -> PlanSpecification map so a
// long-running process does not grow unbounded across repeated plan starts
// (spec §3 leaves this unbounded; SPEC_FULL caps it — see DESIGN.md).
const maxLiveRefs = 256

// Handler is the Memento Handler. It is owned exclusively by the Engine
// State Machine and is not safe for concurrent use, matching the
// single-threaded cooperative model of spec §5.
type Handler struct {
	live  map[uint32]imc.PlanSpecification
	order []uint32 // insertion order, oldest first, for eviction
}

// New constructs an empty Handler.
func New() *Handler {
	return &Handler{live: make(map[uint32]imc.PlanSpecification)}
}

// Record associates planRef with the PlanSpecification now under execution.
// Called by the Engine SM when a plan starts (plan_ref is incremented per
// plan start, per spec §4.6).
func (h *Handler) Record(planRef uint32, spec imc.PlanSpecification) {
	if _, exists := h.live[planRef]; !exists {
		h.order = append(h.order, planRef)
	}
	h.live[planRef] = spec
	h.evictIfNeeded()
}

// Forget removes planRef's association, if any.
func (h *Handler) Forget(planRef uint32) {
	delete(h.live, planRef)
	for i, r := range h.order {
		if r == planRef {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// ProcessMemento pairs a vehicle Memento with its recorded PlanSpecification.
// It discards mementos whose plan_ref is unknown.
func (h *Handler) ProcessMemento(in imc.Memento) (out imc.PlanMemento, produced bool) {
	spec, ok := h.live[in.PlanRef]
	if !ok {
		return imc.PlanMemento{}, false
	}
	return imc.PlanMemento{
		ID:         uuid.New().String(),
		PlanID:     spec.PlanID,
		ManeuverID: in.ManeuverID,
		Memento:    in.Snapshot,
	}, true
}

func (h *Handler) evictIfNeeded() {
	for len(h.order) > maxLiveRefs {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.live, oldest)
	}
}
