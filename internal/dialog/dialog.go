// Package dialog implements the Vehicle Dialog (C5): issuing vehicle
// commands with request IDs and deadline-based reply tracking.
//
// Exactly one vehicle request is in flight at a time; the Engine State
// Machine is responsible for queueing concurrent requests (spec §5) and
// calls Dialog's methods directly from its single control loop — there is
// no goroutine or channel ownership here, unlike the fast feedback loop
// this package's request/reply bookkeeping is grounded on.
package dialog

import (
	"fmt"
	"time"

	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/imc"
)

type pendingRequest struct {
	requestID  uint16
	kind       imc.VehicleCommandKind
	dstSystem  string
	dstEntity  string
	deadline   time.Time
}

// Dialog tracks the single in-flight vehicle command.
type Dialog struct {
	nextReqID uint16
	pending   *pendingRequest
}

// New constructs an empty Dialog.
func New() *Dialog {
	return &Dialog{}
}

// Request assigns a fresh 16-bit request_id (wraparound is safe since at
// most one request is ever in flight — Design Notes §9), sets the deadline
// to now+2.5s, and returns the VehicleCommand to publish. Returns an error
// if a request is already pending.
func (d *Dialog) Request(now time.Time, kind imc.VehicleCommandKind, maneuver *imc.PlanManeuver, dstSystem, dstEntity string) (imc.VehicleCommand, error) {
	if d.pending != nil {
		return imc.VehicleCommand{}, fmt.Errorf("dialog: request already pending (id=%d)", d.pending.requestID)
	}
	reqID := d.nextReqID
	d.nextReqID++ // uint16 wraparound is documented and acceptable

	d.pending = &pendingRequest{
		requestID: reqID,
		kind:      kind,
		dstSystem: dstSystem,
		dstEntity: dstEntity,
		deadline:  now.Add(config.VehicleReplyDeadline),
	}
	return imc.VehicleCommand{RequestID: reqID, Kind: kind, Maneuver: maneuver}, nil
}

// ReplyOutcome is the resolved outcome of a matched reply. RequestKind is
// the kind of the request being answered, so callers can tell a
// STOP_CALIBRATION reply apart from an EXEC_MANEUVER one without tracking
// it themselves.
type ReplyOutcome struct {
	Kind        imc.VehicleCommandReplyKind
	Message     string
	RequestKind imc.VehicleCommandKind
}

// OnReply attempts to match an incoming VehicleCommand reply against the
// in-flight request. A reply is matched only when request_id, destination
// system, and destination entity all match the in-flight record;
// otherwise it is ignored (matched=false). An IN_PROGRESS reply leaves the
// deadline intact and keeps the request pending. A FAILURE reply to
// STOP_CALIBRATION is downgraded to success, because the engine issues it
// defensively (spec §4.5).
func (d *Dialog) OnReply(requestID uint16, srcSystem, srcEntity string, kind imc.VehicleCommandReplyKind, message string) (ReplyOutcome, bool) {
	if d.pending == nil {
		return ReplyOutcome{}, false
	}
	p := d.pending
	if requestID != p.requestID || srcSystem != p.dstSystem || srcEntity != p.dstEntity {
		return ReplyOutcome{}, false
	}

	if kind == imc.VCRFailure && p.kind == imc.VCStopCalibration {
		kind = imc.VCRSuccess
	}

	if kind == imc.VCRInProgress {
		return ReplyOutcome{Kind: kind, Message: message, RequestKind: p.kind}, true
	}

	d.pending = nil
	return ReplyOutcome{Kind: kind, Message: message, RequestKind: p.kind}, true
}

// Pending reports whether a vehicle request is currently in flight.
func (d *Dialog) Pending() bool {
	return d.pending != nil
}

// Timeout reports whether the pending request's deadline has passed. A
// reply arriving exactly at the deadline is accepted (inclusive) — this
// returns true only for now strictly after the deadline.
func (d *Dialog) Timeout(now time.Time) bool {
	return d.pending != nil && now.After(d.pending.deadline)
}

// Clear forcibly drops the pending request, used on mode changes back to
// READY per spec §4.6's request-queue drain.
func (d *Dialog) Clear() {
	d.pending = nil
}

// PendingRequestID returns the in-flight request's id and true, or
// (0, false) when nothing is pending.
func (d *Dialog) PendingRequestID() (uint16, bool) {
	if d.pending == nil {
		return 0, false
	}
	return d.pending.requestID, true
}
