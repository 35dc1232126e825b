// Package engine implements the Engine State Machine (C6): the top-level
// controller that composes the Plan DB Gateway, Memento Handler, Plan
// Model, Calibration Controller and Vehicle Dialog, consumes every
// relevant message off the bus, and publishes PlanControlState and
// PlanControl replies.
//
// Run is the single-threaded cooperative control loop mandated by the
// concurrency model: one goroutine, one select, no internal parallelism.
// Every other package in this module is invoked only from inside it.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/duneuav/planengine/internal/bus"
	"github.com/duneuav/planengine/internal/calib"
	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/dialog"
	"github.com/duneuav/planengine/internal/imc"
	"github.com/duneuav/planengine/internal/memento"
	"github.com/duneuav/planengine/internal/model"
	"github.com/duneuav/planengine/internal/planlog"
	"github.com/duneuav/planengine/internal/store"
)

// vehicleSystem and vehicleEntity address the single vehicle dialog
// destination. The engine speaks to exactly one vehicle process.
const (
	vehicleSystem = "vehicle"
	vehicleEntity = "nav"

	checkInterval = 100 * time.Millisecond
)

// Engine is the Engine State Machine. EntityName identifies this process
// as a bus participant (Src on every published message).
type Engine struct {
	EntityName string

	bus   *bus.Bus
	db    *store.Store
	mh    *memento.Handler
	m     *model.Model
	dlg   *dialog.Dialog
	cfg   *config.Config
	logs  *planlog.Registry
	clock func() time.Time

	planControlCh      <-chan imc.Message
	planDBCh           <-chan imc.Message
	estimatedStateCh   <-chan imc.Message
	mcsCh              <-chan imc.Message
	powerOpCh          <-chan imc.Message
	registerManeuverCh <-chan imc.Message
	vehicleCommandCh   <-chan imc.Message
	vehicleStateCh     <-chan imc.Message
	entityInfoCh       <-chan imc.Message
	entityActivationCh <-chan imc.Message
	fuelLevelCh        <-chan imc.Message
	mementoCh          <-chan imc.Message

	state       imc.PlanControlStateKind
	entityState imc.EntityState

	planID      string
	planRef     uint32
	planLoaded  bool
	lastOutcome string
	calibrating bool
	curPlanLog  *planlog.PlanLog

	activeRequestID   uint16
	haveActiveRequest bool
	calibStopping     bool
	calibAbortReason  string

	lastEstimated      imc.EstimatedState
	lastVehicleStateAt time.Time

	supported        map[imc.ManeuverKind]bool
	entityInfo       map[string]imc.EntityInfo
	entityActivation map[string]imc.ActivationState

	requestQueue []imc.PlanControl
}

// New wires an Engine against the bus and its component dependencies.
// supported is the initial set of maneuver kinds accepted by Parse; it
// grows as RegisterManeuver messages arrive.
func New(b *bus.Bus, db *store.Store, mh *memento.Handler, m *model.Model, dlg *dialog.Dialog, cfg *config.Config, logs *planlog.Registry, clock func() time.Time, entityName string, supported map[imc.ManeuverKind]bool) *Engine {
	if supported == nil {
		supported = make(map[imc.ManeuverKind]bool)
	}
	e := &Engine{
		EntityName:       entityName,
		bus:              b,
		db:               db,
		mh:               mh,
		m:                m,
		dlg:              dlg,
		cfg:              cfg,
		logs:             logs,
		clock:            clock,
		state:            imc.StateBlocked,
		entityState:      imc.EntityBootInit,
		supported:        supported,
		entityInfo:       make(map[string]imc.EntityInfo),
		entityActivation: make(map[string]imc.ActivationState),
	}
	e.lastVehicleStateAt = clock()

	e.planControlCh = b.Subscribe(imc.MsgPlanControl)
	e.planDBCh = b.Subscribe(imc.MsgPlanDB)
	e.estimatedStateCh = b.Subscribe(imc.MsgEstimatedState)
	e.mcsCh = b.Subscribe(imc.MsgManeuverControlState)
	e.powerOpCh = b.Subscribe(imc.MsgPowerOperation)
	e.registerManeuverCh = b.Subscribe(imc.MsgRegisterManeuver)
	e.vehicleCommandCh = b.Subscribe(imc.MsgVehicleCommand)
	e.vehicleStateCh = b.Subscribe(imc.MsgVehicleState)
	e.entityInfoCh = b.Subscribe(imc.MsgEntityInfo)
	e.entityActivationCh = b.Subscribe(imc.MsgEntityActivationState)
	e.fuelLevelCh = b.Subscribe(imc.MsgFuelLevel)
	e.mementoCh = b.Subscribe(imc.MsgMemento)

	return e
}

// Run blocks, consuming the bus and driving the state machine, until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	hz := e.cfg.Progress.StateReportHz
	if hz <= 0 {
		hz = 3.0
	}
	reportTicker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer reportTicker.Stop()
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-e.planControlCh:
			e.onPlanControl(msg)

		case msg := <-e.planDBCh:
			e.onPlanDB(msg)

		case msg := <-e.estimatedStateCh:
			if es, ok := msg.Payload.(imc.EstimatedState); ok {
				e.lastEstimated = es
			}

		case msg := <-e.mcsCh:
			if mcs, ok := msg.Payload.(imc.ManeuverControlState); ok {
				e.onManeuverControlState(mcs)
			}

		case msg := <-e.powerOpCh:
			if po, ok := msg.Payload.(imc.PowerOperation); ok {
				e.onPowerOperation(po)
			}

		case msg := <-e.registerManeuverCh:
			if rm, ok := msg.Payload.(imc.RegisterManeuver); ok {
				e.supported[rm.Kind] = true
			}

		case msg := <-e.vehicleCommandCh:
			if vc, ok := msg.Payload.(imc.VehicleCommand); ok && vc.ReplyKind != "" {
				e.onVehicleReply(msg, vc)
			}

		case msg := <-e.vehicleStateCh:
			if vs, ok := msg.Payload.(imc.VehicleState); ok {
				e.onVehicleState(vs)
			}

		case msg := <-e.entityInfoCh:
			if ei, ok := msg.Payload.(imc.EntityInfo); ok {
				e.entityInfo[ei.Label] = ei
			}

		case msg := <-e.entityActivationCh:
			if eas, ok := msg.Payload.(imc.EntityActivationState); ok {
				e.onEntityActivationState(eas)
			}

		case msg := <-e.fuelLevelCh:
			if fl, ok := msg.Payload.(imc.FuelLevel); ok {
				e.m.OnFuelLevel(fl)
			}

		case msg := <-e.mementoCh:
			if mm, ok := msg.Payload.(imc.Memento); ok {
				e.onMemento(mm)
			}

		case <-reportTicker.C:
			e.publishState()

		case <-checkTicker.C:
			e.checkTimers()
		}
	}
}

// --- PlanControl -----------------------------------------------------------

func (e *Engine) onPlanControl(msg imc.Message) {
	req, ok := msg.Payload.(imc.PlanControl)
	if !ok {
		return
	}
	if e.dlg.Pending() {
		if len(e.requestQueue) >= e.cfg.Progress.RequestQueueCap {
			e.publishReply(imc.PlanControlReply{RequestID: req.RequestID, Type: imc.ReplyFailure, Message: "request queue full"})
			return
		}
		e.requestQueue = append(e.requestQueue, req)
		return
	}
	e.publishReply(e.processRequest(req))
	e.drainQueue()
}

// drainQueue processes queued requests FIFO while the dialog is free,
// publishing a reply for each before moving to the next (spec §5's
// ordering guarantee).
func (e *Engine) drainQueue() {
	for !e.dlg.Pending() && len(e.requestQueue) > 0 {
		next := e.requestQueue[0]
		e.requestQueue = e.requestQueue[1:]
		e.publishReply(e.processRequest(next))
	}
}

func (e *Engine) processRequest(req imc.PlanControl) imc.PlanControlReply {
	if e.entityState == imc.EntityErrorDB {
		return fail(req.RequestID, "db error, refusing requests")
	}
	switch req.Op {
	case imc.PCStart:
		return e.handleLoadOrStart(req, true)
	case imc.PCStop:
		return e.handleStop(req)
	case imc.PCLoad:
		return e.handleLoadOrStart(req, false)
	case imc.PCGet:
		return e.handleGet(req)
	default:
		return fail(req.RequestID, "unknown op")
	}
}

// handleLoadOrStart implements both PC_START and PC_LOAD (spec §4.6):
// PC_LOAD while a plan is active is rejected outright (Design Notes §9's
// documented asymmetry); PC_START instead supersedes the running plan.
func (e *Engine) handleLoadOrStart(req imc.PlanControl, dispatch bool) imc.PlanControlReply {
	running := e.state == imc.StateInitializing || e.state == imc.StateExecuting
	if dispatch {
		if running {
			e.abortCurrentPlan("superseded by new PC_START", false)
		}
	} else if running {
		return fail(req.RequestID, "cannot load plan now")
	}

	spec, err := e.resolveArg(req.PlanID, req.Arg)
	if err != nil {
		return fail(req.RequestID, err.Error())
	}

	stats, err := e.m.Parse(spec, e.supported, e.entityInfo, e.imuEnabled(), e.cfg.Calibration.MinimumTime, e.cfg.Progress.ComputeProgress, e.cfg.Progress.FuelPrediction)
	if err != nil {
		return fail(req.RequestID, err.Error())
	}
	_ = stats

	e.planID = spec.PlanID
	e.planLoaded = true

	if !dispatch {
		got := spec
		return imc.PlanControlReply{RequestID: req.RequestID, Type: imc.ReplySuccess, Plan: &got}
	}

	e.planRef++
	e.mh.Record(e.planRef, spec)
	e.curPlanLog = e.logs.Open(e.planRef, spec.PlanID)
	e.bus.Publish(e.envelope(imc.MsgLoggingControl, imc.LoggingControl{Op: imc.LogStart, PlanID: spec.PlanID}))
	e.m.PlanStarted()
	e.lastOutcome = ""
	e.transitionTo(imc.StateInitializing, "PC_START accepted")
	e.activeRequestID = req.RequestID
	e.haveActiveRequest = true

	doCalib := req.Flags&imc.FlagCalibrate != 0 && e.cfg.Calibration.PerformCalibration
	if doCalib {
		e.calibrating = true
		e.m.CalibrationStarted()
		filler := calib.FillerManeuver(e.cfg.Calibration, e.lastEstimated)
		if err := e.dispatchVehicleCommand(imc.VCExecManeuver, &filler); err != nil {
			return e.abortAndFail(req.RequestID, err.Error())
		}
	} else {
		e.calibrating = false
		if err := e.startFirstManeuver(); err != nil {
			return e.abortAndFail(req.RequestID, err.Error())
		}
	}

	return imc.PlanControlReply{RequestID: req.RequestID, Type: imc.ReplySuccess, Message: "plan started"}
}

// startFirstManeuver loads and dispatches the plan's start maneuver. Used
// both for a non-calibrated PC_START and once calibration teardown
// completes (tryAdvanceCalibration).
func (e *Engine) startFirstManeuver() error {
	man, ok := e.m.LoadStartManeuver()
	if !ok {
		return errors.New("plan has no start maneuver")
	}
	e.m.ManeuverStarted(man.ManeuverID)
	return e.dispatchVehicleCommand(imc.VCExecManeuver, &man)
}

func (e *Engine) handleStop(req imc.PlanControl) imc.PlanControlReply {
	if e.state != imc.StateInitializing && e.state != imc.StateExecuting {
		return fail(req.RequestID, "no plan running")
	}
	e.abortCurrentPlan("PC_STOP", true)
	return imc.PlanControlReply{RequestID: req.RequestID, Type: imc.ReplySuccess, Message: "stopped"}
}

func (e *Engine) handleGet(req imc.PlanControl) imc.PlanControlReply {
	if !e.planLoaded {
		return fail(req.RequestID, "no plan loaded")
	}
	spec := e.m.GetSpec()
	spec.SourceEntity = e.EntityName
	return imc.PlanControlReply{RequestID: req.RequestID, Type: imc.ReplySuccess, Plan: &spec}
}

// abortCurrentPlan stops whatever is in flight and returns the engine to
// READY. emitStop controls whether STOP_MANEUVER is published — PC_START
// superseding a running plan does not (spec §4.6: "a new plan
// supersedes"), nor does a FAILURE reply to a vehicle command; every other
// caller does.
func (e *Engine) abortCurrentPlan(trigger string, emitStop bool) {
	e.dlg.Clear()
	if emitStop {
		e.bus.Publish(e.envelope(imc.MsgVehicleCommand, imc.VehicleCommand{Kind: imc.VCStopManeuver}))
	}
	e.m.PlanStopped()
	e.calibrating = false
	e.calibStopping = false
	e.calibAbortReason = ""
	e.haveActiveRequest = false
	e.lastOutcome = "FAILURE"
	e.transitionTo(imc.StateReady, trigger)
	e.closePlanLog("failure")
}

func (e *Engine) abortAndFail(requestID uint16, msg string) imc.PlanControlReply {
	e.abortCurrentPlan("start failure: "+msg, true)
	return fail(requestID, msg)
}

// resolveArg implements the four-case argument resolution from spec §4.6.
func (e *Engine) resolveArg(planID string, arg any) (imc.PlanSpecification, error) {
	switch v := arg.(type) {
	case *imc.PlanSpecification:
		if err := e.db.StorePlan(*v); err != nil {
			e.onDBError(err)
			return imc.PlanSpecification{}, err
		}
		return *v, nil

	case *imc.PlanMemento:
		spec, err := e.db.LookupPlan(v.PlanID)
		if err != nil {
			return imc.PlanSpecification{}, err
		}
		spec.StartManID = v.ManeuverID
		for i := range spec.Maneuvers {
			if spec.Maneuvers[i].ManeuverID == v.ManeuverID {
				spec.Maneuvers[i].Memento = v.Memento
				break
			}
		}
		if err := e.db.StoreMemento(*v); err != nil {
			e.onDBError(err)
			return imc.PlanSpecification{}, err
		}
		return spec, nil

	case *imc.PlanManeuver:
		spec := imc.PlanSpecification{
			PlanID:     planID,
			StartManID: v.ManeuverID,
			Maneuvers:  []imc.PlanManeuver{*v},
		}
		if err := e.db.StorePlan(spec); err != nil {
			e.onDBError(err)
			return imc.PlanSpecification{}, err
		}
		return spec, nil

	case nil:
		spec, err := e.db.LookupPlan(planID)
		if err == nil {
			return spec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			e.onDBError(err)
			return imc.PlanSpecification{}, err
		}
		mem, err := e.db.LookupMemento(planID)
		if err != nil {
			return imc.PlanSpecification{}, errors.New("plan_id not found as plan or memento")
		}
		return e.resolveArg(planID, &mem)

	default:
		return imc.PlanSpecification{}, errors.New("unrecognised PlanControl arg type")
	}
}

func fail(requestID uint16, msg string) imc.PlanControlReply {
	return imc.PlanControlReply{RequestID: requestID, Type: imc.ReplyFailure, Message: msg}
}

// --- PlanDB ------------------------------------------------------------

func (e *Engine) onPlanDB(msg imc.Message) {
	req, ok := msg.Payload.(imc.PlanDB)
	if !ok {
		return
	}
	reply := e.db.OnPlanDB(req)
	if !reply.OK && e.curPlanLog != nil {
		e.curPlanLog.DBError(reply.Message)
	}
	e.bus.Publish(e.envelope(imc.MsgPlanDBReply, reply))
}

func (e *Engine) onDBError(err error) {
	e.entityState = imc.EntityErrorDB
	if e.curPlanLog != nil {
		e.curPlanLog.DBError(err.Error())
	}
}

// --- Vehicle dialog ------------------------------------------------------

func (e *Engine) dispatchVehicleCommand(kind imc.VehicleCommandKind, maneuver *imc.PlanManeuver) error {
	cmd, err := e.dlg.Request(e.clock(), kind, maneuver, vehicleSystem, vehicleEntity)
	if err != nil {
		return err
	}
	if e.curPlanLog != nil {
		e.curPlanLog.VehicleCommand(cmd.RequestID, string(kind))
	}
	e.bus.Publish(imc.Message{
		ID: "", Timestamp: e.clock(), Src: e.EntityName,
		Dst: vehicleSystem, DstEnt: vehicleEntity,
		Type: imc.MsgVehicleCommand, Payload: cmd,
	})
	return nil
}

func (e *Engine) onVehicleReply(msg imc.Message, vc imc.VehicleCommand) {
	outcome, matched := e.dlg.OnReply(vc.RequestID, msg.Src, msg.SrcEnt, vc.ReplyKind, vc.Message)
	if !matched {
		return // replies with request_id != current leave engine state unchanged
	}
	if e.curPlanLog != nil {
		e.curPlanLog.VehicleReply(vc.RequestID, string(outcome.Kind))
	}

	if e.calibStopping {
		e.onCalibrationStopReply(outcome)
		return
	}

	switch outcome.Kind {
	case imc.VCRInProgress:
		return
	case imc.VCRFailure:
		e.notifyFailure("vehicle command failure: " + outcome.Message)
		e.abortCurrentPlan("vehicle command failure: "+outcome.Message, false)
		return
	case imc.VCRSuccess:
		if e.state == imc.StateInitializing && !e.calibrating {
			e.transitionTo(imc.StateExecuting, "start maneuver dispatched")
		}
	}
	e.drainQueue()
}

// onCalibrationStopReply handles the reply to the defensive STOP_CALIBRATION
// dispatched by beginCalibrationStop. Its FAILURE replies already arrive
// downgraded to success by the dialog (spec §4.5), so only the
// calibration-failed abort path is a true failure here.
func (e *Engine) onCalibrationStopReply(outcome dialog.ReplyOutcome) {
	if outcome.Kind == imc.VCRInProgress {
		return
	}
	e.calibStopping = false
	if e.calibAbortReason != "" {
		reason := e.calibAbortReason
		e.calibAbortReason = ""
		e.abortCurrentPlan(reason, true)
		return
	}
	e.calibrating = false
	if err := e.startFirstManeuver(); err != nil {
		e.abortCurrentPlan("plan has no start maneuver", true)
		return
	}
	e.drainQueue()
}

// notifyFailure delivers a terminal FAILURE reply to the request that
// started the now-aborted plan, per spec §7: every error that reaches the
// operator is delivered as a PlanControl reply of type FAILURE carrying the
// originating request_id. A no-op when no PC_START is outstanding (e.g. it
// was already answered directly, as PC_STOP is).
func (e *Engine) notifyFailure(msg string) {
	if !e.haveActiveRequest {
		return
	}
	reqID := e.activeRequestID
	e.haveActiveRequest = false
	e.publishReply(fail(reqID, msg))
}

// --- Maneuver control state -----------------------------------------------

func (e *Engine) onManeuverControlState(mcs imc.ManeuverControlState) {
	switch mcs.Flag {
	case imc.MCSExecuting:
		e.m.UpdateProgress(mcs)

	case imc.MCSManeuverDone, imc.MCSDone:
		if e.curPlanLog != nil {
			e.curPlanLog.ManeuverEnd(e.m.GetCurrentID(), 100)
		}
		e.m.ManeuverDone()
		next, ok := e.m.LoadNextManeuver()
		if !ok {
			e.finishPlan("SUCCESS", "plan graph done")
			return
		}
		e.m.ManeuverStarted(next.ManeuverID)
		if e.curPlanLog != nil {
			e.curPlanLog.ManeuverBegin(next.ManeuverID)
		}
		if err := e.dispatchVehicleCommand(imc.VCExecManeuver, &next); err != nil {
			e.abortCurrentPlan("dispatch failure: "+err.Error(), true)
		}

	case imc.MCSError:
		e.finishPlan("FAILURE", "maneuver error: "+mcs.LastError)
	}
}

func (e *Engine) finishPlan(outcome, trigger string) {
	e.dlg.Clear()
	e.bus.Publish(e.envelope(imc.MsgVehicleCommand, imc.VehicleCommand{Kind: imc.VCStopManeuver}))
	e.m.PlanStopped()
	e.calibrating = false
	e.lastOutcome = outcome
	e.transitionTo(imc.StateReady, trigger)
	status := "success"
	if outcome != "SUCCESS" {
		status = "failure"
		e.notifyFailure(trigger)
	} else {
		e.haveActiveRequest = false
	}
	e.closePlanLog(status)
}

// --- Vehicle state / calibration ------------------------------------------

func (e *Engine) onVehicleState(vs imc.VehicleState) {
	e.lastVehicleStateAt = e.clock()

	if e.state == imc.StateBlocked && vs.OpMode == imc.OpService {
		e.entityState = imc.EntityNormalActive
		e.transitionTo(imc.StateReady, "vehicle reports SERVICE op_mode")
		return
	}

	if e.state == imc.StateExecuting && (vs.OpMode == imc.OpError || vs.OpMode == imc.OpBoot) {
		e.finishPlan("FAILURE", "vehicle "+string(vs.OpMode)+" op_mode: "+vs.LastError)
		e.transitionTo(imc.StateBlocked, "vehicle "+string(vs.OpMode)+" op_mode")
		return
	}

	e.m.UpdateCalibration(vs)
	if e.curPlanLog != nil {
		e.curPlanLog.CalibrationUpdate(e.m.GetCalibrationInfo())
	}
	e.tryAdvanceCalibration()
}

func (e *Engine) tryAdvanceCalibration() {
	if !e.calibrating || e.state != imc.StateInitializing || e.calibStopping {
		return
	}
	if e.m.HasCalibrationFailed() {
		e.beginCalibrationStop("calibration failed")
		return
	}
	if !e.m.IsCalibrationDone() {
		return
	}
	e.beginCalibrationStop("")
}

// beginCalibrationStop issues the defensive STOP_CALIBRATION command spec
// §4.5 describes before the engine moves on from the calibration filler —
// either into the plan's real start maneuver, or into an abort when
// abortReason is non-empty. Its reply is handled by onCalibrationStopReply.
func (e *Engine) beginCalibrationStop(abortReason string) {
	if err := e.dispatchVehicleCommand(imc.VCStopCalibration, nil); err != nil {
		return // dialog busy; retried on the next checkTimers tick
	}
	e.calibStopping = true
	e.calibAbortReason = abortReason
}

// --- Power, entities, fuel, memento -----------------------------------------

func (e *Engine) onPowerOperation(po imc.PowerOperation) {
	switch po.Kind {
	case imc.PowerDown:
		_ = e.db.Close()
		e.entityState = imc.EntityErrorPower
	case imc.PowerDownAborted:
		if err := e.db.Open(); err != nil {
			e.onDBError(err)
			return
		}
		if e.state == imc.StateBlocked {
			e.entityState = imc.EntityBootInit
		} else {
			e.entityState = imc.EntityNormalActive
		}
	}
}

func (e *Engine) onEntityActivationState(eas imc.EntityActivationState) {
	e.entityActivation[eas.Label] = eas.State
	if err := e.m.OnEntityActivationState(eas.Label, eas); err != nil {
		if e.cfg.Calibration.AbortOnFailedActivation {
			if e.state == imc.StateInitializing || e.state == imc.StateExecuting {
				e.abortCurrentPlan("activation failure: "+err.Error(), true)
			}
		} else {
			// Not configured to abort: logged only.
			log.Printf("[ENGINE] activation failure ignored: %v", err)
		}
	}
}

func (e *Engine) onMemento(in imc.Memento) {
	pm, produced := e.mh.ProcessMemento(in)
	if !produced {
		return
	}
	if err := e.db.StoreMemento(pm); err != nil {
		e.onDBError(err)
	}
}

func (e *Engine) imuEnabled() bool {
	return e.entityActivation[e.cfg.Entities.IMULabel] == imc.ActiveActive
}

// --- Timers & state publication --------------------------------------------

func (e *Engine) checkTimers() {
	now := e.clock()

	if e.dlg.Timeout(now) {
		e.dlg.Clear()
		e.m.PlanStopped()
		e.calibrating = false
		e.calibStopping = false
		e.calibAbortReason = ""
		e.lastOutcome = "FAILURE"
		e.transitionTo(imc.StateReady, "vehicle reply timeout")
		e.closePlanLog("failure")
		e.notifyFailure("plan aborted: vehicle reply timeout")
		for _, qreq := range e.requestQueue {
			e.publishReply(fail(qreq.RequestID, "plan aborted: vehicle reply timeout"))
		}
		e.requestQueue = nil
	}

	if e.state != imc.StateBlocked && now.Sub(e.lastVehicleStateAt) > config.VehicleStateSilenceDeadline {
		e.transitionTo(imc.StateBlocked, "vehicle state silence")
	}

	e.tryAdvanceCalibration()
}

func (e *Engine) transitionTo(newState imc.PlanControlStateKind, trigger string) {
	if newState == e.state {
		return
	}
	from := e.state
	e.state = newState
	if e.curPlanLog != nil {
		e.curPlanLog.StateTransition(string(from), string(newState), trigger)
	}
	e.publishState()
}

func (e *Engine) publishState() {
	e.bus.Publish(e.envelope(imc.MsgPlanControlState, imc.PlanControlState{
		Timestamp:   e.clock(),
		State:       e.state,
		PlanID:      e.planID,
		ManeuverID:  e.m.GetCurrentID(),
		LastOutcome: e.lastOutcome,
		Progress:    e.m.Progress(),
		ETA:         e.m.GetETA(),
		EntityState: e.entityState,
	}))
}

func (e *Engine) publishReply(reply imc.PlanControlReply) {
	e.bus.Publish(e.envelope(imc.MsgPlanControlReply, reply))
}

func (e *Engine) closePlanLog(status string) {
	if e.curPlanLog == nil {
		return
	}
	e.bus.Publish(e.envelope(imc.MsgLoggingControl, imc.LoggingControl{Op: imc.LogStop, PlanID: e.planID}))
	e.logs.Close(e.planRef, status)
	e.mh.Forget(e.planRef)
	e.curPlanLog = nil
}

func (e *Engine) envelope(t imc.MessageType, payload any) imc.Message {
	return imc.Message{Timestamp: e.clock(), Src: e.EntityName, Type: t, Payload: payload}
}
