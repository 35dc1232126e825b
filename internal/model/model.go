// Package model implements the Plan Model (C3): parsing a plan
// specification into an ordered, navigable graph of maneuvers, and
// computing progress, ETA, and fuel prediction against live telemetry.
//
// Model holds no reference to the bus or to its owner (the Engine State
// Machine): it is driven purely by method calls and a clock function
// passed at construction, so it can be exercised in isolation by tests.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/duneuav/planengine/internal/imc"
)

// Flat-earth distance/energy constants. The engine does not need
// navigation-grade accuracy; these approximations are documented rather
// than hidden behind a more "precise"-looking formula.
const (
	metersPerDegree  = 111_320.0
	energyPctPerMeter = 0.0008
	hotelIdlePctPerSec = 0.002
	imuOffHotelFactor  = 0.7
)

// ParseError describes why Parse rejected a plan.
type ParseError struct {
	Cause string
}

func (e *ParseError) Error() string { return e.Cause }

// Model is the Plan Model. Not safe for concurrent use; the Engine State
// Machine is its sole caller, from the single control loop (spec §5).
type Model struct {
	clock func() time.Time

	spec        imc.PlanSpecification
	maneuvers   map[string]imc.PlanManeuver
	transitions map[string][]imc.Transition // keyed by source id, declaration order preserved
	durations   map[string]float64          // per-maneuver estimated duration, seconds
	durationsKnown bool
	totalDurationS float64

	requiredEntities map[string]bool

	computeProgress bool
	fuelPrediction  bool
	imuEnabled      bool

	currentID       string
	completedDurS   float64
	lastProgress    float64
	lastMCSFlag     imc.ManeuverControlStateFlag
	lastMCSProgress float64
	done            bool
	running         bool

	stats imc.PlanStatistics

	lastFuelKnown   bool
	lastFuelPercent float64

	calibStarted   bool
	calibStartTime time.Time
	calibDone      bool
	calibFailed    bool
	calibLastError string
	minCalibTime   time.Duration
	lastOpMode     imc.OpMode
}

// New constructs an empty Model. clock is used for calibration timing so
// tests can control time deterministically.
func New(clock func() time.Time) *Model {
	return &Model{clock: clock}
}

// Parse validates spec against supported maneuver kinds and known entities,
// builds the navigable graph, and computes PlanStatistics. On any failure
// the model is cleared and a *ParseError is returned.
func (m *Model) Parse(
	spec imc.PlanSpecification,
	supported map[imc.ManeuverKind]bool,
	entityInfo map[string]imc.EntityInfo,
	imuEnabled bool,
	minCalibTime time.Duration,
	computeProgress bool,
	fuelPrediction bool,
) (imc.PlanStatistics, error) {
	maneuvers := make(map[string]imc.PlanManeuver, len(spec.Maneuvers))
	required := make(map[string]bool)

	for _, man := range spec.Maneuvers {
		if !supported[man.Kind] {
			m.Clear()
			return imc.PlanStatistics{}, &ParseError{Cause: fmt.Sprintf("unsupported maneuver kind %q for id %q", man.Kind, man.ManeuverID)}
		}
		if man.Args.RequiredEntity != "" {
			if _, ok := entityInfo[man.Args.RequiredEntity]; !ok {
				m.Clear()
				return imc.PlanStatistics{}, &ParseError{Cause: fmt.Sprintf("maneuver %q references unknown entity %q", man.ManeuverID, man.Args.RequiredEntity)}
			}
			required[man.Args.RequiredEntity] = true
		}
		maneuvers[man.ManeuverID] = man
	}

	if spec.StartManID != "" {
		if _, ok := maneuvers[spec.StartManID]; !ok {
			m.Clear()
			return imc.PlanStatistics{}, &ParseError{Cause: fmt.Sprintf("start_man_id %q not found among maneuvers", spec.StartManID)}
		}
	}

	transitions := make(map[string][]imc.Transition)
	for _, tr := range spec.Transitions {
		if _, ok := maneuvers[tr.SourceID]; !ok {
			m.Clear()
			return imc.PlanStatistics{}, &ParseError{Cause: fmt.Sprintf("transition source %q not found", tr.SourceID)}
		}
		if _, ok := maneuvers[tr.DestID]; !ok {
			m.Clear()
			return imc.PlanStatistics{}, &ParseError{Cause: fmt.Sprintf("transition dest %q not found", tr.DestID)}
		}
		transitions[tr.SourceID] = append(transitions[tr.SourceID], tr)
	}

	if len(maneuvers) > 0 && spec.StartManID != "" {
		if err := checkReachable(spec.StartManID, maneuvers, transitions); err != nil {
			m.Clear()
			return imc.PlanStatistics{}, err
		}
	}

	durations, totalDur, durKnown := estimateDurations(spec)
	stats := imc.PlanStatistics{
		ManeuverCount: len(spec.Maneuvers),
	}
	dist, _ := estimateDistance(spec)
	stats.DistanceM = dist
	if durKnown {
		stats.EstDurationS = totalDur
	}
	stats.FuelSufficient = true

	m.spec = spec
	m.maneuvers = maneuvers
	m.transitions = transitions
	m.durations = durations
	m.durationsKnown = durKnown
	m.totalDurationS = totalDur
	m.requiredEntities = required
	m.computeProgress = computeProgress
	m.fuelPrediction = fuelPrediction
	m.imuEnabled = imuEnabled
	m.minCalibTime = minCalibTime
	m.stats = stats
	m.currentID = ""
	m.completedDurS = 0
	m.lastProgress = 0
	m.done = false
	m.running = false

	if fuelPrediction {
		m.recomputeFuel()
	}

	return m.stats, nil
}

// LoadStartManeuver returns the maneuver at start_man_id, or false if the
// plan is empty.
func (m *Model) LoadStartManeuver() (imc.PlanManeuver, bool) {
	if m.spec.StartManID == "" {
		return imc.PlanManeuver{}, false
	}
	man, ok := m.maneuvers[m.spec.StartManID]
	return man, ok
}

// LoadNextManeuver returns the successor of the just-finished maneuver per
// the transition graph, or false if the plan is done. Multiple matching
// transitions are resolved by taking the first in source-declaration order
// (Design Notes §9's documented tie-break).
func (m *Model) LoadNextManeuver() (imc.PlanManeuver, bool) {
	for _, tr := range m.transitions[m.currentID] {
		if evalCondition(tr.Condition, m.lastMCSFlag) {
			man, ok := m.maneuvers[tr.DestID]
			if !ok {
				continue
			}
			return man, true
		}
	}
	m.done = true
	return imc.PlanManeuver{}, false
}

// ManeuverStarted records that id is now the in-progress maneuver.
func (m *Model) ManeuverStarted(id string) {
	m.currentID = id
	m.lastMCSProgress = 0
}

// ManeuverDone records completion of the current maneuver and folds its
// estimated duration into the completed total used by progress/ETA.
func (m *Model) ManeuverDone() {
	m.completedDurS += m.durations[m.currentID]
	m.lastMCSFlag = imc.MCSManeuverDone
}

// UpdateProgress folds a ManeuverControlState reading into plan progress.
// Returns -1 when progress computation is disabled or any maneuver's
// duration estimate is unknown; otherwise a monotonically non-decreasing
// percentage within a single plan execution.
func (m *Model) UpdateProgress(mcs imc.ManeuverControlState) float64 {
	m.lastMCSFlag = mcs.Flag
	m.lastMCSProgress = mcs.Progress

	if !m.computeProgress || !m.durationsKnown || m.totalDurationS <= 0 {
		return -1
	}

	contribution := 0.0
	if mcs.Progress >= 0 {
		contribution = m.durations[m.currentID] * (mcs.Progress / 100.0)
	}
	pct := (m.completedDurS + contribution) / m.totalDurationS * 100.0
	if pct > 100 {
		pct = 100
	}
	if pct < m.lastProgress {
		pct = m.lastProgress // monotonically non-decreasing within a plan execution
	}
	m.lastProgress = pct
	return pct
}

// GetETA returns the estimated remaining seconds, or -1 when unknown.
func (m *Model) GetETA() float64 {
	if !m.durationsKnown {
		return -1
	}
	elapsed := m.completedDurS
	if m.currentID != "" && m.lastMCSProgress >= 0 {
		elapsed += m.durations[m.currentID] * (m.lastMCSProgress / 100.0)
	}
	remaining := m.totalDurationS - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// UpdateCalibration folds a VehicleState reading into calibration tracking.
func (m *Model) UpdateCalibration(vs imc.VehicleState) {
	m.lastOpMode = vs.OpMode
	if vs.OpMode == imc.OpError {
		m.calibFailed = true
		m.calibLastError = vs.LastError
		return
	}
	if m.calibStarted && !m.calibFailed {
		elapsed := m.clock().Sub(m.calibStartTime)
		if elapsed >= m.minCalibTime && vs.OpMode == imc.OpCalibration {
			m.calibDone = true
		}
	}
}

// IsCalibrationDone reports whether calibration has completed.
func (m *Model) IsCalibrationDone() bool { return m.calibDone }

// HasCalibrationFailed reports whether the vehicle reported a calibration error.
func (m *Model) HasCalibrationFailed() bool { return m.calibFailed }

// GetCalibrationInfo returns a human-readable calibration status string.
func (m *Model) GetCalibrationInfo() string {
	if m.calibFailed {
		return fmt.Sprintf("calibration failed: %s", m.calibLastError)
	}
	if m.calibDone {
		return "calibration complete"
	}
	if !m.calibStarted {
		return "calibration not started"
	}
	remaining := m.minCalibTime - m.clock().Sub(m.calibStartTime)
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("calibrating, op_mode=%s, ~%.1fs remaining", m.lastOpMode, remaining.Seconds())
}

// CalibrationStarted begins the minimum-calibration-time countdown.
func (m *Model) CalibrationStarted() {
	m.calibStarted = true
	m.calibStartTime = m.clock()
	m.calibDone = false
	m.calibFailed = false
	m.calibLastError = ""
}

// GetEstimatedCalibrationTime returns the configured minimum calibration duration.
func (m *Model) GetEstimatedCalibrationTime() float64 {
	return m.minCalibTime.Seconds()
}

// OnEntityActivationState folds an entity activation report into the model.
// Returns an error only if label is required-active for this plan and
// activation reports a hard error.
func (m *Model) OnEntityActivationState(label string, eas imc.EntityActivationState) error {
	if m.requiredEntities[label] && eas.State == imc.ActiveError {
		return fmt.Errorf("required entity %q activation failed: %s", label, eas.Error)
	}
	return nil
}

// OnFuelLevel feeds the fuel predictor with the last observed reading.
func (m *Model) OnFuelLevel(fl imc.FuelLevel) {
	m.lastFuelKnown = true
	m.lastFuelPercent = fl.Percent
	if m.fuelPrediction {
		m.recomputeFuel()
	}
}

// PlanStarted resets execution bookkeeping at the start of a plan run.
func (m *Model) PlanStarted() {
	m.currentID = ""
	m.completedDurS = 0
	m.lastProgress = 0
	m.done = false
	m.running = true
}

// PlanStopped marks the plan as no longer executing.
func (m *Model) PlanStopped() {
	m.running = false
	m.currentID = ""
}

// Clear resets the model to its empty state, as required on parse failure.
func (m *Model) Clear() {
	*m = Model{clock: m.clock}
}

// IsDone reports whether the plan graph has reached a terminal state.
func (m *Model) IsDone() bool { return m.done }

// GetCurrentID returns the id of the maneuver currently in progress.
func (m *Model) GetCurrentID() string { return m.currentID }

// Statistics returns the statistics computed at parse time, updated with
// the latest fuel prediction.
func (m *Model) Statistics() imc.PlanStatistics { return m.stats }

// GetSpec returns the last successfully parsed plan specification.
func (m *Model) GetSpec() imc.PlanSpecification { return m.spec }

// Progress returns the last percentage stored by UpdateProgress (0 before
// the first stored update), or -1 if progress computation is disabled.
func (m *Model) Progress() float64 {
	if !m.computeProgress {
		return -1
	}
	return m.lastProgress
}

func (m *Model) recomputeFuel() {
	if !m.lastFuelKnown {
		return
	}
	hotel := 1.0
	if !m.imuEnabled {
		hotel = imuOffHotelFactor
	}
	predictedDrawPct := m.stats.DistanceM*energyPctPerMeter*hotel + m.stats.EstDurationS*hotelIdlePctPerSec*hotel
	m.stats.FuelRemainPct = m.lastFuelPercent - predictedDrawPct
	m.stats.FuelSufficient = m.stats.FuelRemainPct >= 0
}

// checkReachable verifies every maneuver is reachable from startID via the
// transition graph, ignoring condition evaluation (reachability is a
// structural property; conditions are evaluated only at runtime).
func checkReachable(startID string, maneuvers map[string]imc.PlanManeuver, transitions map[string][]imc.Transition) error {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, tr := range transitions[id] {
			if !visited[tr.DestID] {
				visited[tr.DestID] = true
				queue = append(queue, tr.DestID)
			}
		}
	}
	for id := range maneuvers {
		if !visited[id] {
			return &ParseError{Cause: fmt.Sprintf("maneuver %q is unreachable from start_man_id", id)}
		}
	}
	return nil
}

// evalCondition evaluates a transition condition string against the last
// observed maneuver control state flag. An empty condition (or "always")
// matches unconditionally; otherwise the condition must name the flag
// (case-insensitively) that triggers it, e.g. "MANEUVER_DONE" or "ERROR".
func evalCondition(cond string, flag imc.ManeuverControlStateFlag) bool {
	if cond == "" || cond == "always" {
		return true
	}
	return strings.EqualFold(cond, string(flag))
}

// estimateDurations computes a per-maneuver duration estimate and whether
// every estimate in the plan is known.
func estimateDurations(spec imc.PlanSpecification) (map[string]float64, float64, bool) {
	durations := make(map[string]float64, len(spec.Maneuvers))
	total := 0.0
	known := true
	var prev *imc.PlanManeuver
	for i := range spec.Maneuvers {
		man := spec.Maneuvers[i]
		d, ok := estimateOneDuration(prev, man)
		if !ok {
			known = false
		}
		durations[man.ManeuverID] = d
		total += d
		prev = &man
	}
	return durations, total, known
}

func estimateOneDuration(prev *imc.PlanManeuver, man imc.PlanManeuver) (float64, bool) {
	switch man.Kind {
	case imc.ManeuverGoto:
		if prev == nil || man.Args.SpeedRPM <= 0 {
			return 0, false
		}
		dist := haversineFlat(prev.Args.Lat, prev.Args.Lon, man.Args.Lat, man.Args.Lon)
		speedMps := rpmToMps(man.Args.SpeedRPM)
		if speedMps <= 0 {
			return 0, false
		}
		return dist / speedMps, true
	case imc.ManeuverLoiter, imc.ManeuverStationKeeping, imc.ManeuverIdle:
		return man.Args.Duration, man.Args.Duration > 0
	default:
		return 0, false
	}
}

func estimateDistance(spec imc.PlanSpecification) (float64, bool) {
	total := 0.0
	var prev *imc.PlanManeuver
	known := true
	for i := range spec.Maneuvers {
		man := spec.Maneuvers[i]
		if man.Kind == imc.ManeuverGoto && prev != nil {
			total += haversineFlat(prev.Args.Lat, prev.Args.Lon, man.Args.Lat, man.Args.Lon)
		}
		prev = &man
	}
	return total, known
}

// haversineFlat approximates ground distance between two lat/lon points
// using an equirectangular projection — adequate for the short-range
// mission-plan distances this predictor deals with.
func haversineFlat(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * metersPerDegree
	dLon := (lon2 - lon1) * metersPerDegree * math.Cos(radians((lat1+lat2)/2))
	return math.Hypot(dLat, dLon)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// rpmToMps is a coarse thruster-RPM-to-speed conversion used only for the
// distance/duration estimate, not for vehicle control.
func rpmToMps(rpm float64) float64 { return rpm / 1000.0 }
