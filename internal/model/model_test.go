package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duneuav/planengine/internal/imc"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func twoGotoPlan() imc.PlanSpecification {
	return imc.PlanSpecification{
		PlanID:     "p1",
		StartManID: "A",
		Maneuvers: []imc.PlanManeuver{
			{ManeuverID: "A", Kind: imc.ManeuverGoto, Args: imc.ManeuverArgs{Lat: 0, Lon: 0, SpeedRPM: 1000}},
			{ManeuverID: "B", Kind: imc.ManeuverGoto, Args: imc.ManeuverArgs{Lat: 0.01, Lon: 0, SpeedRPM: 1000}},
		},
		Transitions: []imc.Transition{
			{SourceID: "A", DestID: "B", Condition: "MANEUVER_DONE"},
		},
	}
}

func supportedAll() map[imc.ManeuverKind]bool {
	return map[imc.ManeuverKind]bool{
		imc.ManeuverGoto: true, imc.ManeuverLoiter: true,
		imc.ManeuverStationKeeping: true, imc.ManeuverIdle: true,
	}
}

func TestParseRejectsUnsupportedManeuverKind(t *testing.T) {
	m := New(fixedClock(time.Now()))
	spec := twoGotoPlan()
	_, err := m.Parse(spec, map[imc.ManeuverKind]bool{}, nil, true, time.Second, false, false)
	require.Error(t, err)
	assert.True(t, m.maneuvers == nil, "model should be cleared on parse failure")
}

func TestParseRejectsUnreachableManeuver(t *testing.T) {
	m := New(fixedClock(time.Now()))
	spec := twoGotoPlan()
	spec.Maneuvers = append(spec.Maneuvers, imc.PlanManeuver{ManeuverID: "C", Kind: imc.ManeuverGoto})
	// No transition leads to C — unreachable.
	_, err := m.Parse(spec, supportedAll(), nil, true, time.Second, false, false)
	assert.Error(t, err)
}

func TestParseAcceptsValidPlan(t *testing.T) {
	m := New(fixedClock(time.Now()))
	stats, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, time.Second, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ManeuverCount)
}

func TestLoadStartAndNextManeuver(t *testing.T) {
	m := New(fixedClock(time.Now()))
	_, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, time.Second, false, false)
	require.NoError(t, err)

	start, ok := m.LoadStartManeuver()
	require.True(t, ok)
	assert.Equal(t, "A", start.ManeuverID)

	m.ManeuverStarted("A")
	m.ManeuverDone()

	next, ok := m.LoadNextManeuver()
	require.True(t, ok)
	assert.Equal(t, "B", next.ManeuverID)
}

func TestLoadNextManeuverDoneWhenNoTransitionMatches(t *testing.T) {
	m := New(fixedClock(time.Now()))
	_, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, time.Second, false, false)
	require.NoError(t, err)

	m.ManeuverStarted("B")
	m.ManeuverDone()
	_, ok := m.LoadNextManeuver()
	assert.False(t, ok)
	assert.True(t, m.IsDone())
}

func TestUpdateProgressDisabledReturnsMinusOne(t *testing.T) {
	m := New(fixedClock(time.Now()))
	_, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, time.Second, false, false)
	require.NoError(t, err)

	m.ManeuverStarted("A")
	assert.Equal(t, -1.0, m.UpdateProgress(imc.ManeuverControlState{Progress: 50}))
}

func TestUpdateProgressIsMonotonicNonDecreasing(t *testing.T) {
	// A leading Goto has no previous point, so its duration is unknown and
	// progress would be -1 throughout; a timed Loiter first keeps every
	// duration known so the clamp is actually exercised.
	spec := twoGotoPlan()
	spec.Maneuvers[0] = imc.PlanManeuver{ManeuverID: "A", Kind: imc.ManeuverLoiter, Args: imc.ManeuverArgs{Lat: 0, Lon: 0, Duration: 60}}
	m := New(fixedClock(time.Now()))
	_, err := m.Parse(spec, supportedAll(), nil, true, time.Second, true, false)
	require.NoError(t, err)

	m.ManeuverStarted("A")
	p1 := m.UpdateProgress(imc.ManeuverControlState{Progress: 50})
	require.NotEqual(t, -1.0, p1, "progress must be computed for this plan")
	p2 := m.UpdateProgress(imc.ManeuverControlState{Progress: 10})
	assert.GreaterOrEqual(t, p2, p1)
}

func TestCalibrationCompletesAfterMinimumTimeAndOpModeCalibration(t *testing.T) {
	start := time.Now()
	now := start
	clock := func() time.Time { return now }

	m := New(clock)
	_, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, 10*time.Second, false, false)
	require.NoError(t, err)

	m.CalibrationStarted()
	assert.False(t, m.IsCalibrationDone())

	now = start.Add(11 * time.Second)
	m.UpdateCalibration(imc.VehicleState{OpMode: imc.OpCalibration})
	assert.True(t, m.IsCalibrationDone())
}

func TestCalibrationFailsOnVehicleError(t *testing.T) {
	m := New(fixedClock(time.Now()))
	_, err := m.Parse(twoGotoPlan(), supportedAll(), nil, true, 10*time.Second, false, false)
	require.NoError(t, err)

	m.CalibrationStarted()
	m.UpdateCalibration(imc.VehicleState{OpMode: imc.OpError, LastError: "imu_fault"})
	assert.True(t, m.HasCalibrationFailed())
}

func TestOnEntityActivationStateFailsOnlyForRequiredEntity(t *testing.T) {
	spec := twoGotoPlan()
	spec.Maneuvers[0].Args.RequiredEntity = "IMU"
	entities := map[string]imc.EntityInfo{"IMU": {Label: "IMU"}}

	m := New(fixedClock(time.Now()))
	_, err := m.Parse(spec, supportedAll(), entities, true, time.Second, false, false)
	require.NoError(t, err)

	assert.NoError(t, m.OnEntityActivationState("GPS", imc.EntityActivationState{State: imc.ActiveError}))
	assert.Error(t, m.OnEntityActivationState("IMU", imc.EntityActivationState{State: imc.ActiveError}))
}

func TestFuelPredictionMarksInsufficientWhenBelowPredictedDraw(t *testing.T) {
	spec := twoGotoPlan()
	spec.Maneuvers[1].Args.Lat = 10 // far away, huge draw
	m := New(fixedClock(time.Now()))
	stats, err := m.Parse(spec, supportedAll(), nil, true, time.Second, false, true)
	require.NoError(t, err)
	_ = stats

	m.OnFuelLevel(imc.FuelLevel{Percent: 1})
	assert.False(t, m.Statistics().FuelSufficient)
}
