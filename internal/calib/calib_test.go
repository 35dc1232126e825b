package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/imc"
)

func TestFillerManeuverReturnsIdleByDefault(t *testing.T) {
	cfg := config.CalibrationConfig{StationKeepingWhileCalibrating: false}
	man := FillerManeuver(cfg, imc.EstimatedState{Lat: 1, Lon: 2})
	assert.Equal(t, imc.ManeuverIdle, man.Kind)
}

func TestFillerManeuverReturnsStationKeepingWhenConfigured(t *testing.T) {
	cfg := config.CalibrationConfig{
		StationKeepingWhileCalibrating: true,
		StationKeepingRadiusM:          20,
		StationKeepingSpeedRPM:         1600,
	}
	pos := imc.EstimatedState{Lat: 1, Lon: 2}
	man := FillerManeuver(cfg, pos)
	assert.Equal(t, imc.ManeuverStationKeeping, man.Kind)
	assert.Equal(t, pos.Lat, man.Args.Lat)
	assert.Equal(t, 20.0, man.Args.Radius)
	assert.Equal(t, 1600.0, man.Args.SpeedRPM)
}
