// Package calib implements the Calibration Controller (C4): selecting the
// filler maneuver dispatched to the vehicle while calibration is underway.
//
// This is not a separately addressable component — logically it is a
// policy owned by the Engine State Machine, so it is exposed as a single
// pure function rather than a type with its own lifecycle.
package calib

import (
	"github.com/duneuav/planengine/internal/config"
	"github.com/duneuav/planengine/internal/imc"
)

// FillerManeuver selects the maneuver dispatched to the vehicle while
// calibration runs: a StationKeeping maneuver at pos if configured,
// otherwise a zero-duration IdleManeuver.
func FillerManeuver(cfg config.CalibrationConfig, pos imc.EstimatedState) imc.PlanManeuver {
	if cfg.StationKeepingWhileCalibrating {
		return imc.PlanManeuver{
			ManeuverID: "__calib_sk__",
			Kind:       imc.ManeuverStationKeeping,
			Args: imc.ManeuverArgs{
				Lat:      pos.Lat,
				Lon:      pos.Lon,
				Radius:   cfg.StationKeepingRadiusM,
				SpeedRPM: cfg.StationKeepingSpeedRPM,
			},
		}
	}
	return imc.PlanManeuver{
		ManeuverID: "__calib_idle__",
		Kind:       imc.ManeuverIdle,
		Args:       imc.ManeuverArgs{Duration: 0},
	}
}
