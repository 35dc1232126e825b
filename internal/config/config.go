// Package config provides configuration loading and management for the
// Plan Engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete Plan Engine configuration (spec §6).
type Config struct {
	Progress    ProgressConfig    `yaml:"progress"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Entities    EntitiesConfig    `yaml:"entities"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
}

// ProgressConfig governs progress/fuel reporting and publish cadence.
type ProgressConfig struct {
	// ComputeProgress enables §4.3 progress tracking (default false).
	ComputeProgress bool `yaml:"compute_progress"`
	// FuelPrediction enables the §4.3 fuel predictor (default true).
	FuelPrediction bool `yaml:"fuel_prediction"`
	// StateReportHz is the rate at which PlanControlState is periodically published.
	StateReportHz float64 `yaml:"state_report_hz"`
	// RequestQueueCap bounds the number of queued PlanControl requests (§9 supplement).
	RequestQueueCap int `yaml:"request_queue_cap"`
}

// CalibrationConfig governs the Calibration Controller (C4).
type CalibrationConfig struct {
	// MinimumTime is the minimum calibration duration.
	MinimumTime time.Duration `yaml:"minimum_time"`
	// PerformCalibration gates whether PC_START's CALIBRATE flag has any effect.
	PerformCalibration bool `yaml:"perform_calibration"`
	// AbortOnFailedActivation aborts INITIALIZING on a required-entity activation failure.
	AbortOnFailedActivation bool `yaml:"abort_on_failed_activation"`
	// StationKeepingWhileCalibrating selects a StationKeeping filler maneuver
	// instead of IdleManeuver during calibration.
	StationKeepingWhileCalibrating bool    `yaml:"station_keeping_while_calibrating"`
	StationKeepingSpeedRPM         float64 `yaml:"station_keeping_speed_rpm"`
	StationKeepingRadiusM          float64 `yaml:"station_keeping_radius_m"`
}

// EntitiesConfig names entities the engine depends on.
type EntitiesConfig struct {
	// IMULabel is the entity whose activation gates the IMU-on fuel branch.
	IMULabel string `yaml:"imu_label"`
}

// StoreConfig governs the Plan DB Gateway's persistence.
type StoreConfig struct {
	// Dir is the directory the LevelDB store is rooted at.
	Dir string `yaml:"dir"`
}

// LogConfig governs per-plan structured execution tracing.
type LogConfig struct {
	// Dir is the directory one JSONL file per plan_ref is written under.
	Dir string `yaml:"dir"`
}

// VehicleReplyDeadline and VehicleStateSilenceDeadline are fixed by spec §5
// (2.5 s) and are not configurable; they are exported as constants so every
// component shares one source of truth instead of a magic literal.
const (
	VehicleReplyDeadline        = 2500 * time.Millisecond
	VehicleStateSilenceDeadline = 2500 * time.Millisecond
)

// DefaultConfig returns a Config with the defaults documented in spec §6.
func DefaultConfig() *Config {
	return &Config{
		Progress: ProgressConfig{
			ComputeProgress: false,
			FuelPrediction:  true,
			StateReportHz:   3.0,
			RequestQueueCap: 32,
		},
		Calibration: CalibrationConfig{
			MinimumTime:                    10 * time.Second,
			PerformCalibration:             true,
			AbortOnFailedActivation:        false,
			StationKeepingWhileCalibrating: false,
			StationKeepingSpeedRPM:         1600,
			StationKeepingRadiusM:          20,
		},
		Entities: EntitiesConfig{
			IMULabel: "IMU",
		},
		Store: StoreConfig{
			Dir: "./data/plandb",
		},
		Log: LogConfig{
			Dir: "./data/planlog",
		},
	}
}

// Validate rejects out-of-range configuration values.
func (c *Config) Validate() error {
	if c.Progress.StateReportHz <= 0 {
		return fmt.Errorf("progress.state_report_hz must be positive, got %v", c.Progress.StateReportHz)
	}
	if c.Progress.RequestQueueCap <= 0 {
		return fmt.Errorf("progress.request_queue_cap must be positive, got %d", c.Progress.RequestQueueCap)
	}
	if c.Calibration.MinimumTime < 0 {
		return fmt.Errorf("calibration.minimum_time must not be negative, got %v", c.Calibration.MinimumTime)
	}
	if c.Calibration.StationKeepingSpeedRPM < 0 {
		return fmt.Errorf("calibration.station_keeping_speed_rpm must not be negative, got %v", c.Calibration.StationKeepingSpeedRPM)
	}
	if c.Calibration.StationKeepingRadiusM <= 0 {
		return fmt.Errorf("calibration.station_keeping_radius_m must be positive, got %v", c.Calibration.StationKeepingRadiusM)
	}
	if c.Entities.IMULabel == "" {
		return fmt.Errorf("entities.imu_label is required")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	return nil
}

// LoadFile loads configuration from a YAML file, merged over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
