package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsZeroStateReportHz(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Progress.StateReportHz = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStoreDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Dir = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planengine.yaml")
	contents := []byte("progress:\n  compute_progress: true\n  state_report_hz: 5\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Progress.ComputeProgress)
	assert.Equal(t, 5.0, cfg.Progress.StateReportHz)
	// Untouched fields keep their defaults.
	assert.True(t, cfg.Progress.FuelPrediction)
	assert.Equal(t, "IMU", cfg.Entities.IMULabel)
}
