package gazepipe_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg, err := gazepipe.NewConfig()
	require.NoError(t, err)

	assert.Equal(t, gazepipe.DefaultMinCalibrationConfidence, cfg.MinCalibrationConfidence)
	assert.Equal(t, gazepipe.Resolution{Width: 640, Height: 480}, cfg.Resolution)
	assert.Equal(t, 1000, cfg.ProgressEvery)
	assert.Equal(t, []string{"eye0.mp4", "eye1.mp4"}, cfg.Sources)
}

func TestOptionsDoNotLeakIntoDefaults(t *testing.T) {
	cfg, err := gazepipe.NewConfig(
		gazepipe.WithMinCalibrationConfidence(0),
		gazepipe.WithSources("eye1.mp4"),
	)
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.MinCalibrationConfidence)
	assert.Equal(t, []string{"eye1.mp4"}, cfg.Sources)
	assert.Equal(t, []string{"eye0.mp4", "eye1.mp4"}, gazepipe.DefaultConfig().Sources)
}

func TestConfigValidation(t *testing.T) {
	cases := []gazepipe.Option{
		gazepipe.WithMinCalibrationConfidence(1.5),
		gazepipe.WithResolution(gazepipe.Resolution{}),
		gazepipe.WithProgressEvery(0),
		gazepipe.WithOutlierThreshold(0),
	}

	for _, opt := range cases {
		_, err := gazepipe.NewConfig(opt)
		assert.Error(t, err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gazepipe.yaml")

	err := os.WriteFile(path, []byte(`
min_calibration_confidence: 0.6
resolution:
  width: 1280
  height: 720
detector:
  command: ["python3", "detector_worker.py"]
`), 0o644)
	require.NoError(t, err)

	cfg, err := gazepipe.LoadConfig(path, gazepipe.WithProgressEvery(10))
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.MinCalibrationConfidence)
	assert.Equal(t, "1280x720", cfg.Resolution.String())
	assert.Equal(t, []string{"python3", "detector_worker.py"}, cfg.Detector.Command)
	assert.Equal(t, 10, cfg.ProgressEvery)
	assert.Equal(t, gazepipe.DefaultOutlierThreshold, cfg.OutlierThreshold)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := gazepipe.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
