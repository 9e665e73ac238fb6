package gazepipe

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMinCalibrationConfidence is the pupil confidence below which
	// samples are excluded from calibration fitting. It is the only place the
	// default is defined, every entry point goes through Config.
	DefaultMinCalibrationConfidence = 0.8

	// DefaultProgressEvery is the number of frames between detection
	// progress reports
	DefaultProgressEvery = 1000

	// DefaultOutlierThreshold is the angular error (degrees) above which a
	// sample is excluded from accuracy computation
	DefaultOutlierThreshold = 5.0

	// DefaultPupilStoreName is the store detection results are merged into
	DefaultPupilStoreName = "offline_pupil"

	// DefaultGazeStoreName is the store the mapped gaze stream is written to
	DefaultGazeStoreName = "gaze"
)

// DefaultResolution is the scene camera resolution used when loading
// intrinsics without an explicit one
var DefaultResolution = Resolution{Width: 640, Height: 480}

// DefaultSources are the eye videos looked up in a recording directory
var DefaultSources = []string{"eye0.mp4", "eye1.mp4"}

// Resolution of a camera image in pixels
type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// String renders the resolution the way intrinsics files key it (640x480)
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// DetectorConfig configures the external pupil detector worker
type DetectorConfig struct {
	// Command is the worker executable followed by its arguments
	Command []string `yaml:"command"`

	// Timeout bounds a single detection round trip
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the immutable configuration handed to every pipeline stage.
// It replaces any ambient/global state: stages receive it by value and
// never modify it.
type Config struct {
	MinCalibrationConfidence float64        `yaml:"min_calibration_confidence"`
	Resolution               Resolution     `yaml:"resolution"`
	ProgressEvery            int            `yaml:"progress_every"`
	OutlierThreshold         float64        `yaml:"outlier_threshold"`
	PupilStoreName           string         `yaml:"pupil_store_name"`
	GazeStoreName            string         `yaml:"gaze_store_name"`
	Sources                  []string       `yaml:"sources"`
	Detector                 DetectorConfig `yaml:"detector"`
}

// Option represents a configuration option
type Option func(Config) Config

// WithMinCalibrationConfidence sets the calibration confidence threshold
func WithMinCalibrationConfidence(c float64) Option {
	return func(cfg Config) Config {
		cfg.MinCalibrationConfidence = c

		return cfg
	}
}

// WithResolution sets the scene camera resolution
func WithResolution(r Resolution) Option {
	return func(cfg Config) Config {
		cfg.Resolution = r

		return cfg
	}
}

// WithProgressEvery sets the detection progress report interval in frames
func WithProgressEvery(n int) Option {
	return func(cfg Config) Config {
		cfg.ProgressEvery = n

		return cfg
	}
}

// WithOutlierThreshold sets the accuracy outlier threshold in degrees
func WithOutlierThreshold(deg float64) Option {
	return func(cfg Config) Config {
		cfg.OutlierThreshold = deg

		return cfg
	}
}

// WithSources sets the eye video file names looked up in a recording
func WithSources(sources ...string) Option {
	return func(cfg Config) Config {
		cfg.Sources = append([]string(nil), sources...)

		return cfg
	}
}

// WithDetectorCommand sets the external detector worker command line
func WithDetectorCommand(cmd ...string) Option {
	return func(cfg Config) Config {
		cfg.Detector.Command = append([]string(nil), cmd...)

		return cfg
	}
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		MinCalibrationConfidence: DefaultMinCalibrationConfidence,
		Resolution:               DefaultResolution,
		ProgressEvery:            DefaultProgressEvery,
		OutlierThreshold:         DefaultOutlierThreshold,
		PupilStoreName:           DefaultPupilStoreName,
		GazeStoreName:            DefaultGazeStoreName,
		Sources:                  append([]string(nil), DefaultSources...),
		Detector: DetectorConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// NewConfig applies opts on top of DefaultConfig and validates the result
func NewConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return cfg, cfg.Validate()
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their defaults; opts are applied after the file.
func LoadConfig(path string, opts ...Option) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values no stage can work with
func (c Config) Validate() error {
	if c.MinCalibrationConfidence < 0 || c.MinCalibrationConfidence > 1 {
		return fmt.Errorf("min calibration confidence must be within [0, 1], got %v", c.MinCalibrationConfidence)
	}

	if c.Resolution.Width <= 0 || c.Resolution.Height <= 0 {
		return fmt.Errorf("invalid resolution %s", c.Resolution)
	}

	if c.ProgressEvery < 1 {
		return fmt.Errorf("progress interval should be at least 1")
	}

	if c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier threshold must be positive")
	}

	if c.PupilStoreName == "" || c.GazeStoreName == "" {
		return fmt.Errorf("store names must be provided")
	}

	return nil
}
