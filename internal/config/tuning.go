package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/beamline.report/internal/detector"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for pipeline tuning
// parameters. Fields are pointers so partial JSON files are safe: anything
// omitted falls back to the Get* defaults.
type TuningConfig struct {
	// Correction params
	SaturationThreshold *float64 `json:"saturation_threshold,omitempty"`
	GainEpsilon         *float64 `json:"gain_epsilon,omitempty"`

	// Train builder params
	ExpectedModules *int    `json:"expected_modules,omitempty"`
	PulsesPerTrain  *int    `json:"pulses_per_train,omitempty"`
	TrainTimeout    *string `json:"train_timeout,omitempty"` // duration string like "500ms"

	// Statistics params
	HistogramEdges []float64                 `json:"histogram_edges,omitempty"`
	ROIs           []detector.ROI            `json:"rois,omitempty"`
	Azimuthal      *detector.AzimuthalConfig `json:"azimuthal,omitempty"`

	// Flush params
	FlushInterval *string `json:"flush_interval,omitempty"` // duration string like "60s"
	SnapshotFlush *bool   `json:"snapshot_flush,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid. ROI and
// histogram definitions are checked here, at load time, never at use.
func (c *TuningConfig) Validate() error {
	if c.GainEpsilon != nil && *c.GainEpsilon <= 0 {
		return fmt.Errorf("gain_epsilon must be positive, got %f", *c.GainEpsilon)
	}

	if c.ExpectedModules != nil && *c.ExpectedModules <= 0 {
		return fmt.Errorf("expected_modules must be positive, got %d", *c.ExpectedModules)
	}

	if c.PulsesPerTrain != nil && *c.PulsesPerTrain < 0 {
		return fmt.Errorf("pulses_per_train must be non-negative, got %d", *c.PulsesPerTrain)
	}

	if c.TrainTimeout != nil && *c.TrainTimeout != "" {
		if _, err := time.ParseDuration(*c.TrainTimeout); err != nil {
			return fmt.Errorf("invalid train_timeout '%s': %w", *c.TrainTimeout, err)
		}
	}

	if c.FlushInterval != nil && *c.FlushInterval != "" {
		if _, err := time.ParseDuration(*c.FlushInterval); err != nil {
			return fmt.Errorf("invalid flush_interval '%s': %w", *c.FlushInterval, err)
		}
	}

	// Histogram edges must be strictly ascending; delegate to the same
	// validation the accumulator applies at construction.
	if c.HistogramEdges != nil {
		if _, err := detector.NewHistogram(c.HistogramEdges); err != nil {
			return fmt.Errorf("invalid histogram_edges: %w", err)
		}
	}

	// Azimuthal geometry gets its full canvas-bound validation when the
	// accumulator is built; reject the statically-wrong values here.
	if c.Azimuthal != nil {
		if c.Azimuthal.Bins <= 0 {
			return fmt.Errorf("azimuthal bins must be positive, got %d", c.Azimuthal.Bins)
		}
		if c.Azimuthal.RMax < 0 {
			return fmt.Errorf("azimuthal r_max must be non-negative, got %f", c.Azimuthal.RMax)
		}
	}

	// ROI definitions get their full canvas-bound validation when the
	// accumulator is built; here we reject the statically-wrong ones.
	for i := range c.ROIs {
		roi := &c.ROIs[i]
		if roi.Label == "" {
			return fmt.Errorf("roi %d: empty label", i)
		}
		switch roi.Shape {
		case detector.ROIRectangle, detector.ROIPolygon:
		default:
			return fmt.Errorf("roi %q: unrecognised shape %q", roi.Label, roi.Shape)
		}
	}

	return nil
}

// ApplyCorrection overlays the configured correction overrides onto a
// correction set. Constants arrive from the calibration source; only the
// parameters the config actually sets are replaced.
func (c *TuningConfig) ApplyCorrection(cs *detector.CorrectionSet) {
	if cs == nil {
		return
	}
	if c.SaturationThreshold != nil {
		cs.SaturationThreshold = c.GetSaturationThreshold()
	}
	if c.GainEpsilon != nil {
		cs.GainEpsilon = c.GetGainEpsilon()
	}
}

// GetSaturationThreshold returns the saturation threshold or the default.
// The default disables the saturation check (NaN threshold).
func (c *TuningConfig) GetSaturationThreshold() float32 {
	if c.SaturationThreshold == nil {
		return detector.Invalid()
	}
	return float32(*c.SaturationThreshold)
}

// GetGainEpsilon returns the gain epsilon or the default.
func (c *TuningConfig) GetGainEpsilon() float32 {
	if c.GainEpsilon == nil {
		return detector.DefaultGainEpsilon
	}
	return float32(*c.GainEpsilon)
}

// GetExpectedModules returns the expected module count or the default.
func (c *TuningConfig) GetExpectedModules() int {
	if c.ExpectedModules == nil {
		return 16 // default: 1M-class detector
	}
	return *c.ExpectedModules
}

// GetPulsesPerTrain returns the pulses-per-train value or the default.
// Zero means unknown: trains are finalised by timeout.
func (c *TuningConfig) GetPulsesPerTrain() int {
	if c.PulsesPerTrain == nil {
		return 0
	}
	return *c.PulsesPerTrain
}

// GetTrainTimeout parses and returns the TrainTimeout as a time.Duration.
func (c *TuningConfig) GetTrainTimeout() time.Duration {
	if c.TrainTimeout == nil || *c.TrainTimeout == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TrainTimeout)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetFlushInterval parses and returns the FlushInterval as a time.Duration.
func (c *TuningConfig) GetFlushInterval() time.Duration {
	if c.FlushInterval == nil || *c.FlushInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.FlushInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetSnapshotFlush returns whether periodic snapshot flushing is enabled.
func (c *TuningConfig) GetSnapshotFlush() bool {
	if c.SnapshotFlush == nil {
		return true // default
	}
	return *c.SnapshotFlush
}
