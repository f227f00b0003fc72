package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/beamline.report/internal/detector"
)

func ptrFloat64(f float64) *float64 { return &f }
func ptrInt(i int) *int             { return &i }
func ptrString(s string) *string    { return &s }

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	// All fields nil, getters supply defaults
	if !math.IsNaN(float64(cfg.GetSaturationThreshold())) {
		t.Errorf("GetSaturationThreshold() = %v, want NaN (check disabled)", cfg.GetSaturationThreshold())
	}
	if cfg.GetGainEpsilon() != detector.DefaultGainEpsilon {
		t.Errorf("GetGainEpsilon() = %v, want %v", cfg.GetGainEpsilon(), detector.DefaultGainEpsilon)
	}
	if cfg.GetExpectedModules() != 16 {
		t.Errorf("GetExpectedModules() = %d, want 16", cfg.GetExpectedModules())
	}
	if cfg.GetPulsesPerTrain() != 0 {
		t.Errorf("GetPulsesPerTrain() = %d, want 0", cfg.GetPulsesPerTrain())
	}
	if cfg.GetTrainTimeout() != 500*time.Millisecond {
		t.Errorf("GetTrainTimeout() = %v, want 500ms", cfg.GetTrainTimeout())
	}
	if cfg.GetFlushInterval() != 60*time.Second {
		t.Errorf("GetFlushInterval() = %v, want 60s", cfg.GetFlushInterval())
	}
	if cfg.GetSnapshotFlush() != true {
		t.Errorf("GetSnapshotFlush() = %v, want true", cfg.GetSnapshotFlush())
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "saturation_threshold": 10000,
  "gain_epsilon": 0.001,
  "expected_modules": 4,
  "pulses_per_train": 32,
  "train_timeout": "250ms",
  "histogram_edges": [0, 1, 2, 3, 4],
  "rois": [
    {"label": "center", "shape": "rectangle", "x0": 10, "y0": 10, "x1": 20, "y1": 20}
  ],
  "flush_interval": "120s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.SaturationThreshold == nil || *cfg.SaturationThreshold != 10000 {
		t.Errorf("Expected SaturationThreshold 10000, got %v", cfg.SaturationThreshold)
	}
	if cfg.GainEpsilon == nil || *cfg.GainEpsilon != 0.001 {
		t.Errorf("Expected GainEpsilon 0.001, got %v", cfg.GainEpsilon)
	}
	if cfg.ExpectedModules == nil || *cfg.ExpectedModules != 4 {
		t.Errorf("Expected ExpectedModules 4, got %v", cfg.ExpectedModules)
	}
	if cfg.PulsesPerTrain == nil || *cfg.PulsesPerTrain != 32 {
		t.Errorf("Expected PulsesPerTrain 32, got %v", cfg.PulsesPerTrain)
	}
	if cfg.GetTrainTimeout() != 250*time.Millisecond {
		t.Errorf("GetTrainTimeout() = %v, want 250ms", cfg.GetTrainTimeout())
	}
	if len(cfg.HistogramEdges) != 5 {
		t.Errorf("Expected 5 histogram edges, got %d", len(cfg.HistogramEdges))
	}
	if len(cfg.ROIs) != 1 || cfg.ROIs[0].Label != "center" {
		t.Errorf("Expected one ROI labelled 'center', got %v", cfg.ROIs)
	}
	if cfg.GetFlushInterval() != 120*time.Second {
		t.Errorf("GetFlushInterval() = %v, want 120s", cfg.GetFlushInterval())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigBadExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "gain_epsilon": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name: "non-positive gain epsilon",
			cfg: &TuningConfig{
				GainEpsilon: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "non-positive expected modules",
			cfg: &TuningConfig{
				ExpectedModules: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "negative pulses per train",
			cfg: &TuningConfig{
				PulsesPerTrain: ptrInt(-1),
			},
			wantErr: true,
		},
		{
			name: "invalid flush interval",
			cfg: &TuningConfig{
				FlushInterval: ptrString("invalid"),
			},
			wantErr: true,
		},
		{
			name: "invalid train timeout",
			cfg: &TuningConfig{
				TrainTimeout: ptrString("invalid"),
			},
			wantErr: true,
		},
		{
			name: "non-ascending histogram edges",
			cfg: &TuningConfig{
				HistogramEdges: []float64{0, 2, 1},
			},
			wantErr: true,
		},
		{
			name: "single histogram edge",
			cfg: &TuningConfig{
				HistogramEdges: []float64{1},
			},
			wantErr: true,
		},
		{
			name: "roi with empty label",
			cfg: &TuningConfig{
				ROIs: []detector.ROI{{Shape: detector.ROIRectangle, X1: 5, Y1: 5}},
			},
			wantErr: true,
		},
		{
			name: "roi with unknown shape",
			cfg: &TuningConfig{
				ROIs: []detector.ROI{{Label: "bad", Shape: "hexagon"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyCorrection(t *testing.T) {
	newSet := func() *detector.CorrectionSet {
		cs, err := detector.NewCorrectionSet(1, detector.Shape{Rows: 1, Cols: 2}, []detector.ModuleConstants{
			{
				Shape: detector.Shape{Rows: 1, Cols: 2},
				Dark:  []float32{0, 0},
				Gain:  []float32{1, 1},
				Mask:  []bool{false, false},
			},
		}, 9000)
		if err != nil {
			t.Fatalf("NewCorrectionSet: %v", err)
		}
		return cs
	}

	t.Run("empty config leaves constants untouched", func(t *testing.T) {
		cs := newSet()
		EmptyTuningConfig().ApplyCorrection(cs)
		if cs.SaturationThreshold != 9000 {
			t.Errorf("SaturationThreshold = %v, want 9000", cs.SaturationThreshold)
		}
		if cs.GainEpsilon != detector.DefaultGainEpsilon {
			t.Errorf("GainEpsilon = %v, want %v", cs.GainEpsilon, detector.DefaultGainEpsilon)
		}
	})

	t.Run("set fields override calibration values", func(t *testing.T) {
		cs := newSet()
		cfg := &TuningConfig{
			SaturationThreshold: ptrFloat64(12000),
			GainEpsilon:         ptrFloat64(0.01),
		}
		cfg.ApplyCorrection(cs)
		if cs.SaturationThreshold != 12000 {
			t.Errorf("SaturationThreshold = %v, want 12000", cs.SaturationThreshold)
		}
		if cs.GainEpsilon != 0.01 {
			t.Errorf("GainEpsilon = %v, want 0.01", cs.GainEpsilon)
		}
	})

	t.Run("nil correction set is a no-op", func(t *testing.T) {
		cfg := &TuningConfig{SaturationThreshold: ptrFloat64(1)}
		cfg.ApplyCorrection(nil)
	})
}

func TestGetFlushInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TuningConfig
		want time.Duration
	}{
		{
			name: "2 minutes",
			cfg: &TuningConfig{
				FlushInterval: ptrString("2m"),
			},
			want: 2 * time.Minute,
		},
		{
			name: "nil pointer returns default",
			cfg:  &TuningConfig{},
			want: 60 * time.Second,
		},
		{
			name: "empty string returns default",
			cfg: &TuningConfig{
				FlushInterval: ptrString(""),
			},
			want: 60 * time.Second,
		},
		{
			name: "invalid duration returns default",
			cfg: &TuningConfig{
				FlushInterval: ptrString("invalid"),
			},
			want: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetFlushInterval(); got != tt.want {
				t.Errorf("GetFlushInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}
