package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/beamline.report/internal/detector"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SeriesPlotter records ROI statistics over time for visualization.
// It samples the StatsManager's snapshot on each call to Sample(),
// accumulating time series data that can be plotted after a run.
type SeriesPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	manager   *detector.StatsManager

	// samples holds per-ROI time series. Key = ROI label.
	samples map[string][]SeriesSample

	startTime time.Time
	frameIdx  int
}

// SeriesSample represents one snapshot of an ROI's reduction
type SeriesSample struct {
	FrameIdx  int
	Timestamp time.Time
	TrainID   uint64
	PulseID   uint64
	Mean      float64
	Sum       float64
	Count     int
	Valid     bool
}

// NewSeriesPlotter creates a plotter fed by the given stats manager.
func NewSeriesPlotter(manager *detector.StatsManager) *SeriesPlotter {
	return &SeriesPlotter{
		manager: manager,
		samples: make(map[string][]SeriesSample),
	}
}

// Start initializes the plotter for a new run.
// outputDir should be a timestamped directory (e.g., "plots/run-001/20260830_101500")
func (sp *SeriesPlotter) Start(outputDir string) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	sp.outputDir = outputDir
	sp.enabled = true
	sp.startTime = time.Time{}
	sp.frameIdx = 0
	sp.samples = make(map[string][]SeriesSample)
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (sp *SeriesPlotter) Stop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (sp *SeriesPlotter) IsEnabled() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.enabled
}

// Sample captures the new tail of every ROI series from the live snapshot.
// Call this periodically during a run; only points not seen on a previous
// call are appended.
func (sp *SeriesPlotter) Sample() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if !sp.enabled || sp.manager == nil {
		return
	}

	snap := sp.manager.Snapshot()
	now := time.Now()

	if sp.startTime.IsZero() {
		sp.startTime = now
	}
	sp.frameIdx++

	for label, series := range snap.On.Series {
		have := len(sp.samples[label])
		for i := have; i < len(series); i++ {
			res := series[i]
			sp.samples[label] = append(sp.samples[label], SeriesSample{
				FrameIdx:  i,
				Timestamp: now,
				TrainID:   res.TrainID,
				PulseID:   res.PulseID,
				Mean:      res.Mean,
				Sum:       res.Sum,
				Count:     res.Count,
				Valid:     res.Valid,
			})
		}
	}
}

// GeneratePlots creates PNG files for each ROI, showing the mean and valid
// pixel count over pulse index. Returns the number of plots generated.
func (sp *SeriesPlotter) GeneratePlots() (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	if len(sp.samples) == 0 {
		return 0, nil
	}

	// Sort labels for deterministic file ordering
	var labels []string
	for label := range sp.samples {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	plotCount := 0
	for _, label := range labels {
		if err := sp.generateROIPlot(label, sp.samples[label]); err != nil {
			return plotCount, fmt.Errorf("roi %q: %w", label, err)
		}
		plotCount++
	}

	return plotCount, nil
}

// generateROIPlot creates plots for one ROI: mean intensity and valid count.
func (sp *SeriesPlotter) generateROIPlot(label string, samples []SeriesSample) error {
	if len(samples) == 0 {
		return nil
	}

	pMean := plot.New()
	pMean.Title.Text = fmt.Sprintf("ROI %s - Mean Intensity", label)
	pMean.X.Label.Text = "Pulse"
	pMean.Y.Label.Text = "Mean"

	pCount := plot.New()
	pCount.Title.Text = fmt.Sprintf("ROI %s - Valid Pixels", label)
	pCount.X.Label.Text = "Pulse"
	pCount.Y.Label.Text = "Count"

	sort.Slice(samples, func(a, b int) bool {
		return samples[a].FrameIdx < samples[b].FrameIdx
	})

	meanPts := make(plotter.XYs, 0, len(samples))
	countPts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		// Skip invalid reductions for the mean plot (fully masked region)
		if s.Valid {
			meanPts = append(meanPts, plotter.XY{X: float64(s.FrameIdx), Y: s.Mean})
		}
		countPts = append(countPts, plotter.XY{X: float64(s.FrameIdx), Y: float64(s.Count)})
	}

	if len(meanPts) > 0 {
		meanLine, err := plotter.NewLine(meanPts)
		if err != nil {
			return err
		}
		meanLine.Color = color.RGBA{R: 31, G: 158, B: 137, A: 255}
		meanLine.Width = vg.Points(1)
		pMean.Add(meanLine)
		pMean.Legend.Add(label, meanLine)
	}

	if len(countPts) > 0 {
		countLine, err := plotter.NewLine(countPts)
		if err != nil {
			return err
		}
		countLine.Color = color.RGBA{R: 62, G: 73, B: 137, A: 255}
		countLine.Width = vg.Points(1)
		pCount.Add(countLine)
		pCount.Legend.Add(label, countLine)
	}

	pMean.Legend.Top = true
	pMean.Legend.Left = false
	pMean.Legend.XOffs = -10
	pMean.Legend.YOffs = -10

	pCount.Legend.Top = true
	pCount.Legend.Left = false
	pCount.Legend.XOffs = -10
	pCount.Legend.YOffs = -10

	meanFile := filepath.Join(sp.outputDir, fmt.Sprintf("roi_%s_mean.png", label))
	if err := pMean.Save(14*vg.Inch, 6*vg.Inch, meanFile); err != nil {
		return fmt.Errorf("save mean plot: %w", err)
	}

	countFile := filepath.Join(sp.outputDir, fmt.Sprintf("roi_%s_count.png", label))
	if err := pCount.Save(14*vg.Inch, 6*vg.Inch, countFile); err != nil {
		return fmt.Errorf("save count plot: %w", err)
	}

	return nil
}

// GetOutputDir returns the current output directory for plots.
func (sp *SeriesPlotter) GetOutputDir() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.outputDir
}

// GetSampleCount returns the total number of samples collected.
func (sp *SeriesPlotter) GetSampleCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	count := 0
	for _, samples := range sp.samples {
		count += len(samples)
	}
	return count
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir creates a timestamped output directory path for plots:
// plots/<run_id>/<timestamp>
func MakePlotOutputDir(baseDir, runID string) string {
	ts := FormatTimestamp(time.Now())
	if runID != "" {
		return filepath.Join(baseDir, runID, ts)
	}
	return filepath.Join(baseDir, "run_"+ts)
}
