package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/banshee-data/beamline.report/internal/monitoring"
)

// FrameSink receives assembled frames in pulse order. The external
// presentation/broadcast layer implements this; the pipeline only
// guarantees ordering and never blocks statistics on a slow sink.
type FrameSink interface {
	// ConsumeFrame is called once per assembled pulse, in arrival order.
	ConsumeFrame(img *detector.AssembledImage)
}

// Config holds dependencies and tuning for the train pipeline.
type Config struct {
	DetectorID string
	Assembler  *detector.Assembler
	Constants  *detector.ConstantsHolder
	Stats      *detector.StatsManager
	Counters   *detector.TrainStats // optional; counts trains/pulses/drops
	Sink       FrameSink            // optional; receives assembled frames in order
}

// Pipeline runs the numeric core for one detector: per-pulse parallel
// correction, assembly against the cached geometry, and serialised
// statistics folding. Frame-local errors drop the frame and the run
// continues; structural errors (nil geometry, nil stats) fail construction.
//
// ProcessTrain is intended to be driven by the TrainBuilder's serialised
// callback worker, which already guarantees that trains arrive one at a
// time and in order. The pipeline therefore needs no locking of its own
// around the per-train flow.
type Pipeline struct {
	detectorID string
	assembler  *detector.Assembler
	constants  *detector.ConstantsHolder
	stats      *detector.StatsManager
	counters   *detector.TrainStats
	sink       FrameSink
}

// New validates the configuration and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Assembler == nil {
		return nil, fmt.Errorf("pipeline: nil assembler")
	}
	if cfg.Constants == nil {
		return nil, fmt.Errorf("pipeline: nil constants holder")
	}
	if cfg.Stats == nil {
		return nil, fmt.Errorf("pipeline: nil stats manager")
	}
	return &Pipeline{
		detectorID: cfg.DetectorID,
		assembler:  cfg.Assembler,
		constants:  cfg.Constants,
		stats:      cfg.Stats,
		counters:   cfg.Counters,
		sink:       cfg.Sink,
	}, nil
}

// ProcessTrain runs one train through correction, assembly and statistics.
// Pulses are processed strictly in train order so downstream consumers see
// frames in pulse sequence; the parallelism lives inside each pulse
// (per-module correction workers joined before assembly).
func (p *Pipeline) ProcessTrain(train *detector.Train) {
	// The correction set is loaded once per train, not per pulse: a
	// calibration swap mid-train would otherwise mix epochs within one burst.
	cs := p.constants.Active()

	processed := 0
	for i := range train.Pulses {
		if err := p.processPulse(cs, &train.Pulses[i]); err != nil {
			if p.counters != nil {
				p.counters.AddDropped()
			}
			if errors.Is(err, detector.ErrShapeMismatch) {
				monitoring.Logf("train %d pulse %d dropped: %v", train.TrainID, train.Pulses[i].PulseID, err)
				continue
			}
			monitoring.Logf("train %d pulse %d failed: %v", train.TrainID, train.Pulses[i].PulseID, err)
			continue
		}
		processed++
	}

	if p.counters != nil {
		p.counters.AddTrain(processed)
	}
}

func (p *Pipeline) processPulse(cs *detector.CorrectionSet, pulse *detector.Pulse) error {
	// Parallel per-module correction with a join barrier: the corrected
	// stack must be fully available before assembly begins.
	corrected, err := cs.CorrectStack(pulse.Modules)
	if err != nil {
		return err
	}

	img, err := p.assembler.Assemble(&detector.Pulse{
		TrainID: pulse.TrainID,
		PulseID: pulse.PulseID,
		Tag:     pulse.Tag,
		Modules: corrected,
	})
	if err != nil {
		return err
	}

	// Statistics folding is serialised by the StatsManager; an update racing
	// a run-boundary reset lands entirely in the old generation.
	if err := p.stats.Update(img); err != nil {
		return err
	}
	if p.counters != nil {
		p.counters.AddPixels(len(img.Pix))
	}

	if p.sink != nil {
		p.sink.ConsumeFrame(img)
	}
	return nil
}

// ResetRun starts a new run: the accumulator state is swapped atomically and
// in-flight updates complete against the superseded generation.
func (p *Pipeline) ResetRun() error {
	return p.stats.Reset()
}
