package trains

import (
	"sync"
	"time"

	"github.com/banshee-data/beamline.report/internal/detector"
)

const (
	// DefaultTrainTimeout is how long a partial train may wait for missing
	// deliveries before it is finalised incomplete.
	DefaultTrainTimeout = 500 * time.Millisecond

	// DefaultCleanupInterval is how often the builder checks for trains to
	// finalise.
	DefaultCleanupInterval = 100 * time.Millisecond
)

// pendingPulse collects the module panels of one pulse as they arrive.
type pendingPulse struct {
	pulseID   uint64
	tag       detector.PulseTag
	modules   map[int]detector.ModulePanel
	firstSeen time.Time
}

// pendingTrain collects the pulses of one train as they arrive.
type pendingTrain struct {
	trainID    uint64
	pulses     map[uint64]*pendingPulse
	pulseOrder []uint64 // pulse IDs in first-arrival order
	firstSeen  time.Time
	lastSeen   time.Time
}

// TrainBuilder groups per-module panel deliveries into complete trains and
// emits them through a serialised callback worker, so consumers observe
// trains in arrival order even though deliveries within a train may
// interleave arbitrarily.
type TrainBuilder struct {
	detectorID    string
	trainCallback func(*detector.Train) // callback when a train is finalised
	trainCh       chan *detector.Train  // serialises train callback invocations
	trainDone     chan struct{}         // closed when trainCallbackWorker exits

	mu         sync.Mutex
	pending    map[uint64]*pendingTrain
	trainOrder []uint64 // train IDs in first-arrival order; emit head-first

	expectedModules int // module panels per pulse
	pulsesPerTrain  int // pulses per train; 0 = unknown, finalise on timeout only
	trainTimeout    time.Duration
	cleanupInterval time.Duration
	cleanupTimer    *time.Timer

	trainCounter  int64
	droppedPulses int64 // pulses finalised with missing modules
	droppedTrains int64 // trains evicted with no usable pulses
	closed        bool
}

// TrainBuilderConfig contains configuration for the TrainBuilder.
type TrainBuilderConfig struct {
	DetectorID      string
	TrainCallback   func(*detector.Train) // callback when a train is finalised
	ExpectedModules int                   // module panels per pulse (required)
	PulsesPerTrain  int                   // pulses per train; 0 = timeout-based finalisation
	TrainTimeout    time.Duration         // max wait for missing deliveries (default: 500ms)
	CleanupInterval time.Duration         // how often to check for trains to finalise (default: 100ms)
}

// NewTrainBuilder creates a TrainBuilder with the specified configuration.
func NewTrainBuilder(config TrainBuilderConfig) *TrainBuilder {
	if config.TrainTimeout == 0 {
		config.TrainTimeout = DefaultTrainTimeout
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	tb := &TrainBuilder{
		detectorID:      config.DetectorID,
		trainCallback:   config.TrainCallback,
		pending:         make(map[uint64]*pendingTrain),
		expectedModules: config.ExpectedModules,
		pulsesPerTrain:  config.PulsesPerTrain,
		trainTimeout:    config.TrainTimeout,
		cleanupInterval: config.CleanupInterval,
	}

	tb.mu.Lock()
	tb.cleanupTimer = time.AfterFunc(tb.cleanupInterval, tb.cleanupTrains)
	tb.mu.Unlock()

	// Serialised train callback worker. The channel ensures only one train
	// callback runs at a time and that trains are delivered in the order
	// they were finalised.
	if tb.trainCallback != nil {
		tb.trainCh = make(chan *detector.Train, 8)
		tb.trainDone = make(chan struct{})
		go tb.trainCallbackWorker()
	}

	return tb
}

func (tb *TrainBuilder) trainCallbackWorker() {
	defer close(tb.trainDone)
	for train := range tb.trainCh {
		tb.trainCallback(train)
	}
}

// Close shuts down the cleanup timer and the callback worker, flushing any
// buffered trains first. Must be called when the builder is no longer needed
// to avoid goroutine leaks.
func (tb *TrainBuilder) Close() {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return
	}
	tb.closed = true
	tb.cleanupTimer.Stop()
	// Flush everything still pending, oldest first.
	for len(tb.trainOrder) > 0 {
		tb.finalizeHeadLocked("close")
	}
	tb.mu.Unlock()

	if tb.trainCh != nil {
		close(tb.trainCh)
		<-tb.trainDone
	}
}

// Reset clears all buffered train state. Call when switching data sources
// so stale partial trains cannot contaminate the new stream.
func (tb *TrainBuilder) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for k := range tb.pending {
		delete(tb.pending, k)
	}
	tb.trainOrder = tb.trainOrder[:0]

	debugf("[TrainBuilder] Reset: cleared buffered trains for detector=%s", tb.detectorID)
}

// AddModulePanel ingests one module panel delivery. Deliveries for one pulse
// may arrive in any module order; deliveries for one train may interleave
// across pulses. Panels for an already-emitted train are dropped.
func (tb *TrainBuilder) AddModulePanel(trainID, pulseID uint64, tag detector.PulseTag, panel detector.ModulePanel) {
	now := time.Now()

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}

	pt, ok := tb.pending[trainID]
	if !ok {
		pt = &pendingTrain{
			trainID:   trainID,
			pulses:    make(map[uint64]*pendingPulse),
			firstSeen: now,
		}
		tb.pending[trainID] = pt
		tb.trainOrder = append(tb.trainOrder, trainID)
	}
	pt.lastSeen = now

	pp, ok := pt.pulses[pulseID]
	if !ok {
		pp = &pendingPulse{
			pulseID:   pulseID,
			tag:       tag,
			modules:   make(map[int]detector.ModulePanel),
			firstSeen: now,
		}
		pt.pulses[pulseID] = pp
		pt.pulseOrder = append(pt.pulseOrder, pulseID)
	}
	pp.modules[panel.Module] = panel

	tb.maybeFinalizeLocked()
}

// AddPulse ingests a pre-assembled pulse (the offline replay path, where the
// file reader already has complete module stacks).
func (tb *TrainBuilder) AddPulse(pulse detector.Pulse) {
	for _, m := range pulse.Modules {
		tb.AddModulePanel(pulse.TrainID, pulse.PulseID, pulse.Tag, m)
	}
}

// trainComplete reports whether every expected pulse has its full module
// stack. Only meaningful when pulsesPerTrain is configured.
func (tb *TrainBuilder) trainComplete(pt *pendingTrain) bool {
	if tb.pulsesPerTrain <= 0 || len(pt.pulses) < tb.pulsesPerTrain {
		return false
	}
	for _, pp := range pt.pulses {
		if len(pp.modules) < tb.expectedModules {
			return false
		}
	}
	return true
}

// maybeFinalizeLocked emits head-of-queue trains that are complete. Emission
// is strictly head-first: a complete train behind an incomplete older one
// waits, preserving arrival order for consumers.
func (tb *TrainBuilder) maybeFinalizeLocked() {
	for len(tb.trainOrder) > 0 {
		head := tb.pending[tb.trainOrder[0]]
		if head == nil || !tb.trainComplete(head) {
			return
		}
		tb.finalizeHeadLocked("complete")
	}
}

// cleanupTrains runs on the cleanup timer and finalises heads that have
// exceeded the train timeout, incomplete or not.
func (tb *TrainBuilder) cleanupTrains() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.closed {
		return
	}

	now := time.Now()
	for len(tb.trainOrder) > 0 {
		head := tb.pending[tb.trainOrder[0]]
		if head == nil {
			tb.trainOrder = tb.trainOrder[1:]
			continue
		}
		if tb.trainComplete(head) {
			tb.finalizeHeadLocked("complete")
			continue
		}
		if now.Sub(head.lastSeen) >= tb.trainTimeout {
			tb.finalizeHeadLocked("timeout")
			continue
		}
		break
	}

	tb.cleanupTimer.Reset(tb.cleanupInterval)
}

// finalizeHeadLocked converts the head pending train into a detector.Train
// and hands it to the callback worker. Pulses still missing modules are
// dropped and counted; a train with no usable pulses is evicted entirely.
func (tb *TrainBuilder) finalizeHeadLocked(reason string) {
	trainID := tb.trainOrder[0]
	tb.trainOrder = tb.trainOrder[1:]
	pt := tb.pending[trainID]
	delete(tb.pending, trainID)
	if pt == nil {
		return
	}

	train := &detector.Train{
		TrainID:       pt.trainID,
		DetectorID:    tb.detectorID,
		StartWallTime: pt.firstSeen,
		EndWallTime:   pt.lastSeen,
		Complete:      true,
	}
	for _, pulseID := range pt.pulseOrder {
		pp := pt.pulses[pulseID]
		if len(pp.modules) < tb.expectedModules {
			tb.droppedPulses++
			train.Complete = false
			continue
		}
		pulse := detector.Pulse{
			TrainID: pt.trainID,
			PulseID: pp.pulseID,
			Tag:     pp.tag,
			Modules: make([]detector.ModulePanel, 0, tb.expectedModules),
		}
		usable := true
		for m := 0; m < tb.expectedModules; m++ {
			panel, ok := pp.modules[m]
			if !ok {
				usable = false
				break
			}
			pulse.Modules = append(pulse.Modules, panel)
		}
		if !usable {
			tb.droppedPulses++
			train.Complete = false
			continue
		}
		train.Pulses = append(train.Pulses, pulse)
	}
	if tb.pulsesPerTrain > 0 && len(train.Pulses) < tb.pulsesPerTrain {
		train.Complete = false
	}

	if len(train.Pulses) == 0 {
		tb.droppedTrains++
		debugf("[TrainBuilder] Evicted train %d (%s): no usable pulses", trainID, reason)
		return
	}

	tb.trainCounter++
	debugf("[TrainBuilder] Finalised train %d (%s): %d pulses, complete=%v",
		trainID, reason, len(train.Pulses), train.Complete)

	if tb.trainCh != nil {
		tb.trainCh <- train
	}
}

// GetStats returns builder counters: finalised trains, dropped pulses and
// evicted trains since construction.
func (tb *TrainBuilder) GetStats() (trains, droppedPulses, droppedTrains int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.trainCounter, tb.droppedPulses, tb.droppedTrains
}
