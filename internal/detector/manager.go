package detector

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// runState is one generation of accumulator state: a pump-probe pair of
// accumulators plus the mutex that serialises mutation within the
// generation. Reset replaces the whole runState, so readers racing a reset
// observe either the fully-old or the fully-new generation, never a mixture.
type runState struct {
	generation uint64
	mu         sync.Mutex
	on         *Accumulator
	off        *Accumulator
}

// StatsConfig captures everything needed to (re)build a generation of
// accumulators: canvas shape, ROI definitions, histogram edges and the
// azimuthal reduction. Fixed for the lifetime of the manager; a geometry
// change means a new manager.
type StatsConfig struct {
	Canvas         Shape
	ROIs           []ROI
	HistogramEdges []float64        // nil disables the histogram
	Azimuthal      *AzimuthalConfig // nil disables the radial reduction
}

// StatsManager owns the running statistics for one detector. It routes
// updates by pump-probe tag, hands out immutable snapshots, and implements
// run-boundary reset as an atomic whole-state swap.
type StatsManager struct {
	DetectorID string
	cfg        StatsConfig
	state      atomic.Pointer[runState]
	generation atomic.Uint64
}

// NewStatsManager validates the configuration by building the first
// generation of accumulators.
func NewStatsManager(detectorID string, cfg StatsConfig) (*StatsManager, error) {
	m := &StatsManager{DetectorID: detectorID, cfg: cfg}
	st, err := m.newState()
	if err != nil {
		return nil, err
	}
	m.state.Store(st)
	return m, nil
}

func (m *StatsManager) newState() (*runState, error) {
	on, err := NewAccumulator(m.cfg.Canvas, m.cfg.ROIs, m.cfg.HistogramEdges, m.cfg.Azimuthal)
	if err != nil {
		return nil, err
	}
	off, err := NewAccumulator(m.cfg.Canvas, m.cfg.ROIs, m.cfg.HistogramEdges, m.cfg.Azimuthal)
	if err != nil {
		return nil, err
	}
	return &runState{generation: m.generation.Add(1), on: on, off: off}, nil
}

// Update folds one assembled frame into the accumulator matching its pulse
// tag. Updates within one generation are serialised; an update racing a
// Reset completes against the generation it loaded and is then simply
// superseded, with no partial write leaking into the new generation.
func (m *StatsManager) Update(img *AssembledImage) error {
	st := m.state.Load()
	st.mu.Lock()
	defer st.mu.Unlock()
	if img.Tag == TagOn {
		return st.on.Update(img)
	}
	return st.off.Update(img)
}

// MergeShard folds a worker-local accumulator pair into the live state.
// Supports sharded accumulation: workers accumulate privately and merge
// before any snapshot is taken.
func (m *StatsManager) MergeShard(on, off *Accumulator) error {
	st := m.state.Load()
	st.mu.Lock()
	defer st.mu.Unlock()
	if on != nil {
		if err := st.on.Merge(on); err != nil {
			return err
		}
	}
	if off != nil {
		return st.off.Merge(off)
	}
	return nil
}

// StatsSnapshot is the immutable view of one generation: both tag streams
// plus the generation counter and capture time.
type StatsSnapshot struct {
	DetectorID string
	Generation uint64
	TakenAt    time.Time
	On         *RunningStats
	Off        *RunningStats
}

// Snapshot captures a consistent copy of the current generation.
func (m *StatsManager) Snapshot() *StatsSnapshot {
	st := m.state.Load()
	st.mu.Lock()
	defer st.mu.Unlock()
	return &StatsSnapshot{
		DetectorID: m.DetectorID,
		Generation: st.generation,
		TakenAt:    time.Now(),
		On:         st.on.Snapshot(),
		Off:        st.off.Snapshot(),
	}
}

// Reset atomically replaces the accumulator state with a fresh generation.
// Triggered at run boundaries and geometry/calibration epoch changes.
func (m *StatsManager) Reset() error {
	st, err := m.newState()
	if err != nil {
		return err
	}
	m.state.Store(st)
	return nil
}

// Generation returns the generation number of the live state.
func (m *StatsManager) Generation() uint64 {
	return m.state.Load().generation
}

// Delta returns the pump-probe difference image of the current generation.
func (m *StatsManager) Delta() ([]float64, error) {
	snap := m.Snapshot()
	return PumpProbeDelta(snap.On, snap.Off)
}

// ---------------------------------------------------------------------------
// Snapshot persistence
// ---------------------------------------------------------------------------

// StatsSnapshotRecord is the storable form of a StatsSnapshot: metadata
// columns plus a gob+gzip blob of the snapshot itself.
type StatsSnapshotRecord struct {
	SnapshotID     *int64 // set by the database after insert
	DetectorID     string
	RunID          string
	TakenUnixNanos int64
	Generation     uint64
	FramesOn       int64
	FramesOff      int64
	StatsBlob      []byte
	Reason         string // "periodic_flush", "run_end", "manual"
}

// StatsStore is the persistence interface the manager flushes through.
// detectordb implements it.
type StatsStore interface {
	InsertStatsSnapshot(rec *StatsSnapshotRecord) (int64, error)
}

// serializeSnapshot compresses a snapshot using gob encoding and gzip.
func serializeSnapshot(snap *StatsSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeSnapshot decodes a snapshot from a gob+gzip blob, the inverse
// of the blob written by Persist. Used by offline replay and the tests.
func DeserializeSnapshot(blob []byte) (*StatsSnapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	var snap StatsSnapshot
	if err := gob.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Persist captures a snapshot and writes it through the store. Safe to call
// concurrently with updates; the snapshot itself provides the consistency
// boundary. A nil manager or store is a no-op so the flusher can be wired
// unconditionally.
func (m *StatsManager) Persist(store StatsStore, runID, reason string) error {
	if m == nil || store == nil {
		return nil
	}
	snap := m.Snapshot()
	blob, err := serializeSnapshot(snap)
	if err != nil {
		return err
	}
	rec := &StatsSnapshotRecord{
		DetectorID:     m.DetectorID,
		RunID:          runID,
		TakenUnixNanos: snap.TakenAt.UnixNano(),
		Generation:     snap.Generation,
		FramesOn:       snap.On.Frames,
		FramesOff:      snap.Off.Frames,
		StatsBlob:      blob,
		Reason:         reason,
	}
	_, err = store.InsertStatsSnapshot(rec)
	return err
}
