package detector

import (
	"context"
	"log"
	"sync"
	"time"
)

// Persister is an interface for types that can persist their state.
// StatsManager implements this interface.
type Persister interface {
	Persist(store StatsStore, runID, reason string) error
}

// SnapshotFlusher periodically flushes a StatsManager to the database.
// It provides context-aware lifecycle management for statistics persistence.
type SnapshotFlusher struct {
	manager  Persister
	store    StatsStore
	runID    string
	interval time.Duration
	reason   string
	logger   *log.Logger
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// SnapshotFlusherConfig contains configuration for SnapshotFlusher.
type SnapshotFlusherConfig struct {
	// Manager is the Persister to flush (typically a StatsManager)
	Manager Persister
	// Store is the database store for persistence
	Store StatsStore
	// RunID identifies the run the snapshots belong to
	RunID string
	// Interval is how often to flush (e.g., 60*time.Second)
	Interval time.Duration
	// Reason is the reason string to use for flushes (e.g., "periodic_flush")
	Reason string
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// NewSnapshotFlusher creates a new SnapshotFlusher.
func NewSnapshotFlusher(cfg SnapshotFlusherConfig) *SnapshotFlusher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	reason := cfg.Reason
	if reason == "" {
		reason = "periodic_flush"
	}
	return &SnapshotFlusher{
		manager:  cfg.Manager,
		store:    cfg.Store,
		runID:    cfg.RunID,
		interval: cfg.Interval,
		reason:   reason,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run starts the periodic flushing loop. It blocks until the context is
// cancelled or Stop() is called. Returns nil on clean shutdown. A final
// flush with reason "run_end" is attempted on the way out.
func (f *SnapshotFlusher) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil // already running
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	defer func() {
		close(f.doneCh)
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	if f.interval <= 0 {
		f.logger.Printf("SnapshotFlusher: interval is zero or negative, not starting")
		return nil
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush("run_end")
			return nil
		case <-f.stopCh:
			f.flush("run_end")
			return nil
		case <-ticker.C:
			f.flush(f.reason)
		}
	}
}

// Stop requests the flushing loop to exit and waits for it to finish.
func (f *SnapshotFlusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	stopCh := f.stopCh
	doneCh := f.doneCh
	f.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (f *SnapshotFlusher) flush(reason string) {
	if err := f.manager.Persist(f.store, f.runID, reason); err != nil {
		f.logger.Printf("SnapshotFlusher: persist failed (%s): %v", reason, err)
	}
}
