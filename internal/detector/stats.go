package detector

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// TrainStats tracks pipeline throughput counters with thread-safe operations.
type TrainStats struct {
	mu            sync.Mutex
	trainCount    int64
	pulseCount    int64
	droppedFrames int64
	pixelCount    int64
	lastReset     time.Time
}

// NewTrainStats creates a new TrainStats instance.
func NewTrainStats() *TrainStats {
	return &TrainStats{
		lastReset: time.Now(),
	}
}

// AddTrain increments the train count and adds its pulse count.
func (ts *TrainStats) AddTrain(pulses int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.trainCount++
	ts.pulseCount += int64(pulses)
}

// AddDropped increments the dropped-frame count.
func (ts *TrainStats) AddDropped() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.droppedFrames++
}

// AddPixels adds the number of pixels folded into statistics.
func (ts *TrainStats) AddPixels(count int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pixelCount += int64(count)
}

// Dropped returns the dropped-frame count since the last reset.
func (ts *TrainStats) Dropped() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.droppedFrames
}

// GetAndReset returns current counters and resets them.
func (ts *TrainStats) GetAndReset() (trains, pulses, dropped, pixels int64, duration time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ts.lastReset)
	trains = ts.trainCount
	pulses = ts.pulseCount
	dropped = ts.droppedFrames
	pixels = ts.pixelCount

	ts.trainCount = 0
	ts.pulseCount = 0
	ts.droppedFrames = 0
	ts.pixelCount = 0
	ts.lastReset = now

	return
}

// Totals returns the current counters without resetting them.
func (ts *TrainStats) Totals() (trains, pulses, dropped, pixels int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.trainCount, ts.pulseCount, ts.droppedFrames, ts.pixelCount
}

// Uptime returns the elapsed time since the last counter reset.
func (ts *TrainStats) Uptime() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return time.Since(ts.lastReset)
}

// LogStats logs formatted throughput rates since the previous call.
func (ts *TrainStats) LogStats() {
	trains, pulses, dropped, pixels, duration := ts.GetAndReset()
	if trains > 0 || dropped > 0 {
		trainsPerSec := float64(trains) / duration.Seconds()
		pulsesPerSec := float64(pulses) / duration.Seconds()
		mpixPerSec := float64(pixels) / duration.Seconds() / 1e6

		logMsg := fmt.Sprintf("Detector stats (/sec): %.1f trains, %.1f pulses, %.1f Mpix",
			trainsPerSec, pulsesPerSec, mpixPerSec)
		if dropped > 0 {
			logMsg += fmt.Sprintf(", %d frames dropped", dropped)
		}
		log.Print(logMsg)
	}
}
