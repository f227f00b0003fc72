package pipeline

import (
	"github.com/banshee-data/beamline.report/internal/detector"
	"github.com/banshee-data/beamline.report/internal/detector/trains"
)

// Runtime bundles per-detector dependencies that would otherwise be reached
// through global registries. Passing a Runtime through constructors makes
// wiring explicit and testing deterministic.
type Runtime struct {
	DetectorID   string
	TrainBuilder *trains.TrainBuilder
	Assembler    *detector.Assembler
	Constants    *detector.ConstantsHolder
	Stats        *detector.StatsManager
	Counters     *detector.TrainStats
}
