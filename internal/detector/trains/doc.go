// Package trains owns train assembly for the detector pipeline.
//
// Responsibilities: grouping per-module panel deliveries into complete
// pulses and trains, preserving arrival order on the way out, and evicting
// stale partial trains so a stalled source cannot grow memory without bound.
// Key types: TrainBuilder, TrainBuilderConfig.
//
// The bridge/transport layer that produces the deliveries is an external
// collaborator; this package only sees already-decoded panels.
package trains
