// Package detector owns the numeric core of the train processing pipeline.
//
// Responsibilities: per-module dark/gain/mask correction, geometry-based
// assembly of module panels into full-detector images, and streaming
// statistical aggregation (Welford mean/variance images, ROI scalar series,
// fixed-edge histograms) with pump-probe separation.
// Key types: ModulePanel, Train, Geometry, Assembler, CorrectionSet,
// Accumulator, StatsManager.
//
// Dependency rule: this package holds pure numeric domain logic. No
// SQL/database code and no HTTP code is allowed here; those live in
// detectordb and monitor respectively.
package detector
