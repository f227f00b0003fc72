// Package pipeline orchestrates the train processing flow: correction,
// assembly and statistics folding, plus the adapter sinks (persistence,
// frame output) around them.
//
// This package is the composition root: it imports from detector and
// trains, but neither of those packages imports pipeline/. It owns no
// domain logic of its own; it wires stages and enforces the ordering
// and join-barrier guarantees between them.
package pipeline
