// Package ir defines the compiled form of a model: an InferenceGraph of
// Layers, each holding the Passes emitted by its operator's code generator,
// its resolved output Shape and one BufferRef per input.
//
// An InferenceGraph is in-memory only. It is produced by package compiler
// and consumed by the backends under package backend.
//
// Invariants:
//
//   - Every stage BufferRef of layer i references an index < i.
//   - Every external BufferRef references a declared InputSlot.
//   - Every Shape is fully resolved: Depth == ceil(Channels/4).
package ir
