// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipes defines the execution pipelines of a tile core, and the classifier that maps every
// tile operation to the one pipeline that issues it.
//
// Each pipeline issues its own instructions strictly in program order. Two instructions on
// different pipelines are only ordered if an event connects them (see package events).
package pipes

//go:generate go tool enumer -type=Pipe -output=gen_pipe_enumer.go pipes.go

// Pipe identifies one independently-issuing execution pipeline.
type Pipe int

const (
	// Invalid is the sentinel returned for operations not in the active operation set.
	// No synchronization may ever reference it.
	Invalid Pipe = iota

	// Scalar is the scalar control pipeline.
	Scalar

	// Fetch moves data from bulk memory into the staging and scratch tiers.
	Fetch

	// Transform extracts staged panels into the compute-input tiers (and the bias/scaling
	// side-channels), converting the layout as needed.
	Transform

	// Matrix is the matrix-multiply (cube) unit, reading the compute-input tiers and writing the accumulator.
	Matrix

	// Vector is the vector unit, operating on tiles in the scratch tier.
	Vector

	// Drain moves accumulators out: to bulk memory, to scratch or to staging.
	Drain

	// Store moves scratch tiles to bulk memory or to staging.
	Store
)

// NumPipes is the number of Pipe values, including Invalid.
const NumPipes = int(Store) + 1

// Valid returns whether p is one of the legal pipelines (it excludes Invalid).
func (p Pipe) Valid() bool {
	return p > Invalid && p <= Store
}

// All returns the legal pipelines, in enum order.
func All() []Pipe {
	return []Pipe{Scalar, Fetch, Transform, Matrix, Vector, Drain, Store}
}

// Engine groups pipelines that live on the same physical core.
// On split-core devices the matrix engine and the vector engine are separate cores, and events between
// them need the heavier cross-core notification.
type Engine int

const (
	// AnyEngine is used by pipelines replicated on every core (Fetch and Scalar).
	AnyEngine Engine = iota
	MatrixEngine
	VectorEngine
)

// String implements fmt.Stringer.
func (e Engine) String() string {
	switch e {
	case AnyEngine:
		return "AnyEngine"
	case MatrixEngine:
		return "MatrixEngine"
	case VectorEngine:
		return "VectorEngine"
	}
	return "Engine(?)"
}

// Engine returns the engine the pipeline belongs to.
func (p Pipe) Engine() Engine {
	switch p {
	case Transform, Matrix, Drain:
		return MatrixEngine
	case Vector, Store:
		return VectorEngine
	default:
		return AnyEngine
	}
}

// CrossEngine returns whether a handoff from src to dst crosses engines, and therefore cores on
// split-core devices.
func CrossEngine(src, dst Pipe) bool {
	es, ed := src.Engine(), dst.Engine()
	return es != AnyEngine && ed != AnyEngine && es != ed
}
