// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/stage"
	"github.com/gomlx/tilepipe/pkg/core/tileops"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
)

// AccState is the state of an accumulator within one reduction.
type AccState int

const (
	// AccEmpty accumulators hold nothing of the current reduction: the next product must initialize them.
	AccEmpty AccState = iota

	// AccPartial accumulators were written by at least one product: the following ones accumulate.
	AccPartial

	// AccFinal accumulators hold a completed reduction, ready to be drained.
	AccFinal
)

// String implements fmt.Stringer.
func (s AccState) String() string {
	switch s {
	case AccEmpty:
		return "Empty"
	case AccPartial:
		return "Partial"
	case AccFinal:
		return "Final"
	}
	return "AccState(?)"
}

// AccTransition is one state change of an Accumulator.
type AccTransition struct {
	// Reduction is the number of reductions drained before this one.
	Reduction int

	// Step of the reduction that issued the product, or -1 for completion and drain.
	Step int

	From, To AccState
}

// Accumulator is an accumulator tile reused by consecutive reductions: the Matrix pipeline fills it
// over the steps of a reduction, then the Drain pipeline empties it.
//
// It is a single-slot stage from Matrix to Drain, whose fill spans the whole reduction: the next
// reduction waits for the drain of the previous one before its first product.
type Accumulator struct {
	stage      *stage.Stage
	state      AccState
	steps      int
	reductions int
	valid      tiles.Tile
	history    []AccTransition
}

// NewAccumulator creates an accumulator over the tile, which must be in the Acc tier.
func NewAccumulator(name string, tile tiles.Tile, pool *events.Pool) (*Accumulator, error) {
	if tile.Tier() != tiles.TierAcc {
		return nil, errors.Errorf("accumulator %q: tile %s is not in the %s tier", name, tile, tiles.TierAcc)
	}
	s, err := stage.New(name, []tiles.Tile{tile}, pipes.Matrix, pipes.Drain, pool)
	if err != nil {
		return nil, err
	}
	return &Accumulator{stage: s}, nil
}

func (a *Accumulator) State() AccState          { return a.state }
func (a *Accumulator) Steps() int               { return a.steps }
func (a *Accumulator) Tile() tiles.Tile         { return a.stage.Slot(0) }
func (a *Accumulator) History() []AccTransition { return a.history }

// Stage returns the underlying Matrix to Drain stage.
func (a *Accumulator) Stage() *stage.Stage {
	return a.stage
}

func (a *Accumulator) transition(step int, to AccState) {
	a.history = append(a.history, AccTransition{Reduction: a.reductions, Step: step, From: a.state, To: to})
	a.state = to
}

// Prime lets the first reduction start without waiting for a drain. See stage.Stage.Prime.
func (a *Accumulator) Prime(b *program.Builder) {
	a.stage.Prime(b)
}

// Step issues the product of one reduction step: Matmul (or MatmulBias, if bias is defined) on
// the first step, and MatmulAcc on the following ones. It returns the accumulator with the valid
// region of the product.
func (a *Accumulator) Step(b *program.Builder, left, right, bias tiles.Tile) tiles.Tile {
	switch a.state {
	case AccEmpty:
		slot := a.stage.BeginFill(b)
		if bias.IsZero() {
			a.valid = tileops.Matmul(b, slot, left, right)
		} else {
			a.valid = tileops.MatmulBias(b, slot, left, right, bias)
		}
	case AccPartial:
		if !bias.IsZero() {
			exceptions.Panicf("accumulator %q: the bias can only be added by the first step of a reduction", a.stage.Name())
		}
		a.valid = tileops.MatmulAcc(b, a.stage.Slot(0), left, right)
	default:
		exceptions.Panicf("accumulator %q: step %d issued on a %s accumulator, it must be drained first",
			a.stage.Name(), a.steps, a.state)
	}
	a.transition(a.steps, AccPartial)
	a.steps++
	return a.valid
}

// Complete ends the reduction: the accumulator becomes Final, and its filled event is recorded.
func (a *Accumulator) Complete(b *program.Builder) {
	if a.state != AccPartial {
		exceptions.Panicf("accumulator %q: completing a reduction of an %s accumulator", a.stage.Name(), a.state)
	}
	a.stage.EndFill(b)
	a.transition(-1, AccFinal)
}

// Drain waits for the completed reduction on the Drain pipeline, and calls emit with the
// accumulator (with the valid region of the reduction) to store or move it. Every operation
// issued by emit must be on the Drain pipeline. Afterward the accumulator is Empty, and the next
// reduction may reuse it.
func (a *Accumulator) Drain(b *program.Builder, emit func(acc tiles.Tile)) {
	if a.state != AccFinal {
		exceptions.Panicf("accumulator %q: draining an %s accumulator", a.stage.Name(), a.state)
	}
	a.stage.Acquire(b)
	start := b.Len()
	emit(a.valid)
	for _, in := range b.Since(start) {
		if in.Kind == program.KindOp && in.Pipe != pipes.Drain {
			exceptions.Panicf("accumulator %q: drain issued %s on %s", a.stage.Name(), in.Op, in.Pipe)
		}
	}
	a.stage.Release(b)
	a.transition(-1, AccEmpty)
	a.reductions++
	a.steps = 0
}

// Finish consumes the outstanding drained record. The accumulator must be Empty.
func (a *Accumulator) Finish(b *program.Builder) {
	if a.state != AccEmpty {
		exceptions.Panicf("accumulator %q: finishing with an %s accumulator", a.stage.Name(), a.state)
	}
	a.stage.Finish(b)
}
