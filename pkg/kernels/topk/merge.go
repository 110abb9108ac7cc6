// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topk

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/stage"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tileops"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MergeConfig of a Merge kernel.
type MergeConfig struct {
	// Lengths is the number of pairs of each of the 2 to 4 lists.
	Lengths []int

	// K limits the output to the K best pairs. 0 keeps them all.
	K int

	Descending bool

	// Exhausted stops the merge as soon as one of the lists is used up. The output keeps the length of
	// the bounded merge, padded with the worst value and index -1, and the number of pairs taken
	// from each list is written to the Counts operand.
	Exhausted bool
}

// Validate the configuration.
func (c *MergeConfig) Validate() error {
	if len(c.Lengths) < 2 || len(c.Lengths) > tileops.MaxMergeLists {
		return errors.Errorf("merge takes 2 to %d lists, got %d", tileops.MaxMergeLists, len(c.Lengths))
	}
	for i, n := range c.Lengths {
		if n <= 0 {
			return errors.Errorf("list #%d is empty", i)
		}
	}
	if c.K < 0 {
		return errors.Errorf("invalid K=%d", c.K)
	}
	return nil
}

// Total returns the number of pairs of the output: min(K, sum of the lengths).
func (c *MergeConfig) Total() int {
	total := 0
	for _, n := range c.Lengths {
		total += n
	}
	if c.K > 0 {
		total = min(total, c.K)
	}
	return total
}

// String implements fmt.Stringer.
func (c *MergeConfig) String() string {
	mode := "bounded"
	if c.Exhausted {
		mode = "exhausted"
	}
	return fmt.Sprintf("merge of %v (k=%d, descending %v, %s)", c.Lengths, c.K, c.Descending, mode)
}

// MergeOperands of the Merge kernel, in bulk memory.
type MergeOperands struct {
	// Lists are 1 x 2n Float32 rows of n sorted pairs.
	Lists []tiles.GlobalTensor

	// Out is the 1 x 2*Total() Float32 output.
	Out tiles.GlobalTensor

	// Counts is a 1 x tileops.MaxMergeLists Int32 row receiving the number of pairs taken from
	// each list. Required in exhausted mode, optional otherwise.
	Counts tiles.GlobalTensor
}

type mergeEmitter struct {
	c           *MergeConfig
	ops         MergeOperands
	lists       []*stage.Stage
	out, counts *stage.Stage
}

// newMergeEmitter lays out one single-slot stage per list, and for the outputs: each is filled
// and drained exactly once.
func newMergeEmitter(c *MergeConfig, ops MergeOperands, plan *tiers.Plan) (e *mergeEmitter, err error) {
	err = exceptions.TryCatch[error](func() {
		pool := events.NewPool()
		single := func(name string, spec tiles.Spec, producer, consumer pipes.Pipe) *stage.Stage {
			return stage.Must(name, []tiles.Tile{plan.Append(name, tiles.Must(spec))}, producer, consumer, pool)
		}
		e = &mergeEmitter{c: c, ops: ops}
		for i, n := range c.Lengths {
			e.lists = append(e.lists, single(fmt.Sprintf("list.%d", i), tileops.PairsSpec(n), pipes.Fetch, pipes.Vector))
		}
		e.out = single("out", tileops.PairsSpec(c.Total()), pipes.Vector, pipes.Store)
		if !ops.Counts.IsZero() {
			e.counts = single("counts", tileops.CountsSpec(), pipes.Vector, pipes.Store)
		}
	})
	return
}

func (e *mergeEmitter) stages() []*stage.Stage {
	stages := append([]*stage.Stage{e.out}, e.lists...)
	if e.counts != nil {
		stages = append(stages, e.counts)
	}
	return stages
}

func (e *mergeEmitter) emit(b *program.Builder) {
	for _, s := range e.stages() {
		s.Prime(b)
	}
	lists := make([]tiles.Tile, len(e.lists))
	for i, s := range e.lists {
		lists[i] = s.Fill(b, func(slot tiles.Tile) { tileops.Load(b, slot, e.ops.Lists[i]) })
	}
	opts := tileops.MergeOptions{Limit: e.c.K, Descending: e.c.Descending, Exhausted: e.c.Exhausted}
	if e.counts != nil {
		opts.Counts = e.counts.BeginFill(b)
	}
	var merged tiles.Tile
	e.out.Fill(b, func(slot tiles.Tile) {
		for _, s := range e.lists {
			s.Acquire(b)
		}
		merged = tileops.MrgSort(b, slot, lists, opts)
		for _, s := range e.lists {
			s.Release(b)
		}
	})
	if e.counts != nil {
		e.counts.EndFill(b)
	}

	e.out.Acquire(b)
	tileops.StoreVec(b, e.ops.Out, merged)
	e.out.Release(b)
	if e.counts != nil {
		e.counts.Acquire(b)
		tileops.StoreVec(b, e.ops.Counts, opts.Counts)
		e.counts.Release(b)
	}
	for _, s := range e.stages() {
		s.Finish(b)
	}
}

func checkMergeOperands(c *MergeConfig, ops MergeOperands) error {
	if len(ops.Lists) != len(c.Lengths) {
		return errors.Errorf("got %d lists, expected %d", len(ops.Lists), len(c.Lengths))
	}
	pairs := func(name string, g tiles.GlobalTensor, n int) error {
		if g.IsZero() || g.DType() != dtypes.Float32 || g.Rows() != 1 || g.Cols() != 2*n {
			return errors.Errorf("operand %s %s must be a 1x%d %s row of pairs", name, g, 2*n, dtypes.Float32)
		}
		return nil
	}
	for i, g := range ops.Lists {
		if err := pairs(fmt.Sprintf("list #%d", i), g, c.Lengths[i]); err != nil {
			return err
		}
	}
	if err := pairs("Out", ops.Out, c.Total()); err != nil {
		return err
	}
	if ops.Counts.IsZero() {
		if c.Exhausted {
			return errors.New("exhausted merges require the Counts operand")
		}
		return nil
	}
	if ops.Counts.DType() != dtypes.Int32 || ops.Counts.Rows() != 1 || ops.Counts.Cols() != tileops.MaxMergeLists {
		return errors.Errorf("operand Counts %s must be a 1x%d %s row", ops.Counts, tileops.MaxMergeLists, dtypes.Int32)
	}
	return nil
}

// MergeKernel builds the kernel merging sorted lists. It runs on a single core.
func MergeKernel(c *MergeConfig, ops MergeOperands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	if err := checkMergeOperands(c, ops); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("merge")
	if _, err := newMergeEmitter(c, ops, plan); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	return device.Kernel{
		Name:     "merge",
		BlockDim: 1,
		Plan:     plan,
		Emit: func(_ int, b *program.Builder) {
			e, err := newMergeEmitter(c, ops, tiers.NewPlan("merge"))
			if err != nil {
				panic(err)
			}
			e.emit(b)
		},
	}, nil
}

// LaunchMerge builds the merge kernel and launches it on the stream.
func LaunchMerge(s *device.Stream, c *MergeConfig, ops MergeOperands) (uuid.UUID, error) {
	k, err := MergeKernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}

// EncodePairs returns the row of pairs of the values, with indices base, base+1...
func EncodePairs(values []float32, base int) []float32 {
	pairs := make([]float32, 0, 2*len(values))
	for i, v := range values {
		pairs = append(pairs, v, float32(base+i))
	}
	return pairs
}
