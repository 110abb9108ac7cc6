// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topk implements selection kernels over sorted (value, index) lists: the k-way Merge of
// 2 to 4 sorted lists, and TopK, which selects the best K elements of every row of a matrix with
// a tree of merges.
//
// Lists are single rows of Float32 (value, index) pairs, see tileops.PairsSpec.
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
	"k8s.io/klog/v2"
)

// Config of a TopK kernel.
type Config struct {
	// Rows x Cols is the shape of the input.
	Rows, Cols int

	// K best elements are selected from each row, K <= Cols.
	K int

	// Descending selects the largest values, and ascending the smallest.
	Descending bool

	// BlockDim is the number of cores of the launch. 0 uses one per row, capped by the cores of
	// the device.
	BlockDim int
}

// NewConfig returns the configuration selecting the k largest values of each row of a
// rows x cols matrix.
func NewConfig(rows, cols, k int) *Config {
	return &Config{Rows: rows, Cols: cols, K: k, Descending: true}
}

// WithDescending selects the largest (true) or the smallest (false) values.
func (c *Config) WithDescending(descending bool) *Config {
	c.Descending = descending
	return c
}

// WithBlockDim sets the number of cores of the launch.
func (c *Config) WithBlockDim(blockDim int) *Config {
	c.BlockDim = blockDim
	return c
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.Rows <= 0 || c.Cols <= 0 {
		return errors.Errorf("invalid top-k input shape %dx%d", c.Rows, c.Cols)
	}
	if c.K <= 0 || c.K > c.Cols {
		return errors.Errorf("invalid K=%d for rows of %d elements", c.K, c.Cols)
	}
	if c.BlockDim < 0 {
		return errors.Errorf("invalid BlockDim %d", c.BlockDim)
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	order := "ascending"
	if c.Descending {
		order = "descending"
	}
	return fmt.Sprintf("top-%d of %dx%d (%s)", c.K, c.Rows, c.Cols, order)
}

// padded is the length of a row rounded up to whole sort blocks.
func (c *Config) padded() int {
	return (c.Cols + tileops.SortBlock - 1) / tileops.SortBlock * tileops.SortBlock
}

// Operands of the TopK kernel, in bulk memory.
type Operands struct {
	// X is the Rows x Cols input, Float32 or Float16.
	X tiles.GlobalTensor

	// Out is the Rows x 2K Float32 output: the (value, index) pairs of every row, best first.
	// Equal values are ordered by index.
	Out tiles.GlobalTensor
}

// mergeTree is the schedule of merges that sorts a row of pairs, given as its block lengths.
type mergeTree struct {
	// passes are the block lengths of the 4-way merge passes, each merging groups of 4 blocks
	// into blocks 4 times longer.
	passes []int

	// tail are the lengths of the sorted blocks left after the passes, in order. The first is
	// the running prefix, and the others are merged into it one after the other.
	tail []int
}

// newMergeTree plans the merges of a row of n pairs sorted in blocks of tileops.SortBlock.
func newMergeTree(n int) mergeTree {
	var tree mergeTree
	blockLen := tileops.SortBlock
	for ; blockLen*tileops.MaxMergeLists <= n; blockLen *= tileops.MaxMergeLists {
		tree.passes = append(tree.passes, blockLen)
	}
	remaining := n
	for length := blockLen; length >= tileops.SortBlock; length /= tileops.MaxMergeLists {
		for ; remaining >= length; remaining -= length {
			tree.tail = append(tree.tail, length)
		}
	}
	return tree
}

// emitter is the on-chip layout of a TopK core:
//
//	in (Fetch -> Vector) -> sorted, scratch (Vector) -> out (Vector -> Store)
type emitter struct {
	c       *Config
	ops     Operands
	tree    mergeTree
	in, out *stage.Stage

	// sorted holds the pairs of the row, and scratch the outputs of the merges.
	sorted, scratch tiles.Tile
}

func newEmitter(c *Config, ops Operands, plan *tiers.Plan) (e *emitter, err error) {
	err = exceptions.TryCatch[error](func() {
		pool := events.NewPool()
		n := c.padded()
		pad := tiles.PadMax
		if c.Descending {
			pad = tiles.PadMin
		}
		e = &emitter{c: c, ops: ops, tree: newMergeTree(n)}
		in := tiles.Must(tiles.Spec{DType: ops.X.DType(), Tier: tiles.TierVec, Rows: 1, Cols: n, Pad: pad})
		e.in = stage.Must("in", plan.AppendPair("in", in), pipes.Fetch, pipes.Vector, pool)
		e.sorted = plan.Append("sorted", tiles.Must(tileops.PairsSpec(n)))
		e.scratch = plan.Append("scratch", tiles.Must(tileops.PairsSpec(n)))
		e.out = stage.Must("out", plan.AppendPair("out", tiles.Must(tileops.PairsSpec(c.K))), pipes.Vector, pipes.Store, pool)
	})
	return
}

// segment returns the view of count pairs of list starting at pair start.
func segment(list tiles.Tile, start, count int) tiles.Tile {
	return tiles.Must(tileops.PairsSpec(count)).Rebind(list.Offset() + start*2*dtypes.Float32.Size())
}

// sortRow issues the merges that leave the best K pairs of the row at the start of sorted.
func (e *emitter) sortRow(b *program.Builder) {
	c := e.c
	n := c.padded()
	merge := tileops.MergeOptions{Descending: c.Descending}
	for _, blockLen := range e.tree.passes {
		groupLen := blockLen * tileops.MaxMergeLists
		groups := n / groupLen
		for g := range groups {
			lists := make([]tiles.Tile, tileops.MaxMergeLists)
			for i := range lists {
				lists[i] = segment(e.sorted, g*groupLen+i*blockLen, blockLen)
			}
			tileops.MrgSort(b, segment(e.scratch, g*groupLen, groupLen), lists, merge)
		}
		tileops.Copy(b, segment(e.sorted, 0, groups*groupLen), segment(e.scratch, 0, groups*groupLen))
	}

	// Merge the remaining blocks into a running prefix, never longer than K.
	tail := e.tree.tail
	merge.Limit = c.K
	position, kept := tail[0], min(tail[0], c.K)
	for _, length := range tail[1:] {
		next := min(length, c.K)
		merged := min(kept+next, c.K)
		tileops.MrgSort(b, segment(e.scratch, 0, merged),
			[]tiles.Tile{segment(e.sorted, 0, kept), segment(e.sorted, position, next)}, merge)
		tileops.Copy(b, segment(e.sorted, 0, merged), segment(e.scratch, 0, merged))
		position += length
		kept = merged
	}
}

func (e *emitter) emit(b *program.Builder, block, blockDim int) {
	c := e.c
	if block >= c.Rows {
		return
	}
	e.in.Prime(b)
	e.out.Prime(b)
	for row := block; row < c.Rows; row += blockDim {
		x := e.in.Fill(b, func(slot tiles.Tile) {
			tileops.Load(b, slot, e.ops.X.Window(row, 0, 1, c.Cols))
		})
		e.in.Acquire(b)
		tileops.Sort32(b, e.sorted, x, 0, c.Descending)
		e.in.Release(b)
		e.sortRow(b)

		best := e.out.Fill(b, func(slot tiles.Tile) {
			tileops.Copy(b, slot, segment(e.sorted, 0, c.K))
		})
		e.out.Acquire(b)
		tileops.StoreVec(b, e.ops.Out.Window(row, 0, 1, 2*c.K), best)
		e.out.Release(b)
	}
	e.in.Finish(b)
	e.out.Finish(b)
}

func checkOperands(c *Config, ops Operands) error {
	if ops.X.IsZero() || ops.Out.IsZero() {
		return errors.New("operands X and Out are required")
	}
	if ops.X.Rows() != c.Rows || ops.X.Cols() != c.Cols {
		return errors.Errorf("operand X %s must be %dx%d", ops.X, c.Rows, c.Cols)
	}
	if ops.X.DType() != dtypes.Float32 && ops.X.DType() != dtypes.Float16 {
		return errors.Errorf("operand X must be %s or %s, got %s", dtypes.Float32, dtypes.Float16, ops.X.DType())
	}
	if ops.Out.Rows() != c.Rows || ops.Out.Cols() != 2*c.K || ops.Out.DType() != dtypes.Float32 {
		return errors.Errorf("operand Out %s must be a %dx%d %s matrix of pairs", ops.Out, c.Rows, 2*c.K, dtypes.Float32)
	}
	return nil
}

// Kernel builds the TopK kernel.
func Kernel(c *Config, ops Operands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	if err := checkOperands(c, ops); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("topk")
	e, err := newEmitter(c, ops, plan)
	if err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	blockDim := c.BlockDim
	if blockDim == 0 {
		blockDim = c.Rows
	}
	klog.V(1).Infof("%s: merge passes %v, tail %v, %d block(s)", c, e.tree.passes, e.tree.tail, blockDim)
	return device.Kernel{
		Name:     "topk",
		BlockDim: blockDim,
		Plan:     plan,
		Emit: func(block int, b *program.Builder) {
			e, err := newEmitter(c, ops, tiers.NewPlan("topk"))
			if err != nil {
				panic(err)
			}
			e.emit(b, block, blockDim)
		},
	}, nil
}

// Launch builds the TopK kernel and launches it on the stream.
func Launch(s *device.Stream, c *Config, ops Operands) (uuid.UUID, error) {
	if c.BlockDim == 0 {
		resolved := *c
		if err := resolved.Validate(); err != nil {
			return uuid.Nil, err
		}
		resolved.BlockDim = min(resolved.Rows, s.Device().NumCores())
		c = &resolved
	}
	k, err := Kernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}
