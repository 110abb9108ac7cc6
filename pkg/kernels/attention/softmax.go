// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"fmt"
	"math"
	"slices"

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

// DefaultBlockRows is the number of rows normalized at a time by the softmax kernel.
const DefaultBlockRows = 16

// SoftmaxConfig of a row softmax over a Rows x Cols matrix.
type SoftmaxConfig struct {
	Rows, Cols int

	// BlockRows rows are normalized at a time. A row must fit in a tile.
	BlockRows int

	// BlockDim is the number of cores of the launch. 0 uses one per block of rows, capped by the
	// cores of the device.
	BlockDim int
}

// NewSoftmaxConfig returns the configuration of a softmax over the rows of a rows x cols matrix.
func NewSoftmaxConfig(rows, cols int) *SoftmaxConfig {
	return &SoftmaxConfig{Rows: rows, Cols: cols, BlockRows: DefaultBlockRows}
}

// Validate the configuration.
func (c *SoftmaxConfig) Validate() error {
	if c.Rows <= 0 || c.Cols <= 0 {
		return errors.Errorf("invalid softmax shape %dx%d", c.Rows, c.Cols)
	}
	if c.BlockRows <= 0 || c.BlockDim < 0 {
		return errors.Errorf("invalid BlockRows=%d or BlockDim=%d", c.BlockRows, c.BlockDim)
	}
	return nil
}

// String implements fmt.Stringer.
func (c *SoftmaxConfig) String() string {
	return fmt.Sprintf("softmax %dx%d (blocks of %d rows)", c.Rows, c.Cols, c.BlockRows)
}

func (c *SoftmaxConfig) blocks() int {
	return (c.Rows + c.BlockRows - 1) / c.BlockRows
}

// SoftmaxOperands of the softmax kernel, in bulk memory.
type SoftmaxOperands struct {
	// X is the Rows x Cols input, Float32, Float16 or BFloat16.
	X tiles.GlobalTensor

	// Lengths is an optional Rows x 1 Int32 column: only the first Lengths[r] elements of row r
	// take part, and the others are set to 0. A length of 0 gives a row of NaNs.
	Lengths tiles.GlobalTensor

	// Y is the Rows x Cols output, Float32, Float16 or BFloat16.
	Y tiles.GlobalTensor
}

// softmaxEmitter is the on-chip layout of the softmax kernel:
//
//	in, lengths (Fetch -> Vector) -> work (Vector) -> out (Vector -> Store)
type softmaxEmitter struct {
	c                *SoftmaxConfig
	ops              SoftmaxOperands
	in, lengths, out *stage.Stage
	work             tiles.Tile
	rowMax, rowSum   tiles.Tile
}

// paddedCols rounds cols up to fill 32-byte blocks of every dtype used.
func paddedCols(cols int, kinds ...dtypes.DType) int {
	block := 1
	for _, dtype := range kinds {
		block = max(block, 32/dtype.Size())
	}
	return (cols + block - 1) / block * block
}

func newSoftmaxEmitter(c *SoftmaxConfig, ops SoftmaxOperands, plan *tiers.Plan) (e *softmaxEmitter, err error) {
	err = exceptions.TryCatch[error](func() {
		pool := events.NewPool()
		cols := paddedCols(c.Cols, ops.X.DType(), ops.Y.DType(), dtypes.Float32)
		spec := func(dtype dtypes.DType, cols int) tiles.Spec {
			return tiles.Spec{DType: dtype, Tier: tiles.TierVec, Rows: c.BlockRows, Cols: cols}
		}
		pair := func(name string, spec tiles.Spec, producer, consumer pipes.Pipe) *stage.Stage {
			return stage.Must(name, plan.AppendPair(name, tiles.Must(spec)), producer, consumer, pool)
		}
		e = &softmaxEmitter{c: c, ops: ops}
		e.in = pair("in", spec(ops.X.DType(), cols), pipes.Fetch, pipes.Vector)
		if !ops.Lengths.IsZero() {
			e.lengths = pair("lengths", spec(dtypes.Int32, 1), pipes.Fetch, pipes.Vector)
		}
		e.out = pair("out", spec(ops.Y.DType(), cols), pipes.Vector, pipes.Store)
		e.work = plan.Append("work", tiles.Must(spec(dtypes.Float32, cols)))
		e.rowMax = plan.Append("row.max", tiles.Must(spec(dtypes.Float32, 1)))
		e.rowSum = plan.Append("row.sum", tiles.Must(spec(dtypes.Float32, 1)))
	})
	return
}

func (e *softmaxEmitter) stages() []*stage.Stage {
	if e.lengths == nil {
		return []*stage.Stage{e.in, e.out}
	}
	return []*stage.Stage{e.in, e.lengths, e.out}
}

func (e *softmaxEmitter) emit(b *program.Builder, block, blockDim int) {
	c := e.c
	if block >= c.blocks() {
		return
	}
	for _, s := range e.stages() {
		s.Prime(b)
	}
	for rb := block; rb < c.blocks(); rb += blockDim {
		row := rb * c.BlockRows
		x := e.in.Fill(b, func(slot tiles.Tile) {
			tileops.Load(b, slot, e.ops.X.Window(row, 0, c.BlockRows, c.Cols))
		})
		x = x.WithValid(min(c.BlockRows, c.Rows-row), c.Cols)
		var lengths tiles.Tile
		if e.lengths != nil {
			lengths = e.lengths.Fill(b, func(slot tiles.Tile) {
				tileops.Load(b, slot, e.ops.Lengths.Window(row, 0, c.BlockRows, 1))
			})
		}

		e.in.Acquire(b)
		w := tileops.Cvt(b, e.work.WithValid(x.ValidRows(), x.ValidCols()), x)
		e.in.Release(b)
		if e.lengths != nil {
			e.lengths.Acquire(b)
			tileops.Mask(b, w, lengths, math.Inf(-1))
			e.lengths.Release(b)
		}
		normalize(b, w, e.rowMax, e.rowSum)

		y := e.out.Fill(b, func(slot tiles.Tile) {
			tileops.Cvt(b, slot.WithValid(w.ValidRows(), w.ValidCols()), w)
		})
		e.out.Acquire(b)
		tileops.StoreVec(b, e.ops.Y.Window(row, 0, c.BlockRows, c.Cols), y.WithValid(w.ValidRows(), w.ValidCols()))
		e.out.Release(b)
	}
	for _, s := range e.stages() {
		s.Finish(b)
	}
}

func checkSoftmaxOperands(c *SoftmaxConfig, ops SoftmaxOperands) error {
	floats := []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16}
	for _, op := range []struct {
		name   string
		g      tiles.GlobalTensor
		cols   int
		dtypes []dtypes.DType
	}{{"X", ops.X, c.Cols, floats}, {"Lengths", ops.Lengths, 1, []dtypes.DType{dtypes.Int32}}, {"Y", ops.Y, c.Cols, floats}} {
		if op.g.IsZero() {
			if op.name == "Lengths" {
				continue
			}
			return errors.Errorf("operand %s is missing", op.name)
		}
		if op.g.Rows() != c.Rows || op.g.Cols() != op.cols {
			return errors.Errorf("operand %s %s must be %dx%d", op.name, op.g, c.Rows, op.cols)
		}
		if !slices.Contains(op.dtypes, op.g.DType()) {
			return errors.Errorf("operand %s must be one of %v, got %s", op.name, op.dtypes, op.g.DType())
		}
	}
	return nil
}

// SoftmaxKernel builds the row softmax kernel.
func SoftmaxKernel(c *SoftmaxConfig, ops SoftmaxOperands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	if err := checkSoftmaxOperands(c, ops); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("softmax")
	if _, err := newSoftmaxEmitter(c, ops, plan); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	blockDim := c.BlockDim
	if blockDim == 0 {
		blockDim = c.blocks()
	}
	klog.V(1).Infof("%s: %d blocks over %d block(s)", c, c.blocks(), blockDim)
	return device.Kernel{
		Name:     "softmax",
		BlockDim: blockDim,
		Plan:     plan,
		Emit: func(block int, b *program.Builder) {
			e, err := newSoftmaxEmitter(c, ops, tiers.NewPlan("softmax"))
			if err != nil {
				panic(err)
			}
			e.emit(b, block, blockDim)
		},
	}, nil
}

// LaunchSoftmax builds the softmax kernel and launches it on the stream.
func LaunchSoftmax(s *device.Stream, c *SoftmaxConfig, ops SoftmaxOperands) (uuid.UUID, error) {
	if c.BlockDim == 0 {
		resolved := *c
		if err := resolved.Validate(); err != nil {
			return uuid.Nil, err
		}
		resolved.BlockDim = min(resolved.blocks(), s.Device().NumCores())
		c = &resolved
	}
	k, err := SoftmaxKernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}
