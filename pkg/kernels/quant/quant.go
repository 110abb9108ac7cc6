// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quant implements the 8-bit quantization kernel: a Rows x Cols float matrix is quantized
// block of rows by block of rows, streaming through two double buffers:
//
//	in (Fetch -> Vector) -> quantize -> out (Vector -> Store)
//
// Symmetric quantization produces Int8 values round(x / scale), and asymmetric quantization
// Uint8 values round(x / scale + zeroPoint), saturated to the range of the output.
package quant

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

// DefaultBlockRows is the number of rows quantized at a time.
const DefaultBlockRows = 32

// Config of a quantization kernel.
type Config struct {
	Rows, Cols int

	// Scale divides the inputs.
	Scale float64

	// ZeroPoint is added to the scaled inputs of an asymmetric quantization.
	ZeroPoint float64

	// Asymmetric selects Uint8 outputs with a zero point, instead of Int8 outputs.
	Asymmetric bool

	BlockRows int

	// BlockDim is the number of cores of the launch. 0 uses one per block of rows, capped by the
	// cores of the device.
	BlockDim int
}

// NewConfig returns the configuration of a symmetric quantization of a rows x cols matrix.
func NewConfig(rows, cols int, scale float64) *Config {
	return &Config{Rows: rows, Cols: cols, Scale: scale, BlockRows: DefaultBlockRows}
}

// WithZeroPoint makes the quantization asymmetric, around the given zero point.
func (c *Config) WithZeroPoint(zeroPoint float64) *Config {
	c.Asymmetric = true
	c.ZeroPoint = zeroPoint
	return c
}

// WithBlockRows sets the number of rows quantized at a time.
func (c *Config) WithBlockRows(blockRows int) *Config {
	c.BlockRows = blockRows
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
		return errors.Errorf("invalid quantization shape %dx%d", c.Rows, c.Cols)
	}
	if c.Scale == 0 || math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return errors.Errorf("invalid scale %g", c.Scale)
	}
	if !c.Asymmetric && c.ZeroPoint != 0 {
		return errors.Errorf("symmetric quantization has no zero point, got %g", c.ZeroPoint)
	}
	if c.BlockRows <= 0 || c.BlockDim < 0 {
		return errors.Errorf("invalid BlockRows=%d or BlockDim=%d", c.BlockRows, c.BlockDim)
	}
	return nil
}

// OutputDType returns the dtype of the quantized values.
func (c *Config) OutputDType() dtypes.DType {
	if c.Asymmetric {
		return dtypes.Uint8
	}
	return dtypes.Int8
}

// Params returns the parameters of the quantization operation.
func (c *Config) Params() tileops.QuantParams {
	return tileops.QuantParams{InvScale: 1 / c.Scale, ZeroPoint: c.ZeroPoint, Asymmetric: c.Asymmetric}
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	if c.Asymmetric {
		return fmt.Sprintf("quantize %dx%d to %s (scale %g, zero point %g)", c.Rows, c.Cols, c.OutputDType(), c.Scale, c.ZeroPoint)
	}
	return fmt.Sprintf("quantize %dx%d to %s (scale %g)", c.Rows, c.Cols, c.OutputDType(), c.Scale)
}

func (c *Config) blocks() int {
	return (c.Rows + c.BlockRows - 1) / c.BlockRows
}

// Operands of the kernel, in bulk memory.
type Operands struct {
	// X is the Rows x Cols input: Float32, Float16 or BFloat16.
	X tiles.GlobalTensor

	// Out is the Rows x Cols output, of the dtype given by Config.OutputDType.
	Out tiles.GlobalTensor
}

type emitter struct {
	c       *Config
	ops     Operands
	in, out *stage.Stage
}

func newEmitter(c *Config, ops Operands, plan *tiers.Plan) (e *emitter, err error) {
	err = exceptions.TryCatch[error](func() {
		pool := events.NewPool()
		// 8-bit rows span whole 32-byte blocks.
		cols := (c.Cols + 31) / 32 * 32
		spec := func(dtype dtypes.DType) tiles.Tile {
			return tiles.Must(tiles.Spec{DType: dtype, Tier: tiles.TierVec, Rows: c.BlockRows, Cols: cols})
		}
		e = &emitter{c: c, ops: ops}
		e.in = stage.Must("in", plan.AppendPair("in", spec(ops.X.DType())), pipes.Fetch, pipes.Vector, pool)
		e.out = stage.Must("out", plan.AppendPair("out", spec(c.OutputDType())), pipes.Vector, pipes.Store, pool)
	})
	return
}

func (e *emitter) emit(b *program.Builder, block, blockDim int) {
	c := e.c
	if block >= c.blocks() {
		return
	}
	e.in.Prime(b)
	e.out.Prime(b)
	for rb := block; rb < c.blocks(); rb += blockDim {
		row := rb * c.BlockRows
		var x, q tiles.Tile
		e.in.Fill(b, func(slot tiles.Tile) {
			x = tileops.Load(b, slot, e.ops.X.Window(row, 0, c.BlockRows, c.Cols))
		})
		e.out.Fill(b, func(slot tiles.Tile) {
			e.in.Acquire(b)
			q = tileops.Quant(b, slot.WithValid(x.ValidRows(), x.ValidCols()), x, c.Params())
			e.in.Release(b)
		})
		e.out.Acquire(b)
		tileops.StoreVec(b, e.ops.Out.Window(row, 0, c.BlockRows, c.Cols), q)
		e.out.Release(b)
	}
	e.in.Finish(b)
	e.out.Finish(b)
}

func checkOperands(c *Config, ops Operands) error {
	if ops.X.IsZero() || ops.Out.IsZero() {
		return errors.New("operands X and Out are required")
	}
	for _, g := range []tiles.GlobalTensor{ops.X, ops.Out} {
		if g.Rows() != c.Rows || g.Cols() != c.Cols {
			return errors.Errorf("operand %s must be %dx%d", g, c.Rows, c.Cols)
		}
	}
	floats := []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16}
	if !slices.Contains(floats, ops.X.DType()) {
		return errors.Errorf("operand X must be one of %v, got %s", floats, ops.X.DType())
	}
	if ops.Out.DType() != c.OutputDType() {
		return errors.Errorf("operand Out must be %s, got %s", c.OutputDType(), ops.Out.DType())
	}
	return nil
}

// Kernel builds the quantization kernel.
func Kernel(c *Config, ops Operands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	if err := checkOperands(c, ops); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("quant")
	if _, err := newEmitter(c, ops, plan); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	blockDim := c.BlockDim
	if blockDim == 0 {
		blockDim = c.blocks()
	}
	klog.V(1).Infof("%s: %d blocks of %d rows over %d block(s)", c, c.blocks(), c.BlockRows, blockDim)
	return device.Kernel{
		Name:     "quant",
		BlockDim: blockDim,
		Plan:     plan,
		Emit: func(block int, b *program.Builder) {
			e, err := newEmitter(c, ops, tiers.NewPlan("quant"))
			if err != nil {
				panic(err)
			}
			e.emit(b, block, blockDim)
		},
	}, nil
}

// Launch builds the quantization kernel and launches it on the stream.
func Launch(s *device.Stream, c *Config, ops Operands) (uuid.UUID, error) {
	if c.BlockDim == 0 {
		resolved := *c
		if err := resolved.Validate(); err != nil {
			return uuid.Nil, err
		}
		resolved.BlockDim = min(resolved.blocks(), s.Device().NumCores())
		c = &resolved
	}
	k, err := Kernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}
