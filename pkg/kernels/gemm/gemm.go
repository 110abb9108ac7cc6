// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm implements the tiled matrix multiplication kernel C = A·B (+ bias), and the
// Reduction emitter it is built on, which the attention kernels reuse for their contractions.
//
// The output is split into TileM x TileN tiles, distributed over the cores of the launch. Each
// core loops over its tiles, and for each one over the reduction axis in steps of TileK. Inputs
// can be Float16, BFloat16 or Float32 (accumulated in Float32), or Int8 (accumulated in Int32,
// optionally dequantized by per-column scales when stored).
//
// With SplitK > 1 the reduction axis is also split over cores, and the partial products are
// added to C with atomic stores: C must then be zero-initialized.
package gemm

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tileops"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Default tiling.
const (
	DefaultTileM  = 128
	DefaultTileN  = 128
	DefaultTileK  = 64
	DefaultPeriod = 2
)

// Config of a matrix multiplication of an M x K matrix by a K x N matrix.
type Config struct {
	M, N, K int

	TileM, TileN, TileK int

	// Period is the number of reduction steps served by each fetched panel.
	Period int

	// SplitK splits the reduction axis in up to SplitK parts, computed independently and added
	// together in C.
	SplitK int

	// BlockDim is the number of cores of the launch. 0 uses as many as there are output tiles
	// (times splits), capped by the cores of the device.
	BlockDim int

	// Relu clamps negative outputs to zero.
	Relu bool
}

// NewConfig returns the configuration of an M x K by K x N product with the default tiling.
func NewConfig(m, n, k int) *Config {
	return &Config{
		M: m, N: n, K: k,
		TileM:  DefaultTileM,
		TileN:  DefaultTileN,
		TileK:  DefaultTileK,
		Period: DefaultPeriod,
		SplitK: 1,
	}
}

// WithTiles sets the tile shape: the accumulator is tileM x tileN, and each step reduces tileK.
func (c *Config) WithTiles(tileM, tileN, tileK int) *Config {
	c.TileM, c.TileN, c.TileK = tileM, tileN, tileK
	return c
}

// WithPeriod sets the number of reduction steps served by each fetched panel.
func (c *Config) WithPeriod(period int) *Config {
	c.Period = period
	return c
}

// WithSplitK splits the reduction axis over up to splits cores.
func (c *Config) WithSplitK(splits int) *Config {
	c.SplitK = splits
	return c
}

// WithBlockDim sets the number of cores of the launch.
func (c *Config) WithBlockDim(blockDim int) *Config {
	c.BlockDim = blockDim
	return c
}

// WithRelu clamps negative outputs to zero.
func (c *Config) WithRelu(relu bool) *Config {
	c.Relu = relu
	return c
}

// Validate the shapes and tiling. Tile format constraints are checked when the kernel is built.
func (c *Config) Validate() error {
	if c.M <= 0 || c.N <= 0 || c.K <= 0 {
		return errors.Errorf("invalid matrix multiplication shape M=%d, N=%d, K=%d", c.M, c.N, c.K)
	}
	if c.TileM <= 0 || c.TileN <= 0 || c.TileK <= 0 {
		return errors.Errorf("invalid tile shape %dx%dx%d", c.TileM, c.TileN, c.TileK)
	}
	if c.Period < 1 {
		return errors.Errorf("invalid refill period %d", c.Period)
	}
	if c.SplitK < 1 {
		return errors.Errorf("invalid SplitK %d", c.SplitK)
	}
	if c.BlockDim < 0 {
		return errors.Errorf("invalid BlockDim %d", c.BlockDim)
	}
	if c.SplitK > 1 && c.Relu {
		return errors.New("relu can't be applied to the partial products of SplitK > 1")
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("gemm %dx%dx%d (tiles %dx%dx%d, period %d, split-k %d, relu %v)",
		c.M, c.N, c.K, c.TileM, c.TileN, c.TileK, c.Period, c.SplitK, c.Relu)
}

// Operands of the kernel, in bulk memory.
type Operands struct {
	// A is M x K and B is K x N, of the same dtype.
	A, B tiles.GlobalTensor

	// C is the M x N output. Float inputs can be stored as Float32, Float16 or BFloat16; Int8
	// inputs as Int32, or as floats if Scale is given.
	C tiles.GlobalTensor

	// Bias is an optional row of N values added to every row of the product.
	Bias tiles.GlobalTensor

	// Scale is an optional row of N dequantization scales, multiplying the columns of the Int32
	// product of Int8 inputs.
	Scale tiles.GlobalTensor
}

// grid of work units: output tiles times reduction splits.
type grid struct {
	tilesM, tilesN int
	splits         int
	stepsPerSplit  int
}

func newGrid(c *Config) grid {
	steps := ceilDiv(c.K, c.TileK)
	splits := min(c.SplitK, steps)
	perSplit := ceilDiv(steps, splits)
	return grid{
		tilesM:        ceilDiv(c.M, c.TileM),
		tilesN:        ceilDiv(c.N, c.TileN),
		splits:        ceilDiv(steps, perSplit),
		stepsPerSplit: perSplit,
	}
}

func (g grid) units() int {
	return g.tilesM * g.tilesN * g.splits
}

// unit returns the output tile and the split of work unit u.
func (g grid) unit(u int) (i, j, split int) {
	split = u % g.splits
	u /= g.splits
	return u / g.tilesN, u % g.tilesN, split
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func checkMatrix(name string, g tiles.GlobalTensor, rows, cols int) error {
	if g.IsZero() {
		return errors.Errorf("operand %s is missing", name)
	}
	if g.Rows() != rows || g.Cols() != cols {
		return errors.Errorf("operand %s %s must be %dx%d", name, g, rows, cols)
	}
	return nil
}

// checkOperands validates the operands against the configuration, and returns the tiling.
func checkOperands(c *Config, ops Operands) (Tiling, error) {
	t := Tiling{DType: ops.A.DType(), TileM: c.TileM, TileN: c.TileN, TileK: c.TileK, Period: c.Period}
	if err := checkMatrix("A", ops.A, c.M, c.K); err != nil {
		return t, err
	}
	if err := checkMatrix("B", ops.B, c.K, c.N); err != nil {
		return t, err
	}
	if err := checkMatrix("C", ops.C, c.M, c.N); err != nil {
		return t, err
	}
	if ops.A.DType() != ops.B.DType() {
		return t, errors.Errorf("A and B must have the same dtype, got %s and %s", ops.A.DType(), ops.B.DType())
	}
	if !ops.Bias.IsZero() {
		if err := checkMatrix("Bias", ops.Bias, 1, c.N); err != nil {
			return t, err
		}
		t.Bias = ops.Bias.DType()
	}
	if !ops.Scale.IsZero() {
		if err := checkMatrix("Scale", ops.Scale, 1, c.N); err != nil {
			return t, err
		}
		t.Scale = ops.Scale.DType()
	}
	if err := t.Validate(); err != nil {
		return t, err
	}

	var outputs []dtypes.DType
	switch {
	case t.DType == dtypes.Int8 && ops.Scale.IsZero():
		outputs = []dtypes.DType{dtypes.Int32}
	default:
		outputs = []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16}
	}
	if c.SplitK > 1 {
		// Partial products are added in the output: keep them at full precision.
		outputs = []dtypes.DType{dtypes.Float32, dtypes.Int32}
	}
	if !slices.Contains(outputs, ops.C.DType()) {
		return t, errors.Errorf("C can't be %s for %s inputs (scaled: %v, split-k: %d)",
			ops.C.DType(), t.DType, !ops.Scale.IsZero(), c.SplitK)
	}
	if t.DType == dtypes.Int8 && !ops.Scale.IsZero() && c.SplitK > 1 && ops.C.DType() != dtypes.Float32 {
		return t, errors.Errorf("scaled split-k products must be stored as %s", dtypes.Float32)
	}
	return t, nil
}

// Kernel builds the matrix multiplication kernel. Configuration errors (shapes, dtypes, tile
// formats, tier capacities checked later by device.Compile) are returned before anything is
// issued.
func Kernel(c *Config, ops Operands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	tiling, err := checkOperands(c, ops)
	if err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("gemm")
	if _, err = NewReduction("gemm", tiling, plan, events.NewPool()); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	g := newGrid(c)
	blockDim := c.BlockDim
	if blockDim == 0 {
		blockDim = g.units()
	}
	klog.V(1).Infof("%s: %d units (%dx%d tiles, %d splits of %d steps) over %d block(s)",
		c, g.units(), g.tilesM, g.tilesN, g.splits, g.stepsPerSplit, blockDim)
	return device.Kernel{
		Name:     "gemm",
		BlockDim: blockDim,
		Plan:     plan,
		Emit: func(block int, b *program.Builder) {
			emit(b, c, ops, tiling, g, block, blockDim)
		},
	}, nil
}

func emit(b *program.Builder, c *Config, ops Operands, tiling Tiling, g grid, block, blockDim int) {
	r, err := NewReduction("gemm", tiling, tiers.NewPlan("gemm"), events.NewPool())
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	if block >= g.units() {
		return
	}
	r.Prime(b)
	for u := block; u < g.units(); u += blockDim {
		i, j, split := g.unit(u)
		row, col := i*c.TileM, j*c.TileN
		kStart := split * g.stepsPerSplit * c.TileK
		kLen := g.stepsPerSplit * c.TileK
		task := Task{
			A: GlobalOperand(ops.A.Window(row, kStart, c.TileM, kLen)),
			B: GlobalOperand(ops.B.Window(kStart, col, kLen, c.TileN)),
		}
		if !ops.Bias.IsZero() && split == 0 {
			task.Bias = ops.Bias.Window(0, col, 1, c.TileN)
		}
		if !ops.Scale.IsZero() {
			task.Scale = ops.Scale.Window(0, col, 1, c.TileN)
		}
		r.Run(b, task)
		dst := ops.C.Window(row, col, c.TileM, c.TileN)
		store := func() { r.Store(b, dst) }
		if c.Relu {
			store = withState(b, tileops.WithRelu, store)
		}
		if g.splits > 1 {
			store = withState(b, tileops.WithAtomicAdd, store)
		}
		store()
	}
	r.Finish(b)
}

func withState(b *program.Builder, with func(*program.Builder, func()), fn func()) func() {
	return func() { with(b, fn) }
}

// Launch builds the kernel and launches it on the stream. It returns once the kernel is issued:
// use Stream.Synchronize to wait for the results.
func Launch(s *device.Stream, c *Config, ops Operands) (uuid.UUID, error) {
	if c.BlockDim == 0 {
		resolved := *c
		if err := resolved.Validate(); err != nil {
			return uuid.Nil, err
		}
		resolved.BlockDim = min(newGrid(&resolved).units(), s.Device().NumCores())
		c = &resolved
	}
	k, err := Kernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}
