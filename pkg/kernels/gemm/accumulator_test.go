// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReduction(t *testing.T, tiling Tiling) *Reduction {
	r, err := NewReduction("test", tiling, tiers.NewPlan("test"), events.NewPool())
	require.NoError(t, err)
	return r
}

// TestAccumulatorStates checks that every reduction initializes the accumulator exactly once, on
// its first step, and only accumulates afterward.
func TestAccumulatorStates(t *testing.T) {
	const reductions = 3
	for steps := 1; steps <= 6; steps++ {
		period := 1 + steps%3
		t.Run(fmt.Sprintf("steps=%d/period=%d", steps, period), func(t *testing.T) {
			r := newTestReduction(t, Tiling{DType: dtypes.Float16, TileM: 32, TileN: 32, TileK: 32, Period: period})
			a := tiles.MustGlobal(dtypes.Float16, 1, 32, steps*32)
			bt := tiles.MustGlobal(dtypes.Float16, 2, steps*32, 32)
			out := tiles.MustGlobal(dtypes.Float32, 3, 32, 32)
			p, err := program.BuildFunc("states", pipes.NewClassifier(), func(b *program.Builder) {
				r.Prime(b)
				for range reductions {
					r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt)})
					r.Store(b, out)
				}
				r.Finish(b)
			})
			require.NoError(t, err)
			require.NoError(t, p.Lint())
			require.NoError(t, program.Analyze(p).Err())

			assert.Len(t, p.Ops(pipes.OpMatmul), reductions)
			assert.Len(t, p.Ops(pipes.OpMatmulAcc), reductions*(steps-1))
			assert.Len(t, p.Ops(pipes.OpStoreAcc), reductions)
			fills := (steps + period - 1) / period
			assert.Len(t, p.Ops(pipes.OpLoad), reductions*2*fills)

			history := r.Accumulator().History()
			require.Len(t, history, reductions*(steps+2))
			for red := range reductions {
				h := history[red*(steps+2) : (red+1)*(steps+2)]
				assert.Equal(t, AccTransition{Reduction: red, Step: 0, From: AccEmpty, To: AccPartial}, h[0])
				for step := 1; step < steps; step++ {
					assert.Equal(t, AccTransition{Reduction: red, Step: step, From: AccPartial, To: AccPartial}, h[step])
				}
				assert.Equal(t, AccTransition{Reduction: red, Step: -1, From: AccPartial, To: AccFinal}, h[steps])
				assert.Equal(t, AccTransition{Reduction: red, Step: -1, From: AccFinal, To: AccEmpty}, h[steps+1])
			}
			for _, tr := range history {
				assert.False(t, tr.From == AccPartial && tr.To == AccEmpty, "partial accumulator emptied: %+v", tr)
			}
			assert.Equal(t, AccEmpty, r.Accumulator().State())
		})
	}
}

func TestAccumulatorMisuse(t *testing.T) {
	tiling := Tiling{DType: dtypes.Float16, TileM: 32, TileN: 32, TileK: 32, Period: 1, Bias: dtypes.Float16}
	a := tiles.MustGlobal(dtypes.Float16, 1, 32, 64)
	bt := tiles.MustGlobal(dtypes.Float16, 2, 64, 32)

	tests := []struct {
		name string
		emit func(b *program.Builder, r *Reduction, acc *Accumulator)
		err  string
	}{
		{"complete-empty", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			acc.Complete(b)
		}, "completing a reduction of an Empty accumulator"},
		{"step-final", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt)})
			acc.Step(b, r.left.Slot(0), r.right.Slot(0), tiles.Tile{})
		}, "it must be drained first"},
		{"drain-partial", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			acc.Step(b, r.left.Slot(0), r.right.Slot(0), tiles.Tile{})
			acc.Drain(b, func(tiles.Tile) {})
		}, "draining an Partial accumulator"},
		{"late-bias", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			acc.Step(b, r.left.Slot(0), r.right.Slot(0), tiles.Tile{})
			acc.Step(b, r.left.Slot(0), r.right.Slot(0), r.biasTable.Slot(0))
		}, "first step"},
		{"finish-final", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt)})
			r.Finish(b)
		}, "finishing with an Final accumulator"},
		{"drain-pipe", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt)})
			acc.Drain(b, func(acc tiles.Tile) {
				b.Issue(pipes.OpMatmul, "matmul", acc.Bytes(), nil, program.TileAccess(acc, true))
			})
		}, "drain issued"},
		{"bias-without-channel", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt), Scale: tiles.MustGlobal(dtypes.Float32, 3, 1, 32)})
		}, "no scale side-channel"},
		{"k-mismatch", func(b *program.Builder, r *Reduction, acc *Accumulator) {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt.Window(0, 0, 32, 32))})
		}, "A is 32x64 but B is 32x32"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := newTestReduction(t, tiling)
			_, err := program.BuildFunc(test.name, pipes.NewClassifier(), func(b *program.Builder) {
				r.Prime(b)
				test.emit(b, r, r.Accumulator())
			})
			require.ErrorContains(t, err, test.err)
		})
	}
}

func TestDrainScaled(t *testing.T) {
	tiling := Tiling{DType: dtypes.Int8, TileM: 32, TileN: 32, TileK: 32, Period: 1, Scale: dtypes.Float32}
	a := tiles.MustGlobal(dtypes.Int8, 1, 32, 64)
	bt := tiles.MustGlobal(dtypes.Int8, 2, 64, 32)
	scale := tiles.MustGlobal(dtypes.Float32, 3, 1, 32)
	out := tiles.MustGlobal(dtypes.Float32, 4, 32, 32)

	r := newTestReduction(t, tiling)
	_, err := program.BuildFunc("drain-scaled", pipes.NewClassifier(), func(b *program.Builder) {
		r.Prime(b)
		r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt), Scale: scale})
		r.Drain(b, func(tiles.Tile) {})
	})
	require.ErrorContains(t, err, "drain it with Store")

	// Store consumes the scales, leaving every stage idle for Finish.
	r = newTestReduction(t, tiling)
	p, err := program.BuildFunc("store-scaled", pipes.NewClassifier(), func(b *program.Builder) {
		r.Prime(b)
		for range 2 {
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt), Scale: scale})
			r.Store(b, out)
		}
		r.Finish(b)
	})
	require.NoError(t, err)
	require.NoError(t, p.Lint())
	assert.Len(t, p.Ops(pipes.OpStoreAcc), 2)
	assert.Len(t, p.Ops(pipes.OpMovScaling), 2)
}

func TestNewAccumulatorTier(t *testing.T) {
	tile := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 16, Cols: 16})
	_, err := NewAccumulator("vec", tile, events.NewPool())
	require.ErrorContains(t, err, "is not in the Acc tier")
}

func TestReductionPanels(t *testing.T) {
	// Longer periods fetch fewer, larger panels for the same products.
	k := 8 * 32
	a := tiles.MustGlobal(dtypes.BFloat16, 1, 64, k)
	bt := tiles.MustGlobal(dtypes.BFloat16, 2, k, 48)
	out := tiles.MustGlobal(dtypes.Float32, 3, 64, 48)
	var loads []int
	for _, period := range []int{1, 2, 4, 8} {
		r := newTestReduction(t, Tiling{DType: dtypes.BFloat16, TileM: 64, TileN: 48, TileK: 32, Period: period})
		p, err := program.BuildFunc("panels", pipes.NewClassifier(), func(b *program.Builder) {
			r.Prime(b)
			r.Run(b, Task{A: GlobalOperand(a), B: GlobalOperand(bt)})
			r.Store(b, out)
			r.Finish(b)
		})
		require.NoError(t, err)
		require.NoError(t, program.Analyze(p).Err())
		assert.Len(t, p.Ops(pipes.OpExtract), 2*8)
		assert.Len(t, p.Ops(pipes.OpMatmulAcc), 7)
		loads = append(loads, len(p.Ops(pipes.OpLoad)))
	}
	assert.Equal(t, []int{16, 8, 4, 2}, loads)
}

func TestStagedOperand(t *testing.T) {
	tiling := Tiling{DType: dtypes.Float16, TileM: 32, TileN: 32, TileK: 32, Period: 1, StagedA: true}
	r := newTestReduction(t, tiling)
	assert.Len(t, r.PanelStages(), 1)
	staged := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierMat, Rows: 32, Cols: 64,
		Format: tiles.FormatNZ, Offset: 256 * 1024})
	bt := tiles.MustGlobal(dtypes.Float16, 2, 64, 32)
	out := tiles.MustGlobal(dtypes.Float32, 3, 32, 32)
	p, err := program.BuildFunc("staged", pipes.NewClassifier(), func(b *program.Builder) {
		r.Prime(b)
		r.Run(b, Task{A: StagedOperand(staged), B: GlobalOperand(bt)})
		r.Store(b, out)
		r.Finish(b)
	})
	require.NoError(t, err)
	require.NoError(t, p.Lint())
	// Only B is loaded.
	assert.Len(t, p.Ops(pipes.OpLoad), 2)
	assert.True(t, p.Ops(pipes.OpExtract)[0].Reads(staged))

	r = newTestReduction(t, tiling)
	_, err = program.BuildFunc("global-a", pipes.NewClassifier(), func(b *program.Builder) {
		r.Prime(b)
		r.Run(b, Task{A: GlobalOperand(tiles.MustGlobal(dtypes.Float16, 1, 32, 64)), B: GlobalOperand(bt)})
	})
	require.ErrorContains(t, err, "operand A must be staged")
}
