// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/stage"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tileops"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
)

// Tiling describes the on-chip layout of a Reduction.
type Tiling struct {
	// DType of both operands: Float16, BFloat16, Float32 or Int8.
	DType dtypes.DType

	// TileM x TileN is the shape of the accumulator, and TileK the reduction width of one step.
	TileM, TileN, TileK int

	// Period is the number of steps served by one staged panel: panels span Period*TileK along
	// the reduction axis.
	Period int

	// Bias is the dtype of the bias row, or InvalidDType if the reduction doesn't add a bias.
	Bias dtypes.DType

	// Scale is the dtype of the dequantization scales, or InvalidDType if there are none.
	Scale dtypes.DType

	// StagedA and StagedB mark operands that the caller stages itself in the Mat tier (see
	// Operand): no panels are allocated for them.
	StagedA, StagedB bool
}

// Validate the tiling. Constraints of the tile formats are checked when the tiles are created.
func (t Tiling) Validate() error {
	if tileops.AccumulatorDType(t.DType) == dtypes.InvalidDType {
		return errors.Errorf("the matrix unit doesn't multiply %s operands", t.DType)
	}
	if t.TileM <= 0 || t.TileN <= 0 || t.TileK <= 0 {
		return errors.Errorf("invalid tile shape %dx%dx%d", t.TileM, t.TileN, t.TileK)
	}
	if t.Period < 1 {
		return errors.Errorf("invalid refill period %d", t.Period)
	}
	if t.Scale != dtypes.InvalidDType && t.DType != dtypes.Int8 {
		return errors.Errorf("dequantization scales only apply to %s operands, got %s", dtypes.Int8, t.DType)
	}
	return nil
}

// Operand of one reduction task. Exactly one of its fields is set.
type Operand struct {
	// Global operands are loaded from bulk memory by the Fetch pipeline, one panel at a time,
	// through a double-buffered stage.
	Global tiles.GlobalTensor

	// Staged operands were already staged in the Mat tier, for the whole reduction, by the
	// caller: the Transform pipeline extracts from them directly. The caller is responsible for
	// the events that order the staging before the extractions.
	Staged tiles.Tile
}

// GlobalOperand returns an operand loaded from bulk memory.
func GlobalOperand(g tiles.GlobalTensor) Operand {
	return Operand{Global: g}
}

// StagedOperand returns an operand already staged in the Mat tier.
func StagedOperand(t tiles.Tile) Operand {
	return Operand{Staged: t}
}

// shape returns the rows and columns of the operand.
func (o Operand) shape() (rows, cols int) {
	if o.Staged.IsZero() {
		return o.Global.Rows(), o.Global.Cols()
	}
	return o.Staged.ValidRows(), o.Staged.ValidCols()
}

// Task is one output tile: the product of A (rows x k) and B (k x cols), plus the optional bias,
// and with optional dequantization scales for the drain.
type Task struct {
	A, B Operand

	// Bias and Scale are 1 x cols bulk views.
	Bias, Scale tiles.GlobalTensor
}

// Reduction emits tiled reductions on one core: each task is split into steps of TileK along
// the reduction axis, and each step goes through the pipelines
//
//	Fetch (panel loads) -> Transform (extraction into Left/Right) -> Matrix (product into the
//	accumulator) -> Drain (store)
//
// with double-buffered stages in between, so the fetch of the next panels and the extraction of
// the next operands overlap the products of the current ones.
//
// The remainder of a reduction axis that is not a multiple of TileK is padded with zeros when
// the panels are loaded, and goes through the same products as full steps.
type Reduction struct {
	name   string
	tiling Tiling

	aPanel, bPanel *stage.Stage
	left, right    *stage.Stage
	acc            *Accumulator

	biasRow, biasTable   *stage.Stage
	scaleRow, scaleTable *stage.Stage
	bias, scale          tiles.Tile
}

// NewReduction lays out the tiles of the reduction in plan and allocates its events from pool.
func NewReduction(name string, tiling Tiling, plan *tiers.Plan, pool *events.Pool) (r *Reduction, err error) {
	if err = tiling.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "reduction %q", name)
	}
	err = exceptions.TryCatch[error](func() { r = newReduction(name, tiling, plan, pool) })
	if err != nil {
		return nil, errors.WithMessagef(err, "reduction %q", name)
	}
	return r, nil
}

func newReduction(name string, t Tiling, plan *tiers.Plan, pool *events.Pool) *Reduction {
	r := &Reduction{name: name, tiling: t}
	tileName := func(part string) string { return name + "." + part }
	if !t.StagedA {
		panel := tiles.Must(tiles.Spec{DType: t.DType, Tier: tiles.TierMat, Rows: t.TileM, Cols: t.Period * t.TileK,
			Format: tiles.FormatNZ, Pad: tiles.PadZero})
		r.aPanel = stage.Must(tileName("a"), plan.AppendPair(tileName("a"), panel), pipes.Fetch, pipes.Transform, pool,
			stage.WithPeriod(t.Period))
	}
	if !t.StagedB {
		panel := tiles.Must(tiles.Spec{DType: t.DType, Tier: tiles.TierMat, Rows: t.Period * t.TileK, Cols: t.TileN,
			Format: tiles.FormatNZ, Pad: tiles.PadZero})
		r.bPanel = stage.Must(tileName("b"), plan.AppendPair(tileName("b"), panel), pipes.Fetch, pipes.Transform, pool,
			stage.WithPeriod(t.Period))
	}
	left := tiles.Must(tiles.Spec{DType: t.DType, Tier: tiles.TierLeft, Rows: t.TileM, Cols: t.TileK, Format: tiles.FormatZZ})
	r.left = stage.Must(tileName("left"), plan.AppendPair(tileName("left"), left), pipes.Transform, pipes.Matrix, pool)
	right := tiles.Must(tiles.Spec{DType: t.DType, Tier: tiles.TierRight, Rows: t.TileK, Cols: t.TileN, Format: tiles.FormatZN})
	r.right = stage.Must(tileName("right"), plan.AppendPair(tileName("right"), right), pipes.Transform, pipes.Matrix, pool)

	accTile := plan.Append(tileName("acc"), tiles.Must(tiles.Spec{
		DType: tileops.AccumulatorDType(t.DType), Tier: tiles.TierAcc, Rows: t.TileM, Cols: t.TileN, Format: tiles.FormatAcc}))
	var err error
	r.acc, err = NewAccumulator(tileName("acc"), accTile, pool)
	if err != nil {
		panic(err)
	}

	if t.Bias != dtypes.InvalidDType {
		r.biasRow, r.biasTable = newSideChannel(tileName("bias"), t.Bias, tiles.TierBias, t.TileN, pipes.Matrix, plan, pool)
	}
	if t.Scale != dtypes.InvalidDType {
		r.scaleRow, r.scaleTable = newSideChannel(tileName("scale"), t.Scale, tiles.TierScaling, t.TileN, pipes.Drain, plan, pool)
	}
	return r
}

// newSideChannel returns the single-slot stages of a side-channel row: a staging row loaded by
// Fetch and moved by Transform, and the side-channel table read by consumer.
func newSideChannel(name string, dtype dtypes.DType, tier tiles.Tier, cols int, consumer pipes.Pipe,
	plan *tiers.Plan, pool *events.Pool) (row, table *stage.Stage) {
	rowTile := plan.Append(name+".row", tiles.Must(tiles.Spec{DType: dtype, Tier: tiles.TierMat, Rows: 1, Cols: cols,
		Pad: tiles.PadZero}))
	tableTile := plan.Append(name+".table", tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tier, Rows: 1, Cols: cols}))
	row = stage.Must(name+".row", []tiles.Tile{rowTile}, pipes.Fetch, pipes.Transform, pool)
	table = stage.Must(name+".table", []tiles.Tile{tableTile}, pipes.Transform, consumer, pool)
	return
}

func (r *Reduction) Name() string                { return r.name }
func (r *Reduction) Tiling() Tiling              { return r.tiling }
func (r *Reduction) Accumulator() *Accumulator   { return r.acc }
func (r *Reduction) LeftStage() *stage.Stage     { return r.left }
func (r *Reduction) RightStage() *stage.Stage    { return r.right }
func (r *Reduction) PanelStages() []*stage.Stage { return nonNil(r.aPanel, r.bPanel) }

func (r *Reduction) stages() []*stage.Stage {
	return nonNil(r.aPanel, r.bPanel, r.left, r.right, r.biasRow, r.biasTable, r.scaleRow, r.scaleTable)
}

func nonNil(stages ...*stage.Stage) []*stage.Stage {
	var out []*stage.Stage
	for _, s := range stages {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Prime primes every stage, so the first task needs no special casing. Call it once, before the
// first task.
func (r *Reduction) Prime(b *program.Builder) {
	for _, s := range r.stages() {
		s.Prime(b)
	}
	r.acc.Prime(b)
}

// Finish consumes the outstanding drain records. Call it once, after the last task was stored.
func (r *Reduction) Finish(b *program.Builder) {
	for _, s := range r.stages() {
		s.Finish(b)
	}
	r.acc.Finish(b)
}

func (r *Reduction) checkOperand(o Operand, role string, staged bool) {
	switch {
	case staged && o.Staged.IsZero():
		exceptions.Panicf("reduction %q: operand %s must be staged", r.name, role)
	case !staged && o.Global.IsZero():
		exceptions.Panicf("reduction %q: operand %s must be a bulk view", r.name, role)
	case staged && o.Staged.Tier() != tiles.TierMat:
		exceptions.Panicf("reduction %q: staged operand %s %s must be in the %s tier", r.name, role, o.Staged, tiles.TierMat)
	}
	dtype := o.Global.DType()
	if staged {
		dtype = o.Staged.DType()
	}
	if dtype != r.tiling.DType {
		exceptions.Panicf("reduction %q: operand %s is %s, expected %s", r.name, role, dtype, r.tiling.DType)
	}
}

// check validates the task against the tiling, and returns the shape of the product.
func (r *Reduction) check(task Task) (m, k, n int) {
	t := r.tiling
	r.checkOperand(task.A, "A", t.StagedA)
	r.checkOperand(task.B, "B", t.StagedB)
	m, k = task.A.shape()
	kb, n := task.B.shape()
	if k != kb {
		exceptions.Panicf("reduction %q: A is %dx%d but B is %dx%d", r.name, m, k, kb, n)
	}
	if m > t.TileM || n > t.TileN {
		exceptions.Panicf("reduction %q: output %dx%d doesn't fit the %dx%d accumulator", r.name, m, n, t.TileM, t.TileN)
	}
	steps := (k + t.TileK - 1) / t.TileK
	if t.StagedA && task.A.Staged.Cols() < steps*t.TileK {
		exceptions.Panicf("reduction %q: staged A %s must span %d columns", r.name, task.A.Staged, steps*t.TileK)
	}
	if t.StagedB && task.B.Staged.Rows() < steps*t.TileK {
		exceptions.Panicf("reduction %q: staged B %s must span %d rows", r.name, task.B.Staged, steps*t.TileK)
	}
	for _, side := range []struct {
		name    string
		view    tiles.GlobalTensor
		enabled bool
	}{{"bias", task.Bias, t.Bias != dtypes.InvalidDType}, {"scale", task.Scale, t.Scale != dtypes.InvalidDType}} {
		if side.view.IsZero() {
			continue
		}
		if !side.enabled {
			exceptions.Panicf("reduction %q: task has a %s, but the tiling has no %s side-channel", r.name, side.name, side.name)
		}
		if side.view.Rows() != 1 || side.view.Cols() != n {
			exceptions.Panicf("reduction %q: %s %s must be a single row of %d columns", r.name, side.name, side.view, n)
		}
	}
	if t.Scale != dtypes.InvalidDType && task.Scale.IsZero() {
		exceptions.Panicf("reduction %q: the dequantization scale is missing", r.name)
	}
	return
}

// stageSideChannel loads a side-channel row and moves it to its table.
func stageSideChannel(b *program.Builder, row, table *stage.Stage, view tiles.GlobalTensor,
	move func(b *program.Builder, dst, src tiles.Tile) tiles.Tile) (moved tiles.Tile) {
	var staged tiles.Tile
	row.Fill(b, func(slot tiles.Tile) { staged = tileops.Load(b, slot, view) })
	row.Acquire(b)
	table.Fill(b, func(slot tiles.Tile) { moved = move(b, slot, staged) })
	row.Release(b)
	return
}

// Run emits the reduction of one task, leaving the accumulator Final: follow it with Store or Drain.
func (r *Reduction) Run(b *program.Builder, task Task) {
	_, k, _ := r.check(task)
	t := r.tiling
	var bias tiles.Tile
	if !task.Bias.IsZero() {
		bias = stageSideChannel(b, r.biasRow, r.biasTable, task.Bias, tileops.MovBias)
	}
	if !task.Scale.IsZero() {
		r.scale = stageSideChannel(b, r.scaleRow, r.scaleTable, task.Scale, tileops.MovScaling)
	}

	steps := (k + t.TileK - 1) / t.TileK
	span := t.Period * t.TileK
	var aPanel, bPanel tiles.Tile
	for step := range steps {
		kk := step * t.TileK

		// Fetch: stage the next panels at refill boundaries.
		if r.aPanel != nil && r.aPanel.Boundary(step) {
			window := task.A.Global.Window(0, kk, t.TileM, span)
			r.aPanel.Fill(b, func(slot tiles.Tile) { aPanel = tileops.Load(b, slot, window) })
		}
		if r.bPanel != nil && r.bPanel.Boundary(step) {
			window := task.B.Global.Window(kk, 0, span, t.TileN)
			r.bPanel.Fill(b, func(slot tiles.Tile) { bPanel = tileops.Load(b, slot, window) })
		}

		// Transform: extract the operands of the step. The left and right extractions are
		// independent, and the product waits for both.
		aSrc, aCol := task.A.Staged, kk
		if r.aPanel != nil {
			if r.aPanel.Boundary(step) {
				r.aPanel.Acquire(b)
			}
			aSrc, aCol = aPanel, kk%span
		}
		bSrc, bRow := task.B.Staged, kk
		if r.bPanel != nil {
			if r.bPanel.Boundary(step) {
				r.bPanel.Acquire(b)
			}
			bSrc, bRow = bPanel, kk%span
		}
		var left, right tiles.Tile
		r.left.Fill(b, func(slot tiles.Tile) { left = tileops.Extract(b, slot, aSrc, 0, aCol) })
		r.right.Fill(b, func(slot tiles.Tile) { right = tileops.Extract(b, slot, bSrc, bRow, 0) })
		if r.aPanel != nil && r.aPanel.RoundEnd(step, steps) {
			r.aPanel.Release(b)
		}
		if r.bPanel != nil && r.bPanel.RoundEnd(step, steps) {
			r.bPanel.Release(b)
		}

		// Matrix: the product, with the bias on the first step.
		r.left.Acquire(b)
		r.right.Acquire(b)
		var stepBias tiles.Tile
		if step == 0 && !bias.IsZero() {
			r.biasTable.Acquire(b)
			stepBias = bias
		}
		r.acc.Step(b, left, right, stepBias)
		if !stepBias.IsZero() {
			r.biasTable.Release(b)
		}
		r.left.Release(b)
		r.right.Release(b)
	}
	r.acc.Complete(b)
}

// Drain calls emit on the Drain pipeline with the completed accumulator, see Accumulator.Drain.
// Tasks with dequantization scales must be drained with Store, which consumes the scales.
func (r *Reduction) Drain(b *program.Builder, emit func(acc tiles.Tile)) {
	if !r.scale.IsZero() {
		exceptions.Panicf("reduction %q: the task has dequantization scales, drain it with Store", r.name)
	}
	r.acc.Drain(b, emit)
}

// Store drains the completed accumulator to dst, dequantizing it if the task had scales.
// It honors the scoped states of tileops.StoreAcc (relu and atomic add).
func (r *Reduction) Store(b *program.Builder, dst tiles.GlobalTensor) {
	r.acc.Drain(b, func(acc tiles.Tile) {
		if r.scale.IsZero() {
			tileops.StoreAcc(b, dst, acc)
			return
		}
		r.scaleTable.Acquire(b)
		tileops.StoreAccDequant(b, dst, acc, r.scale)
		r.scaleTable.Release(b)
	})
	r.scale = tiles.Tile{}
}

// String implements fmt.Stringer.
func (r *Reduction) String() string {
	t := r.tiling
	return fmt.Sprintf("reduction %q: %s %dx%dx%d tiles, period %d", r.name, t.DType, t.TileM, t.TileN, t.TileK, t.Period)
}
