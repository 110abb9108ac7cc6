// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/stage"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tileops"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/gomlx/tilepipe/pkg/kernels/gemm"
)

// emitter holds the on-chip layout of one core.
//
// Dataflow of one block of keys:
//
//	qk (Fetch/Transform/Matrix) -> scores (Drain -> Vector) -> probs (Vector -> Store)
//	  -> probsMat (Store -> Transform) -> pv (Transform/Matrix) -> store or pvOut (Drain -> Vector)
type emitter struct {
	c    *Config
	ops  Operands
	mode Mode

	qk, pv *gemm.Reduction

	scores, probs, probsMat *stage.Stage
	mask                    tiles.Tile
	rowMax, rowSum          tiles.Tile

	// Streaming only.
	pvOut, out        *stage.Stage
	m, mNew, l, alpha tiles.Tile
}

func newEmitter(c *Config, ops Operands, plan *tiers.Plan) (e *emitter, err error) {
	err = exceptions.TryCatch[error](func() { e = buildEmitter(c, ops, plan) })
	return
}

func buildEmitter(c *Config, ops Operands, plan *tiers.Plan) *emitter {
	pool := events.NewPool()
	dtype := ops.Q.DType()
	e := &emitter{c: c, ops: ops, mode: c.schedule()}
	var err error
	e.qk, err = gemm.NewReduction("qk", gemm.Tiling{DType: dtype, TileM: c.BlockQ, TileN: c.BlockKV, TileK: c.Dim, Period: 1},
		plan, pool)
	if err != nil {
		panic(err)
	}
	e.pv, err = gemm.NewReduction("pv", gemm.Tiling{DType: dtype, TileM: c.BlockQ, TileN: c.Dim, TileK: c.BlockKV, Period: 1,
		StagedA: true}, plan, pool)
	if err != nil {
		panic(err)
	}

	vec := func(name string, dtype dtypes.DType, rows, cols int) tiles.Tile {
		return plan.Append(name, tiles.Must(tiles.Spec{DType: dtype, Tier: tiles.TierVec, Rows: rows, Cols: cols}))
	}
	pair := func(name string, spec tiles.Spec, producer, consumer pipes.Pipe) *stage.Stage {
		return stage.Must(name, plan.AppendPair(name, tiles.Must(spec)), producer, consumer, pool)
	}
	e.scores = pair("scores", tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: c.BlockQ, Cols: c.BlockKV},
		pipes.Drain, pipes.Vector)
	e.probs = pair("probs", tiles.Spec{DType: dtype, Tier: tiles.TierVec, Rows: c.BlockQ, Cols: c.BlockKV},
		pipes.Vector, pipes.Store)
	e.probsMat = pair("probs.mat", tiles.Spec{DType: dtype, Tier: tiles.TierMat, Rows: c.BlockQ, Cols: c.BlockKV,
		Format: tiles.FormatNZ}, pipes.Store, pipes.Transform)
	e.rowMax = vec("row.max", dtypes.Float32, c.BlockQ, 1)
	e.rowSum = vec("row.sum", dtypes.Float32, c.BlockQ, 1)
	if c.Causal {
		e.mask = vec("mask", dtypes.Float32, c.BlockQ, c.BlockKV)
	}
	if e.mode == ModeStreaming {
		e.pvOut = pair("pv.out", tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: c.BlockQ, Cols: c.Dim},
			pipes.Drain, pipes.Vector)
		e.out = pair("out", tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: c.BlockQ, Cols: c.Dim},
			pipes.Vector, pipes.Store)
		e.m = vec("row.m", dtypes.Float32, c.BlockQ, 1)
		e.mNew = vec("row.m_new", dtypes.Float32, c.BlockQ, 1)
		e.l = vec("row.l", dtypes.Float32, c.BlockQ, 1)
		e.alpha = vec("row.alpha", dtypes.Float32, c.BlockQ, 1)
	}
	return e
}

func (e *emitter) stages() []*stage.Stage {
	stages := []*stage.Stage{e.scores, e.probs, e.probsMat}
	if e.mode == ModeStreaming {
		stages = append(stages, e.pvOut, e.out)
	}
	return stages
}

func (e *emitter) emit(b *program.Builder, block, blockDim int) {
	c := e.c
	if block >= c.units() {
		return
	}
	e.qk.Prime(b)
	e.pv.Prime(b)
	for _, s := range e.stages() {
		s.Prime(b)
	}
	for u := block; u < c.units(); u += blockDim {
		batch, head, qBlock := c.unit(u)
		q := e.ops.Q.At(batch, head)
		kt := e.ops.K.At(batch, head).Transposed()
		v := e.ops.V.At(batch, head)
		o := e.ops.O.At(batch, head)
		qStart := qBlock * c.BlockQ
		if e.mode == ModeStreaming {
			e.streamingBlock(b, q, kt, v, o, qStart)
		} else {
			e.fusedBlock(b, q, kt, v, o, qStart)
		}
	}
	e.qk.Finish(b)
	e.pv.Finish(b)
	for _, s := range e.stages() {
		s.Finish(b)
	}
}

// normalize issues the row softmax chain over the valid region of s, in place: row maximum,
// subtraction of the maximum, exponentiation, row sum, and division by the sum. The steps run
// on the Vector pipeline one after the other, so they need no events between them.
//
// rowMax and rowSum are scratch tiles with the rows of s and one column.
func normalize(b *program.Builder, s, rowMax, rowSum tiles.Tile) tiles.Tile {
	m := tileops.RowMax(b, rowMax, s)
	tileops.RowExpandSub(b, s, s, m)
	tileops.Exp(b, s, s)
	l := tileops.RowSum(b, rowSum, s)
	return tileops.RowExpandDiv(b, s, s, l)
}

// scoreBlock issues the scores of the queries against one block of keys, drains them to the
// vector tier, and acquires them there, scaled and masked.
func (e *emitter) scoreBlock(b *program.Builder, q, kt tiles.GlobalTensor, qStart, kvStart int) tiles.Tile {
	c := e.c
	e.qk.Run(b, gemm.Task{
		A: gemm.GlobalOperand(q.Window(qStart, 0, c.BlockQ, c.Dim)),
		B: gemm.GlobalOperand(kt.Window(0, kvStart, c.Dim, c.BlockKV)),
	})
	var s tiles.Tile
	e.scores.Fill(b, func(slot tiles.Tile) {
		e.qk.Drain(b, func(acc tiles.Tile) { s = tileops.MovAcc(b, slot, acc) })
	})
	e.scores.Acquire(b)
	tileops.Muls(b, s, s, c.Scale)
	if c.Causal {
		// Query qStart+r sees the keys up to column r+qStart-kvStart of the block.
		tileops.Tri(b, e.mask, qStart-kvStart, math.Inf(-1))
		tileops.Add(b, s, s, e.mask)
	}
	return s
}

// stageProbs converts the probabilities to the input dtype and moves them to the staging tier,
// where they become the left operand of P·V. The scores slot is released. The padding of the
// staged tile is zero, so it adds nothing to the products.
func (e *emitter) stageProbs(b *program.Builder, s tiles.Tile) tiles.Tile {
	var probs, staged tiles.Tile
	e.probs.Fill(b, func(slot tiles.Tile) {
		tileops.Expands(b, slot, 0)
		probs = tileops.Cvt(b, slot.WithValid(s.ValidRows(), s.ValidCols()), s)
	})
	e.scores.Release(b)
	e.probsMat.Fill(b, func(slot tiles.Tile) {
		e.probs.Acquire(b)
		staged = tileops.MovVec(b, slot, probs)
		e.probs.Release(b)
	})
	return staged
}

// fusedBlock normalizes complete rows of scores: all keys fit in one block.
func (e *emitter) fusedBlock(b *program.Builder, q, kt, v, o tiles.GlobalTensor, qStart int) {
	c := e.c
	s := e.scoreBlock(b, q, kt, qStart, 0)
	normalize(b, s, e.rowMax, e.rowSum)
	p := e.stageProbs(b, s)

	e.probsMat.Acquire(b)
	e.pv.Run(b, gemm.Task{A: gemm.StagedOperand(p), B: gemm.GlobalOperand(v)})
	e.probsMat.Release(b)
	e.pv.Store(b, o.Window(qStart, 0, c.BlockQ, c.Dim))
}

// streamingBlock walks the blocks of keys with a running row maximum m and sum l:
//
//	m' = max(m, rowmax(S)), alpha = exp(m - m'), P = exp(S - m')
//	l = l*alpha + rowsum(P), O = O*alpha + P·V
//
// and divides O by l at the end. Blocks entirely above the causal diagonal are skipped.
func (e *emitter) streamingBlock(b *program.Builder, q, kt, v, o tiles.GlobalTensor, qStart int) {
	c := e.c
	qLen := min(c.BlockQ, c.Seq-qStart)
	rows := func(t tiles.Tile) tiles.Tile { return t.WithValid(qLen, 1) }
	m, mNew, l, alpha := rows(e.m), rows(e.mNew), rows(e.l), rows(e.alpha)

	acc := e.out.BeginFill(b).WithValid(qLen, c.Dim)
	tileops.Expands(b, m, math.Inf(-1))
	tileops.Expands(b, l, 0)
	tileops.Expands(b, acc, 0)
	for kvStart := 0; kvStart < c.KVSeq; kvStart += c.BlockKV {
		if c.Causal && kvStart > qStart+qLen-1 {
			break
		}
		s := e.scoreBlock(b, q, kt, qStart, kvStart)
		tileops.Max(b, mNew, m, tileops.RowMax(b, e.rowMax, s))
		tileops.Sub(b, alpha, m, mNew)
		tileops.Exp(b, alpha, alpha)
		tileops.RowExpandSub(b, s, s, mNew)
		tileops.Exp(b, s, s)
		tileops.Mul(b, l, l, alpha)
		tileops.Add(b, l, l, tileops.RowSum(b, e.rowSum, s))
		tileops.Copy(b, m, mNew)
		p := e.stageProbs(b, s)

		e.probsMat.Acquire(b)
		e.pv.Run(b, gemm.Task{A: gemm.StagedOperand(p), B: gemm.GlobalOperand(v.Window(kvStart, 0, c.BlockKV, c.Dim))})
		e.probsMat.Release(b)
		var pv tiles.Tile
		e.pvOut.Fill(b, func(slot tiles.Tile) {
			e.pv.Drain(b, func(acc tiles.Tile) { pv = tileops.MovAcc(b, slot, acc) })
		})
		e.pvOut.Acquire(b)
		tileops.RowExpandMul(b, acc, acc, alpha)
		tileops.Add(b, acc, acc, pv)
		e.pvOut.Release(b)
	}
	tileops.RowExpandDiv(b, acc, acc, l)
	e.out.EndFill(b)

	e.out.Acquire(b)
	tileops.StoreVec(b, o.Window(qStart, 0, c.BlockQ, c.Dim), acc)
	e.out.Release(b)
}
