// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tileops issues the leaf numeric operations over tiles: data movement between tiers,
// matrix-unit multiply-accumulates, vector-unit elementwise and row operations, conversions,
// quantization, and sort/merge networks.
//
// Every function validates its operands when called (tiers, dtypes and static shapes), and panics
// with an exception if they don't match: the panic is converted to an error by program.BuildFunc,
// so invalid kernels are rejected before any instruction runs. The functions only issue the
// operation on its pipeline. The caller is responsible for the surrounding wait/record protocol.
//
// Tiles returned by the functions are the destination with the valid region of the result.
//
// Operations read and write the valid region of their tiles, with a few exceptions documented
// per function (Load pads, Extract copies the whole window, Expands and Tri fill whole tiles).
package tileops

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

// Keys of the scoped hardware state read by the drain and store operations.
const (
	// StateAtomicAdd (bool) makes StoreAcc and StoreVec add to bulk memory instead of overwriting it.
	StateAtomicAdd = "tileops.atomic_add"

	// StateRelu (bool) makes StoreAcc and MovAcc clamp negative values to zero.
	StateRelu = "tileops.relu"
)

// WithAtomicAdd issues the stores emitted by fn in atomic-add mode.
func WithAtomicAdd(b *program.Builder, fn func()) {
	b.WithState(StateAtomicAdd, true, fn)
}

// WithRelu issues the accumulator drains emitted by fn with a relu applied.
func WithRelu(b *program.Builder, fn func()) {
	b.WithState(StateRelu, true, fn)
}

func checkDefined(op pipes.Op, t tiles.Tile, role string) {
	if t.IsZero() {
		exceptions.Panicf("%s: %s tile is not defined", op, role)
	}
}

func checkTier(op pipes.Op, t tiles.Tile, role string, allowed ...tiles.Tier) {
	checkDefined(op, t, role)
	if !slices.Contains(allowed, t.Tier()) {
		exceptions.Panicf("%s: %s tile must be in tier %v, got %s", op, role, allowed, t)
	}
}

func checkDType(op pipes.Op, dtype dtypes.DType, role string, allowed ...dtypes.DType) {
	if !slices.Contains(allowed, dtype) {
		exceptions.Panicf("%s: %s dtype must be one of %v, got %s", op, role, allowed, dtype)
	}
}

// checkSameShape requires the tiles to have the same rows and columns. Formats may differ.
func checkSameShape(op pipes.Op, dst tiles.Tile, srcs ...tiles.Tile) {
	for _, src := range srcs {
		if src.Rows() != dst.Rows() || src.Cols() != dst.Cols() {
			exceptions.Panicf("%s: operand %s doesn't match the shape %dx%d of the destination %s",
				op, src, dst.Rows(), dst.Cols(), dst)
		}
	}
}

// checkGlobalRegion requires the bulk view to have exactly the valid region of the tile.
func checkGlobalRegion(op pipes.Op, g tiles.GlobalTensor, t tiles.Tile) {
	if g.IsZero() {
		exceptions.Panicf("%s: bulk view is not defined", op)
	}
	if g.Rows() != t.ValidRows() || g.Cols() != t.ValidCols() {
		exceptions.Panicf("%s: bulk view %s doesn't match the valid region %dx%d of %s",
			op, g, t.ValidRows(), t.ValidCols(), t)
	}
}

func label(dst fmt.Stringer, srcs ...fmt.Stringer) string {
	if len(srcs) == 0 {
		return dst.String()
	}
	s := dst.String() + " <-"
	for _, src := range srcs {
		s += " " + src.String()
	}
	return s
}

func readAll(ts ...tiles.Tile) []program.Access {
	accesses := make([]program.Access, 0, len(ts))
	for _, t := range ts {
		accesses = append(accesses, program.TileAccess(t, false))
	}
	return accesses
}

// decode reads the rows x cols top-left region of t into a row-major slice.
func decode(mem program.Memory, t tiles.Tile, rows, cols int) []float64 {
	buf := mem.Tier(t.Tier())
	values := make([]float64, rows*cols)
	for r := range rows {
		for c := range cols {
			values[r*cols+c] = t.DType().Get(buf, t.Index(r, c))
		}
	}
	return values
}
