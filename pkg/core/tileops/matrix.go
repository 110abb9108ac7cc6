// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

// AccumulatorDType returns the accumulator dtype of the matrix unit for inputs of the given dtype:
// Float32 for float inputs, Int32 for Int8 inputs. It returns InvalidDType for unsupported inputs.
func AccumulatorDType(input dtypes.DType) dtypes.DType {
	switch input {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32:
		return dtypes.Float32
	case dtypes.Int8:
		return dtypes.Int32
	}
	return dtypes.InvalidDType
}

// Matmul initializes the accumulator c with the product of the left operand a (M x K) and the
// right operand b (K x N).
func Matmul(b *program.Builder, c, left, right tiles.Tile) tiles.Tile {
	return matmul(b, pipes.OpMatmul, c, left, right, tiles.Tile{})
}

// MatmulAcc adds the product of left and right to the accumulator c.
func MatmulAcc(b *program.Builder, c, left, right tiles.Tile) tiles.Tile {
	return matmul(b, pipes.OpMatmulAcc, c, left, right, tiles.Tile{})
}

// MatmulBias initializes the accumulator c with the product of left and right, plus the bias row
// (from the bias side-channel) broadcast over the rows.
func MatmulBias(b *program.Builder, c, left, right, bias tiles.Tile) tiles.Tile {
	op := pipes.OpMatmulBias
	checkTier(op, bias, "bias", tiles.TierBias)
	if bias.Cols() != c.Cols() {
		exceptions.Panicf("%s: bias %s doesn't match the columns of %s", op, bias, c)
	}
	return matmul(b, op, c, left, right, bias)
}

func matmul(b *program.Builder, op pipes.Op, c, left, right, bias tiles.Tile) tiles.Tile {
	checkTier(op, left, "left", tiles.TierLeft)
	checkTier(op, right, "right", tiles.TierRight)
	checkTier(op, c, "accumulator", tiles.TierAcc)
	if left.DType() != right.DType() {
		exceptions.Panicf("%s: operands %s and %s have different dtypes", op, left, right)
	}
	if accDType := AccumulatorDType(left.DType()); accDType != c.DType() {
		exceptions.Panicf("%s: %s operands accumulate into %s, got accumulator %s", op, left.DType(), accDType, c)
	}
	m, k, n := left.Rows(), left.Cols(), right.Cols()
	if right.Rows() != k || c.Rows() != m || c.Cols() != n {
		exceptions.Panicf("%s: shapes don't match: %s x %s into %s", op, left, right, c)
	}
	c = c.WithValid(left.ValidRows(), right.ValidCols())
	accumulate := op == pipes.OpMatmulAcc
	exec := func(mem program.Memory) {
		a, bt := decode(mem, left, m, k), decode(mem, right, k, n)
		var biasRow []float64
		if !bias.IsZero() {
			biasRow = decode(mem, bias, 1, n)
		}
		out := mem.Tier(c.Tier())
		for i := range m {
			for j := range n {
				var sum float64
				switch {
				case accumulate:
					sum = c.DType().Get(out, c.Index(i, j))
				case biasRow != nil:
					sum = biasRow[j]
				}
				for kk := range k {
					sum += a[i*k+kk] * bt[kk*n+j]
				}
				c.DType().Put(out, c.Index(i, j), sum)
			}
		}
	}
	accesses := readAll(left, right)
	if accumulate {
		accesses = append(accesses, program.TileAccess(c, false))
	}
	if !bias.IsZero() {
		accesses = append(accesses, program.TileAccess(bias, false))
	}
	accesses = append(accesses, program.TileAccess(c, true))
	b.Issue(op, label(c, left, right), m*n*k, exec, accesses...)
	return c
}
