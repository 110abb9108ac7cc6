// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

var vectorDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32}

// elementwise issues a vector operation computing each element of the valid region of dst from
// the elements at the same position of srcs.
func elementwise(b *program.Builder, op pipes.Op, dst tiles.Tile, srcs []tiles.Tile, fn func(x []float64) float64) tiles.Tile {
	checkTier(op, dst, "destination", tiles.TierVec)
	for _, src := range srcs {
		checkTier(op, src, "source", tiles.TierVec)
	}
	checkSameShape(op, dst, srcs...)
	_, run := selectLoop(dst.ValidRows(), dst.ValidCols(), append([]tiles.Tile{dst}, srcs...)...)
	exec := func(mem program.Memory) {
		out := mem.Tier(dst.Tier())
		ins := make([][]byte, len(srcs))
		for k, src := range srcs {
			ins[k] = mem.Tier(src.Tier())
		}
		x := make([]float64, len(srcs))
		run(func(_ int, idx []int) {
			for k, src := range srcs {
				x[k] = src.DType().Get(ins[k], idx[k+1])
			}
			dst.DType().Put(out, idx[0], fn(x))
		})
	}
	accesses := append(readAll(srcs...), program.TileAccess(dst, true))
	b.Issue(op, vectorLabel(dst, srcs), dst.ValidRows()*dst.ValidCols(), exec, accesses...)
	return dst
}

func vectorLabel(dst tiles.Tile, srcs []tiles.Tile) string {
	if len(srcs) == 0 {
		return label(dst)
	}
	if len(srcs) == 1 {
		return label(dst, srcs[0])
	}
	return label(dst, srcs[0], srcs[1])
}

func binary(b *program.Builder, op pipes.Op, dst, x, y tiles.Tile, fn func(x, y float64) float64) tiles.Tile {
	checkDType(op, dst.DType(), "destination", vectorDTypes...)
	return elementwise(b, op, dst, []tiles.Tile{x, y}, func(v []float64) float64 { return fn(v[0], v[1]) })
}

// Add issues dst = x + y.
func Add(b *program.Builder, dst, x, y tiles.Tile) tiles.Tile {
	return binary(b, pipes.OpAdd, dst, x, y, func(x, y float64) float64 { return x + y })
}

// Sub issues dst = x - y.
func Sub(b *program.Builder, dst, x, y tiles.Tile) tiles.Tile {
	return binary(b, pipes.OpSub, dst, x, y, func(x, y float64) float64 { return x - y })
}

// Mul issues dst = x * y.
func Mul(b *program.Builder, dst, x, y tiles.Tile) tiles.Tile {
	return binary(b, pipes.OpMul, dst, x, y, func(x, y float64) float64 { return x * y })
}

// Div issues dst = x / y.
func Div(b *program.Builder, dst, x, y tiles.Tile) tiles.Tile {
	return binary(b, pipes.OpDiv, dst, x, y, func(x, y float64) float64 { return x / y })
}

// Max issues dst = max(x, y).
func Max(b *program.Builder, dst, x, y tiles.Tile) tiles.Tile {
	return binary(b, pipes.OpMax, dst, x, y, math.Max)
}

// Muls issues dst = src * scalar.
func Muls(b *program.Builder, dst, src tiles.Tile, scalar float64) tiles.Tile {
	checkDType(pipes.OpMuls, dst.DType(), "destination", vectorDTypes...)
	return elementwise(b, pipes.OpMuls, dst, []tiles.Tile{src}, func(x []float64) float64 { return x[0] * scalar })
}

// Adds issues dst = src + scalar.
func Adds(b *program.Builder, dst, src tiles.Tile, scalar float64) tiles.Tile {
	checkDType(pipes.OpAdds, dst.DType(), "destination", vectorDTypes...)
	return elementwise(b, pipes.OpAdds, dst, []tiles.Tile{src}, func(x []float64) float64 { return x[0] + scalar })
}

// Exp issues dst = exp(src).
func Exp(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	checkDType(pipes.OpExp, dst.DType(), "destination", vectorDTypes...)
	return elementwise(b, pipes.OpExp, dst, []tiles.Tile{src}, func(x []float64) float64 { return math.Exp(x[0]) })
}

// Copy issues dst = src, for tiles of the same dtype.
func Copy(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	if dst.DType() != src.DType() {
		exceptions.Panicf("%s: cannot copy %s into %s: dtypes differ, use Cvt", pipes.OpCopy, src, dst)
	}
	return elementwise(b, pipes.OpCopy, dst, []tiles.Tile{src}, func(x []float64) float64 { return x[0] })
}

// Cvt converts src to the dtype of dst. Float results are rounded to the nearest representable
// value; integer results are rounded half to even and saturated.
func Cvt(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	return elementwise(b, pipes.OpCvt, dst, []tiles.Tile{src}, func(x []float64) float64 { return x[0] })
}

// QuantParams configures Quant.
type QuantParams struct {
	// InvScale multiplies the input: quantized = x * InvScale (+ ZeroPoint).
	InvScale float64

	// ZeroPoint is added after scaling, for asymmetric quantization.
	ZeroPoint float64

	// Asymmetric selects Uint8 outputs with a zero point, instead of symmetric Int8 outputs.
	Asymmetric bool
}

// Quant quantizes src into an Int8 (symmetric) or Uint8 (asymmetric) tile: the scaled value is
// rounded to half precision first, then rounded half to even and saturated to the output range.
func Quant(b *program.Builder, dst, src tiles.Tile, params QuantParams) tiles.Tile {
	op := pipes.OpQuant
	want := dtypes.Int8
	if params.Asymmetric {
		want = dtypes.Uint8
	}
	checkDType(op, dst.DType(), "destination", want)
	checkDType(op, src.DType(), "source", vectorDTypes...)
	if params.InvScale == 0 || math.IsNaN(params.InvScale) || math.IsInf(params.InvScale, 0) {
		exceptions.Panicf("%s: invalid inverse scale %g", op, params.InvScale)
	}
	if !params.Asymmetric && params.ZeroPoint != 0 {
		exceptions.Panicf("%s: symmetric quantization has no zero point, got %g", op, params.ZeroPoint)
	}
	return elementwise(b, op, dst, []tiles.Tile{src}, func(x []float64) float64 {
		return dtypes.Float16.Round(x[0]*params.InvScale + params.ZeroPoint)
	})
}

// checkRowTile validates a per-row tile (one value per row, in column 0) against t.
func checkRowTile(op pipes.Op, rowTile, t tiles.Tile, role string) {
	checkTier(op, rowTile, role, tiles.TierVec)
	if rowTile.Rows() != t.Rows() {
		exceptions.Panicf("%s: %s %s must have the %d rows of %s", op, role, rowTile, t.Rows(), t)
	}
}

func rowReduce(b *program.Builder, op pipes.Op, dst, src tiles.Tile, init float64, fn func(acc, x float64) float64) tiles.Tile {
	checkTier(op, src, "source", tiles.TierVec)
	checkRowTile(op, dst, src, "destination")
	checkDType(op, dst.DType(), "destination", vectorDTypes...)
	dst = dst.WithValid(src.ValidRows(), 1)
	exec := func(mem program.Memory) {
		in, out := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		for r := range src.ValidRows() {
			acc := init
			for c := range src.ValidCols() {
				acc = fn(acc, src.DType().Get(in, src.Index(r, c)))
			}
			dst.DType().Put(out, dst.Index(r, 0), acc)
		}
	}
	b.Issue(op, label(dst, src), src.ValidRows()*src.ValidCols(), exec,
		program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// RowMax writes the maximum of each row of the valid region of src to column 0 of dst.
func RowMax(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	return rowReduce(b, pipes.OpRowMax, dst, src, math.Inf(-1), math.Max)
}

// RowSum writes the sum of each row of the valid region of src to column 0 of dst.
func RowSum(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	return rowReduce(b, pipes.OpRowSum, dst, src, 0, func(acc, x float64) float64 { return acc + x })
}

func rowExpand(b *program.Builder, op pipes.Op, dst, src, rowTile tiles.Tile, fn func(x, r float64) float64) tiles.Tile {
	checkTier(op, dst, "destination", tiles.TierVec)
	checkTier(op, src, "source", tiles.TierVec)
	checkSameShape(op, dst, src)
	checkRowTile(op, rowTile, dst, "row operand")
	checkDType(op, dst.DType(), "destination", vectorDTypes...)
	_, run := selectLoop(dst.ValidRows(), dst.ValidCols(), dst, src)
	exec := func(mem program.Memory) {
		in, out, rows := mem.Tier(src.Tier()), mem.Tier(dst.Tier()), mem.Tier(rowTile.Tier())
		run(func(row int, idx []int) {
			r := rowTile.DType().Get(rows, rowTile.Index(row, 0))
			dst.DType().Put(out, idx[0], fn(src.DType().Get(in, idx[1]), r))
		})
	}
	b.Issue(op, label(dst, src, rowTile), dst.ValidRows()*dst.ValidCols(), exec,
		program.TileAccess(src, false), program.TileAccess(rowTile, false), program.TileAccess(dst, true))
	return dst
}

// RowExpandSub issues dst[r][c] = src[r][c] - rows[r], where rows holds one value per row in column 0.
func RowExpandSub(b *program.Builder, dst, src, rows tiles.Tile) tiles.Tile {
	return rowExpand(b, pipes.OpRowExpandSub, dst, src, rows, func(x, r float64) float64 { return x - r })
}

// RowExpandMul issues dst[r][c] = src[r][c] * rows[r].
func RowExpandMul(b *program.Builder, dst, src, rows tiles.Tile) tiles.Tile {
	return rowExpand(b, pipes.OpRowExpandMul, dst, src, rows, func(x, r float64) float64 { return x * r })
}

// RowExpandDiv issues dst[r][c] = src[r][c] / rows[r].
func RowExpandDiv(b *program.Builder, dst, src, rows tiles.Tile) tiles.Tile {
	return rowExpand(b, pipes.OpRowExpandDiv, dst, src, rows, func(x, r float64) float64 { return x / r })
}

// fill issues an operation writing every element of dst, padding included.
func fill(b *program.Builder, op pipes.Op, dst tiles.Tile, fn func(r, c int) float64) tiles.Tile {
	checkTier(op, dst, "destination", tiles.TierVec)
	exec := func(mem program.Memory) {
		out := mem.Tier(dst.Tier())
		for r := range dst.Rows() {
			for c := range dst.Cols() {
				dst.DType().Put(out, dst.Index(r, c), fn(r, c))
			}
		}
	}
	b.Issue(op, label(dst), dst.Len(), exec, program.TileAccess(dst, true))
	return dst
}

// Expands fills the whole tile, padding included, with value.
func Expands(b *program.Builder, dst tiles.Tile, value float64) tiles.Tile {
	return fill(b, pipes.OpExpands, dst, func(_, _ int) float64 { return value })
}

// Tri fills the whole tile with a triangular mask: 0 where col <= row + diagonal, and value above.
// Added to attention scores with value = -Inf, it is the causal mask of a block whose first query
// row is diagonal positions after its first key column.
func Tri(b *program.Builder, dst tiles.Tile, diagonal int, value float64) tiles.Tile {
	checkDType(pipes.OpTri, dst.DType(), "destination", vectorDTypes...)
	return fill(b, pipes.OpTri, dst, func(r, c int) float64 {
		if c <= r+diagonal {
			return 0
		}
		return value
	})
}

// Mask overwrites with value the elements of each valid row of dst at or beyond the row length,
// read from column 0 of lengths.
func Mask(b *program.Builder, dst, lengths tiles.Tile, value float64) tiles.Tile {
	op := pipes.OpMask
	checkTier(op, dst, "destination", tiles.TierVec)
	checkRowTile(op, lengths, dst, "lengths")
	checkDType(op, lengths.DType(), "lengths", dtypes.Int32)
	exec := func(mem program.Memory) {
		out, lens := mem.Tier(dst.Tier()), mem.Tier(lengths.Tier())
		for r := range dst.ValidRows() {
			n := int(lengths.DType().Get(lens, lengths.Index(r, 0)))
			for c := max(n, 0); c < dst.ValidCols(); c++ {
				dst.DType().Put(out, dst.Index(r, c), value)
			}
		}
	}
	b.Issue(op, label(dst, lengths), dst.ValidRows()*dst.ValidCols(), exec,
		program.TileAccess(lengths, false), program.TileAccess(dst, false), program.TileAccess(dst, true))
	return dst
}
