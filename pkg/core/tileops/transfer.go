// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

// Load copies a bulk memory view into a staging (Mat) or scratch (Vec) tile, on the Fetch pipeline.
//
// The view becomes the valid region of the tile, and the rest of the tile is filled according to
// its PadValue. The dtypes must be equal: the fetch engine doesn't convert.
func Load(b *program.Builder, dst tiles.Tile, src tiles.GlobalTensor) tiles.Tile {
	op := pipes.OpLoad
	checkTier(op, dst, "destination", tiles.TierMat, tiles.TierVec)
	if src.IsZero() {
		exceptions.Panicf("%s: source view is not defined", op)
	}
	if src.DType() != dst.DType() {
		exceptions.Panicf("%s: cannot load %s into %s: dtypes differ", op, src, dst)
	}
	if src.Rows() > dst.Rows() || src.Cols() > dst.Cols() {
		exceptions.Panicf("%s: view %s doesn't fit in %s", op, src, dst)
	}
	dst = dst.WithValid(src.Rows(), src.Cols())
	dtype := dst.DType()
	pad, padded := dst.Pad().Value(dtype)
	exec := func(mem program.Memory) {
		from, to := mem.Bulk(src.Buffer()), mem.Tier(dst.Tier())
		for r := range dst.Rows() {
			for c := range dst.Cols() {
				switch {
				case r < dst.ValidRows() && c < dst.ValidCols():
					dtype.Put(to, dst.Index(r, c), dtype.Get(from, src.Index(r, c)))
				case padded:
					dtype.Put(to, dst.Index(r, c), pad)
				}
			}
		}
	}
	work := src.Rows() * src.Cols() * dtype.Size()
	b.Issue(op, label(dst, src), work, exec, program.GlobalAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// Extract copies the window of src starting at (row, col), with the shape of dst, from a staging
// tile into a matrix-unit operand tile (Left or Right), converting the layout on the way.
//
// The whole window is copied, padding included, so the padding declared when src was loaded
// reaches the matrix unit. The valid region of the result is the part of the window inside the
// valid region of src.
func Extract(b *program.Builder, dst, src tiles.Tile, row, col int) tiles.Tile {
	op := pipes.OpExtract
	checkTier(op, src, "source", tiles.TierMat)
	checkTier(op, dst, "destination", tiles.TierLeft, tiles.TierRight)
	if src.DType() != dst.DType() {
		exceptions.Panicf("%s: cannot extract from %s into %s: dtypes differ", op, src, dst)
	}
	if row < 0 || col < 0 || row+dst.Rows() > src.Rows() || col+dst.Cols() > src.Cols() {
		exceptions.Panicf("%s: window %dx%d at (%d, %d) is out of %s", op, dst.Rows(), dst.Cols(), row, col, src)
	}
	validRows, validCols := min(src.ValidRows()-row, dst.Rows()), min(src.ValidCols()-col, dst.Cols())
	if validRows <= 0 || validCols <= 0 {
		exceptions.Panicf("%s: window at (%d, %d) is outside the valid region of %s", op, row, col, src)
	}
	dst = dst.WithValid(validRows, validCols)
	dtype := dst.DType()
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		for r := range dst.Rows() {
			for c := range dst.Cols() {
				dtype.Put(to, dst.Index(r, c), dtype.Get(from, src.Index(row+r, col+c)))
			}
		}
	}
	b.Issue(op, label(dst, src), dst.Bytes(), exec, program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// MovBias copies a staged row into the bias side-channel, converted to Float32.
func MovBias(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	return movSideChannel(b, pipes.OpMovBias, tiles.TierBias, dst, src)
}

// MovScaling copies a staged row of dequantization scales into the scaling side-channel,
// converted to Float32.
func MovScaling(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	return movSideChannel(b, pipes.OpMovScaling, tiles.TierScaling, dst, src)
}

func movSideChannel(b *program.Builder, op pipes.Op, tier tiles.Tier, dst, src tiles.Tile) tiles.Tile {
	checkTier(op, src, "source", tiles.TierMat)
	checkTier(op, dst, "destination", tier)
	checkDType(op, src.DType(), "source", dtypes.Float16, dtypes.BFloat16, dtypes.Float32)
	if src.Rows() != 1 || src.Cols() != dst.Cols() {
		exceptions.Panicf("%s: source %s must be a single row of %d columns", op, src, dst.Cols())
	}
	dst = dst.WithValid(1, src.ValidCols())
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		for c := range dst.ValidCols() {
			dst.DType().Put(to, dst.Index(0, c), src.DType().Get(from, src.Index(0, c)))
		}
	}
	b.Issue(op, label(dst, src), dst.Bytes(), exec, program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// accOutputs lists the dtypes an accumulator can be drained to, with and without dequantization.
func accOutputs(acc dtypes.DType, dequant bool) []dtypes.DType {
	if acc == dtypes.Int32 && !dequant {
		return []dtypes.DType{dtypes.Int32}
	}
	return []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16}
}

// StoreAcc drains the valid region of an accumulator to bulk memory, converting to the dtype of
// the view, on the Drain pipeline. The view must have the shape of the valid region.
//
// It honors the scoped states StateRelu and StateAtomicAdd.
func StoreAcc(b *program.Builder, dst tiles.GlobalTensor, src tiles.Tile) {
	storeAcc(b, dst, src, tiles.Tile{})
}

// StoreAccDequant is StoreAcc for Int32 accumulators of quantized products: every column is
// multiplied by its scale, read from the scaling side-channel, before conversion.
func StoreAccDequant(b *program.Builder, dst tiles.GlobalTensor, src, scale tiles.Tile) {
	op := pipes.OpStoreAcc
	checkTier(op, scale, "scale", tiles.TierScaling)
	if scale.ValidCols() < src.ValidCols() {
		exceptions.Panicf("%s: scale %s has fewer columns than the valid region of %s", op, scale, src)
	}
	storeAcc(b, dst, src, scale)
}

func storeAcc(b *program.Builder, dst tiles.GlobalTensor, src, scale tiles.Tile) {
	op := pipes.OpStoreAcc
	checkTier(op, src, "source", tiles.TierAcc)
	checkGlobalRegion(op, dst, src)
	dequant := !scale.IsZero()
	checkDType(op, dst.DType(), "destination", accOutputs(src.DType(), dequant)...)
	relu := program.State(b, StateRelu, false)
	atomic := program.State(b, StateAtomicAdd, false)
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Bulk(dst.Buffer())
		var scales []float64
		if dequant {
			scales = decode(mem, scale, 1, src.ValidCols())
		}
		write := func() {
			for r := range src.ValidRows() {
				for c := range src.ValidCols() {
					v := src.DType().Get(from, src.Index(r, c))
					if dequant {
						v *= scales[c]
					}
					if relu {
						v = max(v, 0)
					}
					idx := dst.Index(r, c)
					if atomic {
						v += dst.DType().Get(to, idx)
					}
					dst.DType().Put(to, idx, v)
				}
			}
		}
		if atomic {
			mem.Atomic(write)
		} else {
			write()
		}
	}
	accesses := []program.Access{program.TileAccess(src, false), program.GlobalAccess(dst, true)}
	if dequant {
		accesses = append(accesses, program.TileAccess(scale, false))
	}
	b.Issue(op, label(dst, src), src.ValidRows()*src.ValidCols()*dst.DType().Size(), exec, accesses...)
}

// MovAcc drains the valid region of an accumulator into a scratch (Vec) or staging (Mat) tile of
// the same shape, converting to its dtype, on the Drain pipeline. It honors StateRelu.
func MovAcc(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	op := pipes.OpMovAcc
	checkTier(op, src, "source", tiles.TierAcc)
	checkTier(op, dst, "destination", tiles.TierVec, tiles.TierMat)
	checkSameShape(op, dst, src)
	checkDType(op, dst.DType(), "destination", accOutputs(src.DType(), false)...)
	relu := program.State(b, StateRelu, false)
	dst = dst.WithValid(src.ValidRows(), src.ValidCols())
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		for r := range dst.ValidRows() {
			for c := range dst.ValidCols() {
				v := src.DType().Get(from, src.Index(r, c))
				if relu {
					v = max(v, 0)
				}
				dst.DType().Put(to, dst.Index(r, c), v)
			}
		}
	}
	b.Issue(op, label(dst, src), dst.Bytes(), exec, program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// StoreVec writes the valid region of a scratch tile to bulk memory, converting to the dtype of the
// view, on the Store pipeline. It honors StateAtomicAdd.
func StoreVec(b *program.Builder, dst tiles.GlobalTensor, src tiles.Tile) {
	op := pipes.OpStoreVec
	checkTier(op, src, "source", tiles.TierVec)
	checkGlobalRegion(op, dst, src)
	atomic := program.State(b, StateAtomicAdd, false)
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Bulk(dst.Buffer())
		write := func() {
			for r := range src.ValidRows() {
				for c := range src.ValidCols() {
					v := src.DType().Get(from, src.Index(r, c))
					idx := dst.Index(r, c)
					if atomic {
						v += dst.DType().Get(to, idx)
					}
					dst.DType().Put(to, idx, v)
				}
			}
		}
		if atomic {
			mem.Atomic(write)
		} else {
			write()
		}
	}
	b.Issue(op, label(dst, src), src.ValidRows()*src.ValidCols()*dst.DType().Size(), exec,
		program.TileAccess(src, false), program.GlobalAccess(dst, true))
}

// MovVec copies a scratch tile into a staging tile of the same shape and dtype, on the Store
// pipeline: it is how vector results become matrix-unit operands. The whole tile is copied,
// padding included.
func MovVec(b *program.Builder, dst, src tiles.Tile) tiles.Tile {
	op := pipes.OpMovVec
	checkTier(op, src, "source", tiles.TierVec)
	checkTier(op, dst, "destination", tiles.TierMat)
	checkSameShape(op, dst, src)
	if src.DType() != dst.DType() {
		exceptions.Panicf("%s: cannot move %s into %s: dtypes differ", op, src, dst)
	}
	dst = dst.WithValid(src.ValidRows(), src.ValidCols())
	exec := func(mem program.Memory) {
		from, to := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		for r := range dst.Rows() {
			for c := range dst.Cols() {
				dst.DType().Put(to, dst.Index(r, c), src.DType().Get(from, src.Index(r, c)))
			}
		}
	}
	b.Issue(op, label(dst, src), dst.Bytes(), exec, program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}
