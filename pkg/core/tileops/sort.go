// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

// SortBlock is the number of elements the sort network orders at once.
const SortBlock = 32

// MaxMergeLists is the maximum number of lists merged by one MrgSort.
const MaxMergeLists = 4

// Sorted lists are single-row Float32 tiles of (value, index) pairs: the value at even columns
// and its index, as a float, at the following odd column. A list of n pairs has 2n valid columns.

// Pair is one element of a sorted list.
type Pair struct {
	Value float32
	Index int
}

// Before returns whether p comes strictly before other in the order. Equal values keep their
// relative order (the sorts and merges are stable).
func (p Pair) Before(other Pair, descending bool) bool {
	if descending {
		return p.Value > other.Value
	}
	return p.Value < other.Value
}

// Worst returns the value placed after every other in the order, used to pad sorted lists.
func Worst(descending bool) float64 {
	if descending {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// PairsSpec returns the spec of a scratch tile holding n pairs. The row is rounded up to whole
// blocks of dtypes.BlockBytes, and the n pairs are its valid region.
func PairsSpec(n int) tiles.Spec {
	return tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 1, Cols: blockAligned(dtypes.Float32, 2*n), ValidCols: 2 * n}
}

// CountsSpec returns the spec of the Int32 scratch row MrgSort writes the number of pairs taken
// from each list to. Its valid region is the MaxMergeLists counts.
func CountsSpec() tiles.Spec {
	return tiles.Spec{DType: dtypes.Int32, Tier: tiles.TierVec, Rows: 1,
		Cols: blockAligned(dtypes.Int32, MaxMergeLists), ValidCols: MaxMergeLists}
}

// blockAligned rounds n elements of dtype up to whole blocks.
func blockAligned(dtype dtypes.DType, n int) int {
	perBlock := dtype.BlockElems()
	return (n + perBlock - 1) / perBlock * perBlock
}

// NumPairs returns the number of valid pairs of a list tile.
func NumPairs(t tiles.Tile) int {
	return t.ValidCols() / 2
}

func checkPairs(op pipes.Op, t tiles.Tile, role string) {
	checkTier(op, t, role, tiles.TierVec)
	if t.DType() != dtypes.Float32 || t.Rows() != 1 || t.Cols()%2 != 0 || t.ValidCols()%2 != 0 {
		exceptions.Panicf("%s: %s %s is not a single Float32 row of (value, index) pairs", op, role, t)
	}
}

func readPairs(buf []byte, t tiles.Tile, n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i].Value = float32(t.DType().Get(buf, t.Index(0, 2*i)))
		pairs[i].Index = int(t.DType().Get(buf, t.Index(0, 2*i+1)))
	}
	return pairs
}

func writePair(buf []byte, t tiles.Tile, i int, p Pair) {
	t.DType().Put(buf, t.Index(0, 2*i), float64(p.Value))
	t.DType().Put(buf, t.Index(0, 2*i+1), float64(p.Index))
}

// DecodePairs converts the values downloaded from a pairs buffer into pairs.
func DecodePairs(values []float32) []Pair {
	pairs := make([]Pair, len(values)/2)
	for i := range pairs {
		pairs[i] = Pair{Value: values[2*i], Index: int(values[2*i+1])}
	}
	return pairs
}

// Sort32 sorts each block of SortBlock elements of the single-row src independently, writing
// (value, index) pairs to dst, with index = indexBase + column. The whole row of src is sorted,
// padding included: load it with a padding of the worst value of the order.
func Sort32(b *program.Builder, dst, src tiles.Tile, indexBase int, descending bool) tiles.Tile {
	op := pipes.OpSort32
	checkTier(op, src, "source", tiles.TierVec)
	checkDType(op, src.DType(), "source", vectorDTypes...)
	checkPairs(op, dst, "destination")
	if src.Rows() != 1 || src.Cols()%SortBlock != 0 {
		exceptions.Panicf("%s: source %s must be a single row of a multiple of %d elements", op, src, SortBlock)
	}
	if dst.Cols() != 2*src.Cols() {
		exceptions.Panicf("%s: destination %s must hold %d pairs", op, dst, src.Cols())
	}
	dst = dst.WithValid(1, dst.Cols())
	exec := func(mem program.Memory) {
		in, out := mem.Tier(src.Tier()), mem.Tier(dst.Tier())
		block := make([]Pair, SortBlock)
		for start := 0; start < src.Cols(); start += SortBlock {
			for i := range block {
				block[i] = Pair{Value: float32(src.DType().Get(in, src.Index(0, start+i))), Index: indexBase + start + i}
			}
			slices.SortStableFunc(block, func(x, y Pair) int {
				switch {
				case x.Before(y, descending):
					return -1
				case y.Before(x, descending):
					return 1
				}
				return 0
			})
			for i, p := range block {
				writePair(out, dst, start+i, p)
			}
		}
	}
	b.Issue(op, label(dst, src), src.Cols(), exec, program.TileAccess(src, false), program.TileAccess(dst, true))
	return dst
}

// MergeOptions configures MrgSort.
type MergeOptions struct {
	// Limit is the maximum number of pairs written. 0 means no limit.
	Limit int

	Descending bool

	// Exhausted stops the merge as soon as one of the lists is used up, instead of merging all
	// of them. The number of pairs taken from each list is written to Counts.
	Exhausted bool

	// Counts, if defined, is a single-row Int32 scratch tile of at least MaxMergeLists columns,
	// where the number of pairs taken from each list is written.
	Counts tiles.Tile
}

// MrgSort merges 2 to 4 sorted lists into dst. Ties are taken from the lowest numbered list first.
//
// In bounded mode (the default) the output has min(Limit, total) pairs, and the result tile has
// that valid region. In exhausted mode the output length depends on the data: the result tile
// has the valid region of the bounded merge, and the pairs beyond the end of the exhausted merge
// are set to the worst value with index -1.
func MrgSort(b *program.Builder, dst tiles.Tile, lists []tiles.Tile, opts MergeOptions) tiles.Tile {
	op := pipes.OpMrgSort
	if len(lists) < 2 || len(lists) > MaxMergeLists {
		exceptions.Panicf("%s: merges 2 to %d lists, got %d", op, MaxMergeLists, len(lists))
	}
	checkPairs(op, dst, "destination")
	total := 0
	for _, list := range lists {
		checkPairs(op, list, "list")
		if list.Overlaps(dst) {
			exceptions.Panicf("%s: list %s overlaps the destination %s", op, list, dst)
		}
		total += NumPairs(list)
	}
	n := total
	if opts.Limit > 0 {
		n = min(n, opts.Limit)
	}
	if n == 0 {
		exceptions.Panicf("%s: nothing to merge", op)
	}
	if dst.Cols() < 2*n {
		exceptions.Panicf("%s: destination %s can't hold %d pairs", op, dst, n)
	}
	if opts.Exhausted && opts.Counts.IsZero() {
		exceptions.Panicf("%s: exhausted mode requires a counts tile", op)
	}
	counts := opts.Counts
	if !counts.IsZero() {
		checkTier(op, counts, "counts", tiles.TierVec)
		checkDType(op, counts.DType(), "counts", dtypes.Int32)
		if counts.Rows() != 1 || counts.ValidCols() < MaxMergeLists {
			exceptions.Panicf("%s: counts %s must be a single row of at least %d columns", op, counts, MaxMergeLists)
		}
	}
	dst = dst.WithValid(1, 2*n)
	descending := opts.Descending
	exec := func(mem program.Memory) {
		out := mem.Tier(dst.Tier())
		heads := make([][]Pair, len(lists))
		for i, list := range lists {
			heads[i] = readPairs(mem.Tier(list.Tier()), list, NumPairs(list))
		}
		taken := make([]int, MaxMergeLists)
		written := 0
		for written < n {
			best := -1
			for i, head := range heads {
				if taken[i] < len(head) && (best < 0 || head[taken[i]].Before(heads[best][taken[best]], descending)) {
					best = i
				}
			}
			if best < 0 {
				break
			}
			writePair(out, dst, written, heads[best][taken[best]])
			taken[best]++
			written++
			if opts.Exhausted && taken[best] == len(heads[best]) {
				break
			}
		}
		for i := written; i < n; i++ {
			writePair(out, dst, i, Pair{Value: float32(Worst(descending)), Index: -1})
		}
		if !counts.IsZero() {
			buf := mem.Tier(counts.Tier())
			for i, count := range taken {
				counts.DType().Put(buf, counts.Index(0, i), float64(count))
			}
		}
	}
	accesses := append(readAll(lists...), program.TileAccess(dst, true))
	if !counts.IsZero() {
		accesses = append(accesses, program.TileAccess(counts, true))
	}
	b.Issue(op, label(dst, lists[0], lists[1]), total, exec, accesses...)
	return dst
}
