// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tierBytes = 256 * 1024

// testMemory implements program.Memory with plain byte slices.
type testMemory struct {
	tiers [tiles.NumTiers][]byte
	bulk  map[tiles.BufferID][]byte
}

func newTestMemory() *testMemory {
	m := &testMemory{bulk: make(map[tiles.BufferID][]byte)}
	for tier := range m.tiers {
		m.tiers[tier] = make([]byte, tierBytes)
	}
	return m
}

func (m *testMemory) Tier(tier tiles.Tier) []byte   { return m.tiers[tier] }
func (m *testMemory) Bulk(id tiles.BufferID) []byte { return m.bulk[id] }
func (m *testMemory) Atomic(fn func())              { fn() }

func (m *testMemory) global(id tiles.BufferID, dtype dtypes.DType, values []float32, dims ...int) tiles.GlobalTensor {
	m.bulk[id] = dtypes.Encode(dtype, values)
	return tiles.MustGlobal(dtype, id, dims...)
}

// run emits with a new builder and executes the operations in emission order.
func run(t *testing.T, mem *testMemory, emit func(b *program.Builder)) *program.Program {
	p, err := program.BuildFunc(t.Name(), pipes.NewClassifier(), emit)
	require.NoError(t, err)
	for _, in := range p.Instructions {
		if in.Kind == program.KindOp {
			in.Exec(mem)
		}
	}
	return p
}

func buildErr(emit func(b *program.Builder)) error {
	_, err := program.BuildFunc("invalid", pipes.NewClassifier(), emit)
	return err
}

func setTile(mem *testMemory, t tiles.Tile, fn func(r, c int) float64) {
	buf := mem.Tier(t.Tier())
	for r := range t.Rows() {
		for c := range t.Cols() {
			t.DType().Put(buf, t.Index(r, c), fn(r, c))
		}
	}
}

func at(mem *testMemory, t tiles.Tile, r, c int) float64 {
	return t.DType().Get(mem.Tier(t.Tier()), t.Index(r, c))
}

func iota32(n int, fn func(i int) float32) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = fn(i)
	}
	return values
}

func TestLoad(t *testing.T) {
	mem := newTestMemory()
	src := mem.global(1, dtypes.Float16, iota32(20*30, func(i int) float32 { return float32(i % 97) }), 20, 30)
	for _, pad := range []tiles.PadValue{tiles.PadZero, tiles.PadMin} {
		dst := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierMat, Rows: 32, Cols: 32,
			Format: tiles.FormatNZ, Pad: pad})
		var loaded tiles.Tile
		run(t, mem, func(b *program.Builder) { loaded = Load(b, dst, src) })
		assert.Equal(t, 20, loaded.ValidRows())
		assert.Equal(t, 30, loaded.ValidCols())
		want, _ := pad.Value(dtypes.Float16)
		for r := range 32 {
			for c := range 32 {
				if r < 20 && c < 30 {
					require.Equal(t, float64((r*30+c)%97), at(mem, dst, r, c))
				} else {
					require.Equal(t, want, at(mem, dst, r, c), "padding at (%d, %d)", r, c)
				}
			}
		}
	}

	dst := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierMat, Rows: 16, Cols: 16})
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Load(b, dst, src) }), "dtypes differ")
	small := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierMat, Rows: 16, Cols: 32, Format: tiles.FormatNZ})
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Load(b, small, src) }), "doesn't fit")
	left := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierLeft, Rows: 32, Cols: 32, Format: tiles.FormatZZ})
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Load(b, left, src) }), "must be in tier")
}

func TestExtract(t *testing.T) {
	mem := newTestMemory()
	panel := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierMat, Rows: 32, Cols: 64, Format: tiles.FormatNZ}).
		WithValid(32, 40)
	setTile(mem, panel, func(r, c int) float64 { return float64(r*64 + c) })
	right := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierRight, Rows: 32, Cols: 32, Format: tiles.FormatZN})
	var got tiles.Tile
	run(t, mem, func(b *program.Builder) { got = Extract(b, right, panel, 0, 32) })
	assert.Equal(t, 32, got.ValidRows())
	assert.Equal(t, 8, got.ValidCols())
	for r := range 32 {
		for c := range 32 {
			require.Equal(t, float64(r*64+32+c), at(mem, right, r, c))
		}
	}

	require.ErrorContains(t, buildErr(func(b *program.Builder) { Extract(b, right, panel, 0, 48) }), "is out of")
	narrow := panel.WithValid(32, 16)
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Extract(b, right, narrow, 0, 32) }),
		"outside the valid region")
}

func TestMatmul(t *testing.T) {
	mem := newTestMemory()
	left := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierLeft, Rows: 32, Cols: 32, Format: tiles.FormatZZ})
	right := tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierRight, Rows: 32, Cols: 16, Format: tiles.FormatZN})
	acc := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierAcc, Rows: 32, Cols: 16, Format: tiles.FormatAcc})
	bias := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierBias, Rows: 1, Cols: 16})
	a := func(r, c int) float64 { return float64((r+2*c)%7 - 3) }
	bt := func(r, c int) float64 { return float64((3*r+c)%5 - 2) }
	setTile(mem, left, a)
	setTile(mem, right, bt)
	setTile(mem, bias, func(_, c int) float64 { return float64(c) })
	want := func(i, j int) float64 {
		var sum float64
		for k := range 32 {
			sum += a(i, k) * bt(k, j)
		}
		return sum
	}

	p := run(t, mem, func(b *program.Builder) {
		Matmul(b, acc, left, right)
		MatmulAcc(b, acc, left, right)
	})
	for i := range 32 {
		for j := range 16 {
			require.Equal(t, 2*want(i, j), at(mem, acc, i, j))
		}
	}
	require.Len(t, p.Queues[pipes.Matrix], 2)
	assert.Equal(t, 32*32*16, p.Queues[pipes.Matrix][0].Work)

	run(t, mem, func(b *program.Builder) { MatmulBias(b, acc, left, right, bias) })
	for i := range 32 {
		for j := range 16 {
			require.Equal(t, want(i, j)+float64(j), at(mem, acc, i, j))
		}
	}

	// Quantized: int8 x int8 accumulates exactly into int32.
	leftI8 := tiles.Must(tiles.Spec{DType: dtypes.Int8, Tier: tiles.TierLeft, Rows: 16, Cols: 32, Format: tiles.FormatZZ})
	rightI8 := tiles.Must(tiles.Spec{DType: dtypes.Int8, Tier: tiles.TierRight, Rows: 32, Cols: 16, Format: tiles.FormatZN})
	accI32 := tiles.Must(tiles.Spec{DType: dtypes.Int32, Tier: tiles.TierAcc, Rows: 16, Cols: 16, Format: tiles.FormatAcc})
	setTile(mem, leftI8, func(r, c int) float64 { return 127 - float64(r+c) })
	setTile(mem, rightI8, func(r, c int) float64 { return float64(c) - 128 + float64(r) })
	run(t, mem, func(b *program.Builder) { Matmul(b, accI32, leftI8, rightI8) })
	for i := range 16 {
		for j := range 16 {
			var sum float64
			for k := range 32 {
				sum += (127 - float64(i+k)) * (float64(j) - 128 + float64(k))
			}
			require.Equal(t, sum, at(mem, accI32, i, j))
		}
	}

	require.ErrorContains(t, buildErr(func(b *program.Builder) { Matmul(b, acc, leftI8, right) }), "different dtypes")
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Matmul(b, accI32, left, right) }), "accumulate into Float32")
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Matmul(b, acc, right, left) }), "must be in tier")
	wide := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierAcc, Rows: 32, Cols: 32, Format: tiles.FormatAcc})
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Matmul(b, wide, left, right) }), "shapes don't match")
}

func TestStoreAcc(t *testing.T) {
	mem := newTestMemory()
	acc := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierAcc, Rows: 16, Cols: 16, Format: tiles.FormatAcc}).
		WithValid(10, 12)
	setTile(mem, acc, func(r, c int) float64 { return float64(r - c) })
	out := mem.global(2, dtypes.Float32, make([]float32, 10*12), 10, 12)

	run(t, mem, func(b *program.Builder) { StoreAcc(b, out, acc) })
	got := dtypes.Decode(dtypes.Float32, mem.Bulk(2))
	for r := range 10 {
		for c := range 12 {
			require.Equal(t, float32(r-c), got[r*12+c])
		}
	}

	// Atomic add with relu: values become x + max(x, 0).
	p := run(t, mem, func(b *program.Builder) {
		WithAtomicAdd(b, func() {
			WithRelu(b, func() { StoreAcc(b, out, acc) })
		})
		StoreAcc(b, out, acc)
	})
	require.Equal(t, map[string]any{StateAtomicAdd: true, StateRelu: true}, p.Instructions[0].State)
	require.Nil(t, p.Instructions[1].State)
	got = dtypes.Decode(dtypes.Float32, mem.Bulk(2))
	for r := range 10 {
		for c := range 12 {
			require.Equal(t, float32(r-c), got[r*12+c], "the last store overwrites")
		}
	}
	run(t, mem, func(b *program.Builder) {
		WithAtomicAdd(b, func() {
			WithRelu(b, func() { StoreAcc(b, out, acc) })
		})
	})
	got = dtypes.Decode(dtypes.Float32, mem.Bulk(2))
	for r := range 10 {
		for c := range 12 {
			x := float32(r - c)
			require.Equal(t, x+max(x, 0), got[r*12+c])
		}
	}

	// Dequantization of int32 accumulators.
	accI32 := tiles.Must(tiles.Spec{DType: dtypes.Int32, Tier: tiles.TierAcc, Rows: 16, Cols: 16, Format: tiles.FormatAcc})
	scale := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierScaling, Rows: 1, Cols: 16})
	setTile(mem, accI32, func(r, c int) float64 { return float64(100*r + c) })
	setTile(mem, scale, func(_, c int) float64 { return 1 / float64(int(1)<<(c%4)) })
	outF16 := mem.global(3, dtypes.Float16, make([]float32, 16*16), 16, 16)
	run(t, mem, func(b *program.Builder) { StoreAccDequant(b, outF16, accI32, scale) })
	got = dtypes.Decode(dtypes.Float16, mem.Bulk(3))
	for r := range 16 {
		for c := range 16 {
			want := dtypes.Float16.Round(float64(100*r+c) / float64(int(1)<<(c%4)))
			require.Equal(t, float32(want), got[r*16+c])
		}
	}

	require.ErrorContains(t, buildErr(func(b *program.Builder) { StoreAcc(b, outF16, accI32) }), "dtype must be one of")
	require.ErrorContains(t, buildErr(func(b *program.Builder) { StoreAcc(b, outF16, acc) }), "doesn't match the valid region")
}

func TestSelectLoop(t *testing.T) {
	nd := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 16, Cols: 16})
	other := nd.Rebind(nd.Bytes())
	boxed := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 16, Cols: 16, Format: tiles.FormatNZ,
		Offset: 2 * nd.Bytes()})

	kind, _ := selectLoop(16, 16, nd, other)
	assert.Equal(t, LoopFlat, kind)
	kind, _ = selectLoop(16, 10, nd, other)
	assert.Equal(t, LoopRows, kind)
	kind, _ = selectLoop(16, 16, nd, boxed)
	assert.Equal(t, LoopGeneric, kind)

	// Every strategy computes the same values.
	for _, valid := range [][2]int{{16, 16}, {11, 5}} {
		for _, srcTile := range []tiles.Tile{other, boxed} {
			mem := newTestMemory()
			src := srcTile.WithValid(valid[0], valid[1])
			dst := nd.WithValid(valid[0], valid[1])
			setTile(mem, src, func(r, c int) float64 { return float64(r*16 + c) })
			setTile(mem, dst, func(_, _ int) float64 { return -1 })
			run(t, mem, func(b *program.Builder) { Adds(b, dst, src, 0.5) })
			for r := range 16 {
				for c := range 16 {
					want := -1.0
					if r < valid[0] && c < valid[1] {
						want = float64(r*16+c) + 0.5
					}
					require.Equal(t, want, at(mem, dst, r, c), "valid=%v src=%s (%d, %d)", valid, src, r, c)
				}
			}
		}
	}
}

func TestRowNormalization(t *testing.T) {
	mem := newTestMemory()
	scores := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 8, Cols: 16})
	rows := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 8, Cols: 1, Offset: scores.Bytes()})
	lengths := tiles.Must(tiles.Spec{DType: dtypes.Int32, Tier: tiles.TierVec, Rows: 8, Cols: 1, Offset: scores.Bytes() + 64})
	rng := rand.New(rand.NewPCG(1, 2))
	values := make([]float64, 8*16)
	for i := range values {
		values[i] = 10 * rng.NormFloat64()
	}
	setTile(mem, scores, func(r, c int) float64 { return values[r*16+c] })
	setTile(mem, lengths, func(r, _ int) float64 { return float64(2 * (r + 1)) })

	run(t, mem, func(b *program.Builder) {
		Mask(b, scores, lengths, math.Inf(-1))
		RowMax(b, rows, scores)
		RowExpandSub(b, scores, scores, rows)
		Exp(b, scores, scores)
		RowSum(b, rows, scores)
		RowExpandDiv(b, scores, scores, rows)
	})
	for r := range 8 {
		var sum float64
		for c := range 16 {
			p := at(mem, scores, r, c)
			if c >= 2*(r+1) {
				require.Zero(t, p)
			}
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-6, "row %d", r)
	}
}

func TestQuant(t *testing.T) {
	mem := newTestMemory()
	// 8-bit rows must span a 32-byte block: use 32 columns, of which 8 are valid.
	src := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 1, Cols: 32}).WithValid(1, 8)
	dst := tiles.Must(tiles.Spec{DType: dtypes.Int8, Tier: tiles.TierVec, Rows: 1, Cols: 32, Offset: 1024}).WithValid(1, 8)
	dstU8 := tiles.Must(tiles.Spec{DType: dtypes.Uint8, Tier: tiles.TierVec, Rows: 1, Cols: 32, Offset: 2048}).WithValid(1, 8)
	inputs := []float64{0.5, 1.5, 2.5, -0.5, -1.5, 200, -200, 1.0001}
	setTile(mem, src, func(_, c int) float64 {
		if c < len(inputs) {
			return inputs[c]
		}
		return 0
	})
	run(t, mem, func(b *program.Builder) {
		Quant(b, dst, src, QuantParams{InvScale: 1})
		Quant(b, dstU8, src, QuantParams{InvScale: 2, ZeroPoint: 128, Asymmetric: true})
	})
	var got, gotU8 []float64
	for c := range 8 {
		got = append(got, at(mem, dst, 0, c))
		gotU8 = append(gotU8, at(mem, dstU8, 0, c))
	}
	assert.Equal(t, []float64{0, 2, 2, 0, -2, 127, -128, 1}, got)
	assert.Equal(t, []float64{129, 131, 133, 127, 125, 255, 0, 130}, gotU8)

	require.ErrorContains(t, buildErr(func(b *program.Builder) { Quant(b, dstU8, src, QuantParams{InvScale: 1}) }),
		"dtype must be one of")
	require.ErrorContains(t, buildErr(func(b *program.Builder) { Quant(b, dst, src, QuantParams{}) }), "invalid inverse scale")
}

func TestTri(t *testing.T) {
	mem := newTestMemory()
	mask := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 16, Cols: 16})
	run(t, mem, func(b *program.Builder) { Tri(b, mask, 2, math.Inf(-1)) })
	for r := range 16 {
		for c := range 16 {
			if c <= r+2 {
				require.Zero(t, at(mem, mask, r, c))
			} else {
				require.True(t, math.IsInf(at(mem, mask, r, c), -1))
			}
		}
	}
}

func TestSortAndMerge(t *testing.T) {
	mem := newTestMemory()
	const n = 4 * SortBlock
	src := tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 1, Cols: n})
	sorted := tiles.Must(PairsSpec(n)).Rebind(src.Bytes())
	rng := rand.New(rand.NewPCG(3, 4))
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(rng.IntN(40)) // Many ties, to check stability.
	}
	setTile(mem, src, func(_, c int) float64 { return values[c] })

	for _, descending := range []bool{false, true} {
		run(t, mem, func(b *program.Builder) { Sort32(b, sorted, src, 1000, descending) })
		buf := mem.Tier(tiles.TierVec)
		all := readPairs(buf, sorted, n)
		for start := 0; start < n; start += SortBlock {
			block := all[start : start+SortBlock]
			require.True(t, slices.IsSortedFunc(block, func(x, y Pair) int {
				if x.Before(y, descending) {
					return -1
				} else if y.Before(x, descending) {
					return 1
				}
				return x.Index - y.Index
			}), "block at %d is not sorted stably: %v", start, block)
			for _, p := range block {
				require.Equal(t, float32(values[p.Index-1000]), p.Value)
			}
		}

		// Merge the 4 sorted blocks, as 4 lists of varying lengths.
		lists := make([]tiles.Tile, 4)
		for i := range lists {
			lists[i] = tiles.Must(PairsSpec(SortBlock)).Rebind(sorted.Offset() + i*2*SortBlock*4).WithValid(1, 2*(SortBlock-3*i))
		}
		merged := tiles.Must(PairsSpec(n)).Rebind(sorted.End())
		counts := tiles.Must(tiles.Spec{DType: dtypes.Int32, Tier: tiles.TierVec, Rows: 1, Cols: 8}).Rebind(merged.End())
		var total []Pair
		for i := range lists {
			total = append(total, all[i*SortBlock:i*SortBlock+NumPairs(lists[i])]...)
		}
		slices.SortStableFunc(total, func(x, y Pair) int {
			if x.Before(y, descending) {
				return -1
			} else if y.Before(x, descending) {
				return 1
			}
			return 0
		})
		for _, limit := range []int{0, 10, 50} {
			var out tiles.Tile
			run(t, mem, func(b *program.Builder) {
				out = MrgSort(b, merged, lists, MergeOptions{Limit: limit, Descending: descending, Counts: counts})
			})
			want := len(total)
			if limit > 0 {
				want = min(limit, want)
			}
			require.Equal(t, want, NumPairs(out))
			got := readPairs(buf, out, want)
			for i := range got {
				require.Equal(t, total[i].Value, got[i].Value, "descending=%v limit=%d position %d", descending, limit, i)
			}
			var taken float64
			for i := range 4 {
				taken += at(mem, counts, 0, i)
			}
			require.Equal(t, float64(want), taken)
		}

		// Exhausted mode stops when the first list runs out.
		var out tiles.Tile
		run(t, mem, func(b *program.Builder) {
			out = MrgSort(b, merged, lists, MergeOptions{Descending: descending, Exhausted: true, Counts: counts})
		})
		var taken, exhausted int
		for i := range 4 {
			count := int(at(mem, counts, 0, i))
			require.LessOrEqual(t, count, NumPairs(lists[i]))
			if count == NumPairs(lists[i]) {
				exhausted++
			}
			taken += count
		}
		require.Equal(t, 1, exhausted)
		require.Equal(t, len(total), NumPairs(out))
		for i, p := range readPairs(buf, out, NumPairs(out)) {
			if i < taken {
				require.Equal(t, total[i].Value, p.Value)
			} else {
				require.Equal(t, -1, p.Index)
			}
		}
	}

	require.ErrorContains(t, buildErr(func(b *program.Builder) {
		MrgSort(b, sorted, []tiles.Tile{sorted}, MergeOptions{})
	}), "merges 2 to 4 lists")
}

func TestPairsSpec(t *testing.T) {
	for n := 1; n <= 9; n++ {
		list, err := tiles.New(PairsSpec(n))
		require.NoError(t, err, "n=%d", n)
		assert.Zero(t, list.Cols()*4%dtypes.BlockBytes, "n=%d", n)
		assert.GreaterOrEqual(t, list.Cols(), 2*n)
		assert.Equal(t, n, NumPairs(list))
	}
	counts, err := tiles.New(CountsSpec())
	require.NoError(t, err)
	assert.Equal(t, MaxMergeLists, counts.ValidCols())

	// Lists of 3 and 5 pairs, merged into 7.
	mem := newTestMemory()
	lists := []tiles.Tile{tiles.Must(PairsSpec(3)), tiles.Must(PairsSpec(5))}
	lists[1] = lists[1].Rebind(lists[0].End())
	merged := tiles.Must(PairsSpec(7)).Rebind(lists[1].End())
	counts = counts.Rebind(merged.End())
	buf := mem.Tier(tiles.TierVec)
	for i, v := range []float32{9, 5, 1} {
		writePair(buf, lists[0], i, Pair{Value: v, Index: i})
	}
	for i, v := range []float32{8, 5, 4, 2, 0} {
		writePair(buf, lists[1], i, Pair{Value: v, Index: 10 + i})
	}
	var out tiles.Tile
	run(t, mem, func(b *program.Builder) {
		out = MrgSort(b, merged, lists, MergeOptions{Limit: 7, Descending: true, Counts: counts})
	})
	require.Equal(t, 7, NumPairs(out))
	assert.Equal(t, []Pair{{9, 0}, {8, 10}, {5, 1}, {5, 11}, {4, 12}, {2, 13}, {1, 2}}, readPairs(buf, out, 7))
	assert.Equal(t, 3.0, at(mem, counts, 0, 0))
	assert.Equal(t, 4.0, at(mem, counts, 0, 1))
}
