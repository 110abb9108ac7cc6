// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTile(t *testing.T) {
	tile, err := New(Spec{DType: dtypes.Float16, Tier: TierMat, Rows: 64, Cols: 32, Format: FormatNZ, Pad: PadZero})
	require.NoError(t, err)
	assert.Equal(t, 64*32*2, tile.Bytes())
	assert.True(t, tile.Full())
	assert.Equal(t, "Mat[Float16 64x32 nZ/512 @0]", tile.String())

	partial := tile.WithValid(10, 32)
	assert.False(t, partial.Full())
	assert.Equal(t, 10, partial.ValidRows())
	assert.Equal(t, 64, tile.ValidRows(), "descriptors are values")
	require.Panics(t, func() { tile.WithValid(65, 1) })

	moved := tile.Rebind(4096)
	assert.Equal(t, 4096, moved.Offset())
	assert.Equal(t, 0, tile.Offset())
	assert.True(t, moved.SameShape(tile))
	assert.False(t, moved.Overlaps(tile))
	assert.True(t, tile.Overlaps(tile.Rebind(2048)))
}

func TestNewTileRejects(t *testing.T) {
	for name, spec := range map[string]Spec{
		"dtype":       {DType: dtypes.InvalidDType, Tier: TierVec, Rows: 8, Cols: 8},
		"global":      {DType: dtypes.Float32, Tier: TierGlobal, Rows: 8, Cols: 8},
		"shape":       {DType: dtypes.Float32, Tier: TierVec, Rows: 0, Cols: 8},
		"valid":       {DType: dtypes.Float32, Tier: TierVec, Rows: 8, Cols: 8, ValidRows: 9},
		"alignment":   {DType: dtypes.Float32, Tier: TierVec, Rows: 8, Cols: 7},
		"box":         {DType: dtypes.Float16, Tier: TierMat, Rows: 24, Cols: 32, Format: FormatNZ},
		"left-plain":  {DType: dtypes.Float16, Tier: TierLeft, Rows: 16, Cols: 16},
		"acc-dtype":   {DType: dtypes.Float16, Tier: TierAcc, Rows: 16, Cols: 16, Format: FormatAcc},
		"acc-format":  {DType: dtypes.Float32, Tier: TierAcc, Rows: 16, Cols: 16, Format: FormatNZ},
		"bias-rows":   {DType: dtypes.Float32, Tier: TierBias, Rows: 2, Cols: 16},
		"offset":      {DType: dtypes.Float32, Tier: TierVec, Rows: 8, Cols: 8, Offset: 4},
		"fractal":     {DType: dtypes.Float16, Tier: TierMat, Rows: 16, Cols: 16, Format: Format{Layout: ColMajor, Box: RowBox, Fractal: 256}},
		"scaling-f16": {DType: dtypes.Float16, Tier: TierScaling, Rows: 1, Cols: 16},
	} {
		_, err := New(spec)
		assert.Error(t, err, "spec %q should be rejected", name)
	}
	// Column vectors are fine when the rows span whole blocks.
	_, err := New(Spec{DType: dtypes.Float32, Tier: TierVec, Rows: 16, Cols: 1, Format: FormatDN})
	require.NoError(t, err)
}

func TestAddressers(t *testing.T) {
	// Every format must be a bijection between (row, col) and [0, rows*cols).
	for _, f := range []Format{FormatND, FormatDN, FormatNZ, FormatZZ, FormatZN} {
		tile := Must(Spec{DType: dtypes.Float16, Tier: TierMat, Rows: 32, Cols: 32, Format: f})
		seen := make(map[int]bool)
		for r := range 32 {
			for c := range 32 {
				idx := tile.Addresser().Index(r, c)
				require.False(t, seen[idx], "format %s maps two coordinates to %d", f, idx)
				require.True(t, idx >= 0 && idx < 32*32)
				seen[idx] = true
			}
		}
	}

	// nZ for float16: boxes of 16x16 in column-major order, row-major inside.
	nz := Must(Spec{DType: dtypes.Float16, Tier: TierMat, Rows: 32, Cols: 32, Format: FormatNZ})
	assert.Equal(t, 1, nz.Addresser().Index(0, 1))
	assert.Equal(t, 16, nz.Addresser().Index(1, 0))
	assert.Equal(t, 256, nz.Addresser().Index(16, 0), "second box is below the first")
	assert.Equal(t, 512, nz.Addresser().Index(0, 16))

	// Accumulator boxes are 16x16 of 4 bytes.
	acc := Must(Spec{DType: dtypes.Float32, Tier: TierAcc, Rows: 32, Cols: 32, Format: FormatAcc})
	rows, cols := FormatAcc.BoxShape(dtypes.Float32)
	assert.Equal(t, []int{16, 16}, []int{rows, cols})
	assert.Equal(t, 256, acc.Addresser().Index(16, 0))

	// zN for int8: boxes of 32x16, column-major inside.
	rows, cols = FormatZN.BoxShape(dtypes.Int8)
	assert.Equal(t, []int{32, 16}, []int{rows, cols})

	dn := Must(Spec{DType: dtypes.Float32, Tier: TierVec, Rows: 8, Cols: 4, Format: FormatDN})
	assert.Equal(t, 8, dn.Addresser().Index(0, 1))
	assert.Equal(t, 0, dn.Addresser().RowStride())

	offsetTile := Must(Spec{DType: dtypes.Float32, Tier: TierVec, Rows: 8, Cols: 8, Offset: 64})
	assert.Equal(t, 16+9, offsetTile.Index(1, 1))
}

func TestGlobalTensor(t *testing.T) {
	q := MustGlobal(dtypes.Float32, 3, 2, 4, 64, 32)
	assert.Equal(t, []int{1, 2, 4, 64, 32}, q.Shape())
	assert.Equal(t, []int{1, 4 * 64 * 32, 64 * 32, 32, 1}, q.Strides())

	head := q.At(1, 2)
	assert.Equal(t, (1*4+2)*64*32, head.Offset())
	assert.Equal(t, 64, head.Rows())
	require.Panics(t, func() { q.At(2, 0) })

	w := head.Window(60, 16, 16, 32)
	assert.Equal(t, 4, w.Rows(), "window is clipped at the edge")
	assert.Equal(t, 16, w.Cols())
	assert.Equal(t, head.Index(60, 16), w.Index(0, 0))

	kt := head.Transposed()
	assert.Equal(t, 32, kt.Rows())
	assert.Equal(t, 64, kt.Cols())
	assert.Equal(t, head.Index(5, 3), kt.Index(3, 5))

	_, err := NewGlobal(dtypes.Float32, 0, 1, 2, 3, 4, 5, 6)
	require.Error(t, err)
	_, err = NewGlobalStrided(dtypes.Float32, 0, 0, []int{4, 4}, []int{4, 0})
	require.Error(t, err)
}

func TestRegionOverlaps(t *testing.T) {
	c := MustGlobal(dtypes.Float32, 1, 128, 128)
	a := c.Window(0, 0, 64, 64).Region()
	b := c.Window(0, 64, 64, 64).Region()
	d := c.Window(32, 32, 64, 64).Region()
	assert.False(t, a.Overlaps(b), "side by side windows share rows but no elements")
	assert.True(t, a.Overlaps(d))
	assert.True(t, b.Overlaps(d))

	other := MustGlobal(dtypes.Float32, 2, 128, 128).Window(0, 0, 64, 64).Region()
	assert.False(t, a.Overlaps(other))

	// Different grids fall back to spans.
	tr := c.Transposed().Window(0, 0, 4, 4).Region()
	assert.True(t, a.Overlaps(tr))
}
