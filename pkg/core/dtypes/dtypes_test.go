// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOfNames(t *testing.T) {
	assert.Equal(t, Float16, MapOfNames["Float16"])
	assert.Equal(t, Float16, MapOfNames["f16"])
	assert.Equal(t, BFloat16, MapOfNames["bf16"])
	assert.Equal(t, Int8, MapOfNames["s8"])

	dtype, err := FromName("FLOAT32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)
	_, err = FromName("complex64")
	require.ErrorContains(t, err, "unknown dtype")
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.Equal(t, 16, Float16.BlockElems())
	assert.Equal(t, 32, Int8.BlockElems())
	assert.Equal(t, 8, Float32.BlockElems())
	assert.Equal(t, 64*32*2, Float16.SizeForDimensions(64, 32))
	assert.False(t, InvalidDType.IsSupported())
}

func TestCodecs(t *testing.T) {
	for _, dtype := range []DType{Int8, Uint8, Int16, Uint16, Int32, Float16, BFloat16, Float32} {
		buf := make([]byte, 4*dtype.Size())
		dtype.Put(buf, 2, 3)
		assert.Equal(t, 3.0, dtype.Get(buf, 2), "dtype %s", dtype)
		assert.Equal(t, 0.0, dtype.Get(buf, 1), "dtype %s", dtype)
	}

	// Saturation and rounding for integer types.
	buf := make([]byte, 4)
	Int8.Put(buf, 0, 300)
	Int8.Put(buf, 1, -300)
	Int8.Put(buf, 2, 2.5)
	Uint8.Put(buf, 3, -1)
	assert.Equal(t, 127.0, Int8.Get(buf, 0))
	assert.Equal(t, -128.0, Int8.Get(buf, 1))
	assert.Equal(t, 2.0, Int8.Get(buf, 2))
	assert.Equal(t, 0.0, Uint8.Get(buf, 3))

	// Float16 precision loss.
	got := Float16.Round(1.0 + 1.0/4096)
	assert.Equal(t, 1.0, got)
	assert.True(t, math.IsInf(Float32.LowestValue(), -1))
	assert.Equal(t, -128.0, Int8.LowestValue())

	values := []float32{1, -2.5, 0.125, 1000}
	assert.Equal(t, values, Decode(Float16, Encode(Float16, values)))
}

func TestBFloat16Rounding(t *testing.T) {
	// 1 + 2^-8 is exactly between two bfloat16 values: ties go to even (1.0).
	assert.Equal(t, float32(1), bfloat16.FromFloat32(1+1.0/256).Float32())
	// Slightly above the tie rounds up.
	assert.Equal(t, float32(1+1.0/128), bfloat16.FromFloat32(1+1.0/256+1.0/4096).Float32())
	assert.True(t, math.IsNaN(float64(bfloat16.FromFloat32(float32(math.NaN())).Float32())))
	assert.True(t, math.IsInf(float64(bfloat16.FromFloat64(math.Inf(-1)).Float32()), -1))
}
