// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types supported by tile descriptors and
// bulk tensors, and the byte-level codecs used to read and write them from tier memory.
//
// All numeric values cross the codec as float64: it represents every supported type exactly,
// including the int32 accumulators of quantized matrix multiplications.
package dtypes

import (
	"encoding/binary"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/tilepipe/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// BlockBytes is the alignment unit of every on-chip tier: rows of a tile start on 32-byte boundaries,
// and the inner box of a fractal layout is one block wide.
const BlockBytes = 32

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// FromName parses a DType name, as in MapOfNames. Names are case-insensitive.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// Size returns the number of bytes of one element of the dtype. It returns 0 for unsupported dtypes.
func (dtype DType) Size() int {
	switch dtype {
	case Int8, Uint8:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// Bits returns the number of bits of one element.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// SizeForDimensions returns the number of bytes needed to store a dense array of the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	n := 1
	for _, dim := range dimensions {
		n *= dim
	}
	return n * dtype.Size()
}

// BlockElems returns how many elements of dtype fit in one 32-byte block.
func (dtype DType) BlockElems() int {
	size := dtype.Size()
	if size == 0 {
		return 0
	}
	return BlockBytes / size
}

// IsSupported returns whether the dtype can be stored in a tile.
func (dtype DType) IsSupported() bool {
	return dtype.Size() > 0
}

// IsFloat returns whether the dtype is a floating-point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == BFloat16 || dtype == Float32
}

// IsFloat16 returns whether dtype is one of the 16-bit float types.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether the dtype is an integer type (signed or not).
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Int16, Int32, Uint8, Uint16:
		return true
	}
	return false
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16
}

// LowestValue returns the lowest representable value of dtype: -Inf for floats.
func (dtype DType) LowestValue() float64 {
	switch dtype {
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Uint8, Uint16:
		return 0
	case Float16, BFloat16, Float32:
		return math.Inf(-1)
	}
	panicf("LowestValue not defined for dtype %s", dtype)
	return 0
}

// HighestValue returns the highest representable value of dtype: +Inf for floats.
func (dtype DType) HighestValue() float64 {
	switch dtype {
	case Int8:
		return math.MaxInt8
	case Int16:
		return math.MaxInt16
	case Int32:
		return math.MaxInt32
	case Uint8:
		return math.MaxUint8
	case Uint16:
		return math.MaxUint16
	case Float16, BFloat16, Float32:
		return math.Inf(1)
	}
	panicf("HighestValue not defined for dtype %s", dtype)
	return 0
}

// Saturate rounds (half to even) and clamps v into the range of an integer dtype.
// Float dtypes are returned unchanged.
func (dtype DType) Saturate(v float64) float64 {
	if !dtype.IsInt() {
		return v
	}
	if math.IsNaN(v) {
		return 0
	}
	v = math.RoundToEven(v)
	return min(max(v, dtype.LowestValue()), dtype.HighestValue())
}

// Get decodes the element at index idx (in elements, not bytes) of buf.
func (dtype DType) Get(buf []byte, idx int) float64 {
	switch dtype {
	case Int8:
		return float64(int8(buf[idx]))
	case Uint8:
		return float64(buf[idx])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(buf[2*idx:])))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(buf[2*idx:]))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(buf[2*idx:])).Float32())
	case BFloat16:
		return float64(bfloat16.FromBits(binary.LittleEndian.Uint16(buf[2*idx:])).Float32())
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[4*idx:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*idx:])))
	}
	panicf("Get not defined for dtype %s", dtype)
	return 0
}

// Put encodes v as dtype at index idx (in elements) of buf.
// Integer dtypes are rounded and saturated, float dtypes rounded to the nearest representable value.
func (dtype DType) Put(buf []byte, idx int, v float64) {
	switch dtype {
	case Int8:
		buf[idx] = byte(int8(dtype.Saturate(v)))
	case Uint8:
		buf[idx] = byte(dtype.Saturate(v))
	case Int16:
		binary.LittleEndian.PutUint16(buf[2*idx:], uint16(int16(dtype.Saturate(v))))
	case Uint16:
		binary.LittleEndian.PutUint16(buf[2*idx:], uint16(dtype.Saturate(v)))
	case Float16:
		binary.LittleEndian.PutUint16(buf[2*idx:], float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(buf[2*idx:], bfloat16.FromFloat64(v).Bits())
	case Int32:
		binary.LittleEndian.PutUint32(buf[4*idx:], uint32(int32(dtype.Saturate(v))))
	case Float32:
		binary.LittleEndian.PutUint32(buf[4*idx:], math.Float32bits(float32(v)))
	default:
		panicf("Put not defined for dtype %s", dtype)
	}
}

// Round returns v rounded to the precision of dtype, as if it were stored and loaded back.
func (dtype DType) Round(v float64) float64 {
	switch dtype {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case BFloat16:
		return float64(bfloat16.FromFloat64(v).Float32())
	}
	return dtype.Saturate(v)
}

// Encode converts values to the dtype byte representation.
func Encode(dtype DType, values []float32) []byte {
	buf := make([]byte, len(values)*dtype.Size())
	for ii, v := range values {
		dtype.Put(buf, ii, float64(v))
	}
	return buf
}

// Decode converts the dtype byte representation in buf to float32 values.
func Decode(dtype DType, buf []byte) []float32 {
	n := len(buf) / dtype.Size()
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(dtype.Get(buf, ii))
	}
	return values
}
