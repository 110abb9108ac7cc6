// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 converts between float32 and the 16-bit brain floating point format.
package bfloat16

import (
	"math"
)

// BFloat16 is the upper half of a float32: 8 bits of exponent and 7 bits of mantissa.
type BFloat16 uint16

// Float32 returns the exact float32 value.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 rounds x to the nearest BFloat16, ties to even. NaNs stay quiet NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 rounds x to float32 first, then to BFloat16.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits reinterprets the bits as a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits returns the raw bits, as stored in a little-endian buffer.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}
