// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import "strconv"

// DType enumerates the element types a tile or a bulk tensor can hold.
//
// The numeric values are kept aligned with the XLA/PJRT numbering used across GoMLX, so
// values serialized by one can be read by the other.
type DType int32

const (
	// InvalidDType is the zero value, used to catch uninitialized descriptors.
	InvalidDType DType = 0

	// Int8 is a signed 8-bit integer, the input type of quantized matrix multiplications.
	Int8 DType = 2

	// Int16 is a signed 16-bit integer.
	Int16 DType = 3

	// Int32 is a signed 32-bit integer, the accumulator type of quantized matrix multiplications.
	Int32 DType = 4

	// Uint8 is an unsigned 8-bit integer, the output of asymmetric quantization.
	Uint8 DType = 6

	// Uint16 is an unsigned 16-bit integer.
	Uint16 DType = 7

	// Float16 is IEEE half precision.
	Float16 DType = 10

	// Float32 is IEEE single precision.
	Float32 DType = 11

	// BFloat16 is the truncated 16-bit floating-point format: 1 sign bit, 8 exponent bits and 7 mantissa bits.
	BFloat16 DType = 13
)

// Aliases, closer to the names used on the device side.
const (
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	S8   = Int8
	U8   = Uint8
	S32  = Int32
)

// MapOfNames maps names (and lower-case versions of them) to the DType.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int8":         Int8,
	"S8":           Int8,
	"Int16":        Int16,
	"S16":          Int16,
	"Int32":        Int32,
	"S32":          Int32,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Uint16":       Uint16,
	"U16":          Uint16,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Float16:      "Float16",
	Float32:      "Float32",
	BFloat16:     "BFloat16",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}
