// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// MaxAxes is the maximum rank of a GlobalTensor.
const MaxAxes = 5

// BufferID identifies a bulk memory allocation on a device.
type BufferID int

// GlobalTensor is a typed, strided view over a bulk memory buffer, with up to 5 axes.
//
// Shapes are right-aligned: the last two axes are the matrix rows and columns that tiles are
// fetched from, and the leading axes are batch-like (batch, heads, ...). Unused leading axes have
// dimension 1.
type GlobalTensor struct {
	dtype  dtypes.DType
	buffer BufferID
	offset int // in elements
	shape  [MaxAxes]int
	stride [MaxAxes]int // in elements
}

// NewGlobal returns a dense row-major ("ND") view of the given dimensions, starting at the
// beginning of the buffer.
func NewGlobal(dtype dtypes.DType, buffer BufferID, dims ...int) (GlobalTensor, error) {
	strides := make([]int, len(dims))
	s := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = s
		s *= dims[axis]
	}
	return NewGlobalStrided(dtype, buffer, 0, dims, strides)
}

// NewGlobalStrided returns a view with explicit strides (in elements) and offset (in elements).
func NewGlobalStrided(dtype dtypes.DType, buffer BufferID, offset int, dims, strides []int) (GlobalTensor, error) {
	if !dtype.IsSupported() {
		return GlobalTensor{}, errors.Errorf("global tensor dtype %s is not supported", dtype)
	}
	if len(dims) == 0 || len(dims) > MaxAxes {
		return GlobalTensor{}, errors.Errorf("global tensors have 1 to %d axes, got %d", MaxAxes, len(dims))
	}
	if len(strides) != len(dims) {
		return GlobalTensor{}, errors.Errorf("got %d strides for %d dimensions", len(strides), len(dims))
	}
	if offset < 0 {
		return GlobalTensor{}, errors.Errorf("negative offset %d", offset)
	}
	g := GlobalTensor{dtype: dtype, buffer: buffer, offset: offset}
	for axis := range MaxAxes {
		g.shape[axis] = 1
		g.stride[axis] = 1
	}
	shift := MaxAxes - len(dims)
	for axis, dim := range dims {
		if dim <= 0 {
			return GlobalTensor{}, errors.Errorf("invalid dimensions %v", dims)
		}
		if strides[axis] <= 0 {
			return GlobalTensor{}, errors.Errorf("invalid strides %v: strides must be positive", strides)
		}
		g.shape[shift+axis] = dim
		g.stride[shift+axis] = strides[axis]
	}
	return g, nil
}

// MustGlobal is like NewGlobal, but panics (with an exception) on error.
func MustGlobal(dtype dtypes.DType, buffer BufferID, dims ...int) GlobalTensor {
	g, err := NewGlobal(dtype, buffer, dims...)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return g
}

func (g GlobalTensor) DType() dtypes.DType { return g.dtype }
func (g GlobalTensor) Buffer() BufferID    { return g.buffer }
func (g GlobalTensor) Offset() int         { return g.offset }
func (g GlobalTensor) Shape() []int        { return slices.Clone(g.shape[:]) }
func (g GlobalTensor) Strides() []int      { return slices.Clone(g.stride[:]) }

// Rows is the dimension of the second to last axis.
func (g GlobalTensor) Rows() int { return g.shape[MaxAxes-2] }

// Cols is the dimension of the last axis.
func (g GlobalTensor) Cols() int { return g.shape[MaxAxes-1] }

// RowStride is the element stride of the rows axis.
func (g GlobalTensor) RowStride() int { return g.stride[MaxAxes-2] }

// ColStride is the element stride of the columns axis.
func (g GlobalTensor) ColStride() int { return g.stride[MaxAxes-1] }

// IsZero returns whether g is the zero GlobalTensor.
func (g GlobalTensor) IsZero() bool {
	return g.dtype == dtypes.InvalidDType
}

// Index returns the element index of (row, col) of the matrix axes within the buffer.
// Leading axes are taken at index 0: use At to select them.
func (g GlobalTensor) Index(row, col int) int {
	return g.offset + row*g.stride[MaxAxes-2] + col*g.stride[MaxAxes-1]
}

// Transposed returns the view with the two matrix axes swapped. No data is moved: a row-major
// ("ND") matrix becomes its column-major ("DN") transpose.
func (g GlobalTensor) Transposed() GlobalTensor {
	r, c := MaxAxes-2, MaxAxes-1
	g.shape[r], g.shape[c] = g.shape[c], g.shape[r]
	g.stride[r], g.stride[c] = g.stride[c], g.stride[r]
	return g
}

// At selects the given indices on the batch-like axes immediately preceding the matrix axes,
// returning a 2D view. E.g. for a (B, H, S, D) tensor, At(b, h) returns the (S, D) matrix.
// It panics (with an exception) if an index is out of range.
func (g GlobalTensor) At(indices ...int) GlobalTensor {
	first := MaxAxes - 2 - len(indices)
	if first < 0 {
		exceptions.Panicf("too many indices %v for global tensor %s", indices, g)
	}
	for ii, idx := range indices {
		axis := first + ii
		if idx < 0 || idx >= g.shape[axis] {
			exceptions.Panicf("index %d out of range for axis %d of global tensor %s", idx, axis, g)
		}
		g.offset += idx * g.stride[axis]
		g.shape[axis] = 1
	}
	return g
}

// Window returns the sub-matrix starting at (row, col) with at most rows x cols elements: the
// window is clipped at the edges of g, so remainders of non-aligned shapes come out smaller.
// It panics (with an exception) if the start is out of range.
func (g GlobalTensor) Window(row, col, rows, cols int) GlobalTensor {
	if row < 0 || row >= g.Rows() || col < 0 || col >= g.Cols() {
		exceptions.Panicf("window start (%d, %d) out of range of global tensor %s", row, col, g)
	}
	g.offset = g.Index(row, col)
	g.shape[MaxAxes-2] = min(rows, g.Rows()-row)
	g.shape[MaxAxes-1] = min(cols, g.Cols()-col)
	return g
}

// Region describes the elements touched by the matrix axes of g, for overlap checks.
type Region struct {
	Buffer               BufferID
	Offset               int
	Rows, Cols           int
	RowStride, ColStride int
	ElemSize             int
}

// Region returns the matrix region of g (at index 0 of the leading axes).
func (g GlobalTensor) Region() Region {
	return Region{
		Buffer: g.buffer, Offset: g.offset,
		Rows: g.Rows(), Cols: g.Cols(),
		RowStride: g.RowStride(), ColStride: g.ColStride(),
		ElemSize: g.dtype.Size(),
	}
}

// Span returns the first element index and one past the last element index touched by the region.
func (r Region) Span() (lo, hi int) {
	return r.Offset, r.Offset + (r.Rows-1)*r.RowStride + (r.Cols-1)*r.ColStride + 1
}

// Overlaps returns whether two regions may touch a common element.
//
// Regions of the same buffer with the same strides are intersected exactly as rectangles;
// otherwise their spans are compared, which may report false positives.
func (r Region) Overlaps(other Region) bool {
	if r.Buffer != other.Buffer {
		return false
	}
	lo0, hi0 := r.Span()
	lo1, hi1 := other.Span()
	if lo0 >= hi1 || lo1 >= hi0 {
		return false
	}
	if r.RowStride != other.RowStride || r.ColStride != other.ColStride || r.ColStride != 1 || r.RowStride < r.Cols || r.RowStride < other.Cols {
		return true
	}
	// Same row-major grid: compare as rectangles.
	row0, col0 := r.Offset/r.RowStride, r.Offset%r.RowStride
	row1, col1 := other.Offset/other.RowStride, other.Offset%other.RowStride
	if col0+r.Cols > r.RowStride || col1+other.Cols > other.RowStride {
		return true
	}
	return row0 < row1+other.Rows && row1 < row0+r.Rows && col0 < col1+other.Cols && col1 < col0+r.Cols
}

// String implements fmt.Stringer.
func (g GlobalTensor) String() string {
	return fmt.Sprintf("Global#%d[%s shape=%v strides=%v @%d]", g.buffer, g.dtype, g.shape, g.stride, g.offset)
}
