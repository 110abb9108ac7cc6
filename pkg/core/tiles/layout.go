// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"fmt"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
)

// BLayout is the major order of a tile: of its elements for plain layouts, or of its boxes for
// boxed (fractal) layouts.
type BLayout int

const (
	RowMajor BLayout = iota
	ColMajor
)

// String implements fmt.Stringer.
func (l BLayout) String() string {
	if l == ColMajor {
		return "ColMajor"
	}
	return "RowMajor"
}

// SLayout is the order of the elements inside each box of a boxed layout, or NoneBox for plain layouts.
type SLayout int

const (
	NoneBox SLayout = iota
	RowBox
	ColBox
)

// String implements fmt.Stringer.
func (l SLayout) String() string {
	switch l {
	case RowBox:
		return "RowBox"
	case ColBox:
		return "ColBox"
	}
	return "NoneBox"
}

// Fractal sizes (in bytes) of one box.
const (
	Fractal512  = 512
	Fractal1024 = 1024
)

// BoxRows is the fixed side of a box: 16 rows for row-ordered boxes, 16 columns for column-ordered ones.
const BoxRows = 16

// Format is the closed variant {layout, fractal-form} that determines how a tile is addressed.
type Format struct {
	Layout  BLayout
	Box     SLayout
	Fractal int
}

// Commonly used formats.
var (
	// FormatND is plain row-major.
	FormatND = Format{Layout: RowMajor}

	// FormatDN is plain column-major.
	FormatDN = Format{Layout: ColMajor}

	// FormatNZ has boxes in column-major order, with row-major elements inside each box.
	FormatNZ = Format{Layout: ColMajor, Box: RowBox, Fractal: Fractal512}

	// FormatZZ has boxes in row-major order, with row-major elements inside each box.
	FormatZZ = Format{Layout: RowMajor, Box: RowBox, Fractal: Fractal512}

	// FormatZN has boxes in row-major order, with column-major elements inside each box.
	FormatZN = Format{Layout: RowMajor, Box: ColBox, Fractal: Fractal512}

	// FormatAcc is the accumulator format: NZ with 16x16 boxes of 4-byte elements.
	FormatAcc = Format{Layout: ColMajor, Box: RowBox, Fractal: Fractal1024}
)

// Boxed returns whether the format is a boxed (fractal) one.
func (f Format) Boxed() bool {
	return f.Box != NoneBox
}

// String implements fmt.Stringer.
func (f Format) String() string {
	if !f.Boxed() {
		if f.Layout == RowMajor {
			return "ND"
		}
		return "DN"
	}
	outer := "z"
	if f.Layout == ColMajor {
		outer = "n"
	}
	inner := "Z"
	if f.Box == ColBox {
		inner = "N"
	}
	return fmt.Sprintf("%s%s/%d", outer, inner, f.Fractal)
}

// BoxShape returns the rows and columns of one box of the format for the given dtype.
// It returns (1, 1) for plain formats.
func (f Format) BoxShape(dtype dtypes.DType) (rows, cols int) {
	if !f.Boxed() || dtype.Size() == 0 {
		return 1, 1
	}
	other := f.Fractal / (BoxRows * dtype.Size())
	if f.Box == RowBox {
		return BoxRows, other
	}
	return other, BoxRows
}

// Addresser maps a (row, col) coordinate of a tile to the element index relative to the tile base.
//
// It is selected once, when the tile is created, from the tile's Format.
type Addresser interface {
	Index(row, col int) int

	// RowStride is the element distance between consecutive rows, for formats whose rows are
	// contiguous runs of elements. It is 0 otherwise.
	RowStride() int
}

type rowMajorND struct{ cols int }

func (a rowMajorND) Index(row, col int) int { return row*a.cols + col }
func (a rowMajorND) RowStride() int         { return a.cols }

type colMajorND struct{ rows int }

func (a colMajorND) Index(row, col int) int { return col*a.rows + row }
func (a colMajorND) RowStride() int         { return 0 }

type boxed struct {
	boxRows, boxCols int
	boxesPerRow      int // number of boxes along the columns
	boxesPerCol      int // number of boxes along the rows
	boxElems         int
	colMajorBoxes    bool
	colMajorInner    bool
}

func (a boxed) Index(row, col int) int {
	br, ir := row/a.boxRows, row%a.boxRows
	bc, ic := col/a.boxCols, col%a.boxCols
	var box int
	if a.colMajorBoxes {
		box = bc*a.boxesPerCol + br
	} else {
		box = br*a.boxesPerRow + bc
	}
	var inner int
	if a.colMajorInner {
		inner = ic*a.boxRows + ir
	} else {
		inner = ir*a.boxCols + ic
	}
	return box*a.boxElems + inner
}

func (a boxed) RowStride() int { return 0 }

// newAddresser dispatches the format into its addressing strategy.
// The shape must have been validated against the box shape.
func newAddresser(f Format, dtype dtypes.DType, rows, cols int) Addresser {
	if !f.Boxed() {
		if f.Layout == RowMajor {
			return rowMajorND{cols: cols}
		}
		return colMajorND{rows: rows}
	}
	boxRows, boxCols := f.BoxShape(dtype)
	return boxed{
		boxRows:       boxRows,
		boxCols:       boxCols,
		boxesPerRow:   cols / boxCols,
		boxesPerCol:   rows / boxRows,
		boxElems:      boxRows * boxCols,
		colMajorBoxes: f.Layout == ColMajor,
		colMajorInner: f.Box == ColBox,
	}
}

// PadValue declares what fills the region of a tile beyond its valid rows and columns.
type PadValue int

const (
	// PadNull leaves the padding region undefined (whatever was there before).
	PadNull PadValue = iota
	// PadZero fills with zeros, the neutral value of sum-reductions.
	PadZero
	// PadMax fills with the highest value of the dtype (+Inf for floats).
	PadMax
	// PadMin fills with the lowest value of the dtype (-Inf for floats), the neutral value of max-reductions.
	PadMin
)

// String implements fmt.Stringer.
func (p PadValue) String() string {
	switch p {
	case PadZero:
		return "PadZero"
	case PadMax:
		return "PadMax"
	case PadMin:
		return "PadMin"
	}
	return "PadNull"
}

// Value returns the fill value for dtype, and false for PadNull.
func (p PadValue) Value(dtype dtypes.DType) (float64, bool) {
	switch p {
	case PadZero:
		return 0, true
	case PadMax:
		return dtype.HighestValue(), true
	case PadMin:
		return dtype.LowestValue(), true
	}
	return 0, false
}
