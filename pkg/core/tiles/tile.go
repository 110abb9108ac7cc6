// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiles defines the tile descriptor: a typed, shaped view over a region of one memory tier,
// and GlobalTensor, the strided view over bulk memory that tiles are fetched from and stored to.
//
// Descriptors never move data, and creating or rebinding one is O(1). They are plain values:
// rebinding returns a copy with a new byte offset.
package tiles

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Spec is the static description of a tile, validated by New.
type Spec struct {
	DType      dtypes.DType
	Tier       Tier
	Rows, Cols int

	// Format defaults to FormatND.
	Format Format

	// ValidRows and ValidCols default to Rows and Cols.
	ValidRows, ValidCols int

	// Pad declares the padding beyond the valid region. There is no global default: each kernel
	// declares it per tile, according to what its consumers reduce with.
	Pad PadValue

	// Offset in bytes within the tier.
	Offset int
}

// Tile is a descriptor of a rectangular region of one tier.
//
// Invariants: 0 < ValidRows <= Rows, 0 < ValidCols <= Cols, and the shape is a multiple of the
// box shape for boxed formats.
type Tile struct {
	dtype                dtypes.DType
	tier                 Tier
	rows, cols           int
	validRows, validCols int
	format               Format
	pad                  PadValue
	offset               int
	addr                 Addresser
}

// New validates the spec and returns the tile descriptor.
func New(spec Spec) (Tile, error) {
	if !spec.DType.IsSupported() {
		return Tile{}, errors.Errorf("tile dtype %s is not supported", spec.DType)
	}
	if !spec.Tier.OnChip() {
		return Tile{}, errors.Errorf("tiles must be bound to an on-chip tier, got %s -- use GlobalTensor for bulk memory", spec.Tier)
	}
	if spec.Rows <= 0 || spec.Cols <= 0 {
		return Tile{}, errors.Errorf("invalid tile shape %dx%d", spec.Rows, spec.Cols)
	}
	if spec.ValidRows == 0 {
		spec.ValidRows = spec.Rows
	}
	if spec.ValidCols == 0 {
		spec.ValidCols = spec.Cols
	}
	if spec.ValidRows < 0 || spec.ValidRows > spec.Rows || spec.ValidCols < 0 || spec.ValidCols > spec.Cols {
		return Tile{}, errors.Errorf("valid region %dx%d out of the tile shape %dx%d",
			spec.ValidRows, spec.ValidCols, spec.Rows, spec.Cols)
	}
	if spec.Offset < 0 {
		return Tile{}, errors.Errorf("negative tile offset %d", spec.Offset)
	}
	if err := checkFormat(spec); err != nil {
		return Tile{}, err
	}
	return Tile{
		dtype:     spec.DType,
		tier:      spec.Tier,
		rows:      spec.Rows,
		cols:      spec.Cols,
		validRows: spec.ValidRows,
		validCols: spec.ValidCols,
		format:    spec.Format,
		pad:       spec.Pad,
		offset:    spec.Offset,
		addr:      newAddresser(spec.Format, spec.DType, spec.Rows, spec.Cols),
	}, nil
}

// Must is like New, but panics (with an exception) on error.
func Must(spec Spec) Tile {
	t, err := New(spec)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return t
}

func checkFormat(spec Spec) error {
	f := spec.Format
	size := spec.DType.Size()
	if f.Boxed() {
		if f.Fractal != Fractal512 && f.Fractal != Fractal1024 {
			return errors.Errorf("invalid fractal size %d, only %d and %d are supported", f.Fractal, Fractal512, Fractal1024)
		}
		if f.Fractal/(BoxRows*size) == 0 {
			return errors.Errorf("fractal %d too small for dtype %s", f.Fractal, spec.DType)
		}
		boxRows, boxCols := f.BoxShape(spec.DType)
		if spec.Rows%boxRows != 0 || spec.Cols%boxCols != 0 {
			return errors.Errorf("tile shape %dx%d is not a multiple of the %s box shape %dx%d for %s",
				spec.Rows, spec.Cols, f, boxRows, boxCols, spec.DType)
		}
	} else {
		inner := spec.Cols
		if f.Layout == ColMajor {
			inner = spec.Rows
		}
		if inner > 1 && (inner*size)%dtypes.BlockBytes != 0 {
			return errors.Errorf("%s tile %dx%d of %s: the contiguous axis must span a multiple of %d bytes",
				f, spec.Rows, spec.Cols, spec.DType, dtypes.BlockBytes)
		}
	}

	switch spec.Tier {
	case TierLeft, TierRight:
		if !f.Boxed() {
			return errors.Errorf("tier %s requires a boxed format, got %s", spec.Tier, f)
		}
	case TierAcc:
		if f != FormatAcc {
			return errors.Errorf("tier %s requires format %s, got %s", spec.Tier, FormatAcc, f)
		}
		if spec.DType != dtypes.Float32 && spec.DType != dtypes.Int32 {
			return errors.Errorf("accumulators must be Float32 or Int32, got %s", spec.DType)
		}
	case TierBias, TierScaling:
		if spec.Rows != 1 || f.Boxed() {
			return errors.Errorf("tier %s holds a single plain row, got %dx%d %s", spec.Tier, spec.Rows, spec.Cols, f)
		}
		if spec.DType != dtypes.Float32 {
			return errors.Errorf("tier %s holds Float32 values, got %s", spec.Tier, spec.DType)
		}
	}
	if spec.Offset%dtypes.BlockBytes != 0 {
		return errors.Errorf("tile offset %d is not aligned to %d bytes", spec.Offset, dtypes.BlockBytes)
	}
	return nil
}

// Spec returns the spec that would recreate t.
func (t Tile) Spec() Spec {
	return Spec{
		DType: t.dtype, Tier: t.tier, Rows: t.rows, Cols: t.cols, Format: t.format,
		ValidRows: t.validRows, ValidCols: t.validCols, Pad: t.pad, Offset: t.offset,
	}
}

func (t Tile) DType() dtypes.DType { return t.dtype }
func (t Tile) Tier() Tier          { return t.tier }
func (t Tile) Rows() int           { return t.rows }
func (t Tile) Cols() int           { return t.cols }
func (t Tile) ValidRows() int      { return t.validRows }
func (t Tile) ValidCols() int      { return t.validCols }
func (t Tile) Format() Format      { return t.format }
func (t Tile) Pad() PadValue       { return t.pad }
func (t Tile) Offset() int         { return t.offset }

// IsZero returns whether t is the zero Tile, which describes nothing.
func (t Tile) IsZero() bool {
	return t.addr == nil
}

// Len returns the number of elements of the tile, padding included.
func (t Tile) Len() int {
	return t.rows * t.cols
}

// Bytes returns the size of the tile in its tier.
func (t Tile) Bytes() int {
	return t.rows * t.cols * t.dtype.Size()
}

// End returns the first byte offset past the tile.
func (t Tile) End() int {
	return t.offset + t.Bytes()
}

// Addresser returns the addressing strategy of the tile.
func (t Tile) Addresser() Addresser {
	return t.addr
}

// Index returns the element index of (row, col), relative to the start of the tier.
func (t Tile) Index(row, col int) int {
	return t.offset/t.dtype.Size() + t.addr.Index(row, col)
}

// Full returns whether the valid region covers the whole tile.
func (t Tile) Full() bool {
	return t.validRows == t.rows && t.validCols == t.cols
}

// Rebind returns a copy of t at a new byte offset of the same tier. It does no bounds checking.
func (t Tile) Rebind(offset int) Tile {
	t.offset = offset
	return t
}

// Bind returns a copy of t bound to the given tier and byte offset. It does no bounds checking:
// capacity and overlap are checked by the layout plan (package tiers).
func (t Tile) Bind(tier Tier, offset int) Tile {
	t.tier = tier
	t.offset = offset
	return t
}

// WithValid returns a copy of t with a new valid region.
// It panics (with an exception) if the region is out of the tile shape.
func (t Tile) WithValid(rows, cols int) Tile {
	if rows <= 0 || rows > t.rows || cols <= 0 || cols > t.cols {
		exceptions.Panicf("valid region %dx%d out of the tile shape %dx%d", rows, cols, t.rows, t.cols)
	}
	t.validRows = rows
	t.validCols = cols
	return t
}

// WithPad returns a copy of t with a new padding declaration.
func (t Tile) WithPad(pad PadValue) Tile {
	t.pad = pad
	return t
}

// SameShape returns whether t and other have the same dtype, shape and format.
// Valid regions, tiers and offsets may differ.
func (t Tile) SameShape(other Tile) bool {
	return t.dtype == other.dtype && t.rows == other.rows && t.cols == other.cols && t.format == other.format
}

// Overlaps returns whether t and other occupy intersecting byte ranges of the same tier.
func (t Tile) Overlaps(other Tile) bool {
	return t.tier == other.tier && t.offset < other.End() && other.offset < t.End()
}

// String implements fmt.Stringer.
func (t Tile) String() string {
	if t.IsZero() {
		return "Tile(nil)"
	}
	valid := ""
	if !t.Full() {
		valid = fmt.Sprintf(" valid=%dx%d", t.validRows, t.validCols)
	}
	return fmt.Sprintf("%s[%s %dx%d %s%s @%d]", t.tier, t.dtype, t.rows, t.cols, t.format, valid, t.offset)
}
