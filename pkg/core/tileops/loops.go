// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tileops

import "github.com/gomlx/tilepipe/pkg/core/tiles"

// Loop enumerates the loop bodies that elementwise operations are dispatched to.
type Loop int

const (
	// LoopFlat walks one contiguous run of elements, shared by every operand.
	LoopFlat Loop = iota

	// LoopRows walks the rows, each one a contiguous run of elements of every operand.
	LoopRows

	// LoopGeneric addresses every element through the operand addressers.
	LoopGeneric
)

// String implements fmt.Stringer.
func (l Loop) String() string {
	switch l {
	case LoopFlat:
		return "flat"
	case LoopRows:
		return "rows"
	}
	return "generic"
}

// loopBody is called with the row of the element and its element index in each operand.
type loopBody func(row int, idx []int)

// selectLoop picks, once at construction, the loop over the top-left rows x cols region of the
// operands. The decision depends on the layout of the operands and on whether the region covers
// whole rows: plain row-major operands spanning whole rows are one contiguous run, plain row-major
// operands are contiguous per row, anything else is addressed element by element.
func selectLoop(rows, cols int, operands ...tiles.Tile) (Loop, func(body loopBody)) {
	rowMajor, wholeRows := true, true
	for _, t := range operands {
		if t.Addresser().RowStride() == 0 {
			rowMajor = false
		}
		if t.Cols() != cols {
			wholeRows = false
		}
	}
	n := len(operands)
	switch {
	case rowMajor && wholeRows:
		bases := make([]int, n)
		for k, t := range operands {
			bases[k] = t.Index(0, 0)
		}
		return LoopFlat, func(body loopBody) {
			idx := make([]int, n)
			row, inRow := 0, 0
			for i := range rows * cols {
				for k := range n {
					idx[k] = bases[k] + i
				}
				body(row, idx)
				inRow++
				if inRow == cols {
					row, inRow = row+1, 0
				}
			}
		}

	case rowMajor:
		return LoopRows, func(body loopBody) {
			idx := make([]int, n)
			starts := make([]int, n)
			for r := range rows {
				for k, t := range operands {
					starts[k] = t.Index(r, 0)
				}
				for c := range cols {
					for k := range n {
						idx[k] = starts[k] + c
					}
					body(r, idx)
				}
			}
		}
	}
	return LoopGeneric, func(body loopBody) {
		idx := make([]int, n)
		for r := range rows {
			for c := range cols {
				for k, t := range operands {
					idx[k] = t.Index(r, c)
				}
				body(r, idx)
			}
		}
	}
}
