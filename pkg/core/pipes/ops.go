// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipes

//go:generate go tool enumer -type=Op -trimprefix=Op -output=gen_op_enumer.go ops.go

// Op enumerates the tile operations the leaf numeric layer can issue.
type Op int

const (
	OpInvalid Op = iota

	// Bulk memory to staging or scratch.
	OpLoad

	// Staging to compute inputs and side-channels.
	OpExtract
	OpMovBias
	OpMovScaling

	// Matrix unit: initialize, accumulate-into, and initialize-with-bias.
	OpMatmul
	OpMatmulAcc
	OpMatmulBias

	// Accumulator to bulk memory, and accumulator to scratch (or staging).
	OpStoreAcc
	OpMovAcc

	// Scratch to bulk memory, and scratch to staging.
	OpStoreVec
	OpMovVec

	// Vector unit.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMax
	OpMuls
	OpAdds
	OpExp
	OpRowMax
	OpRowSum
	OpRowExpandSub
	OpRowExpandMul
	OpRowExpandDiv
	OpExpands
	OpTri
	OpMask
	OpCvt
	OpQuant
	OpCopy
	OpSort32
	OpMrgSort

	// OpLast should always be kept the last, it is used as a counter/marker for Op.
	OpLast
)

// LatencyClass groups operations by the unit that executes them, for the timing model.
type LatencyClass int

const (
	// LatencyTransfer is for data movement: cost grows with the bytes moved.
	LatencyTransfer LatencyClass = iota

	// LatencyMatrix is for matrix-unit operations: cost grows with multiply-accumulates.
	LatencyMatrix

	// LatencyVector is for elementwise and row operations: cost grows with elements.
	LatencyVector

	// LatencySort is for sort networks and merges: cost grows with elements, at a higher rate.
	LatencySort

	NumLatencyClasses
)

// String implements fmt.Stringer.
func (c LatencyClass) String() string {
	switch c {
	case LatencyTransfer:
		return "Transfer"
	case LatencyMatrix:
		return "Matrix"
	case LatencyVector:
		return "Vector"
	case LatencySort:
		return "Sort"
	}
	return "LatencyClass(?)"
}

// opPipe is the static operation to pipeline table.
var opPipe = [OpLast]Pipe{
	OpInvalid:      Invalid,
	OpLoad:         Fetch,
	OpExtract:      Transform,
	OpMovBias:      Transform,
	OpMovScaling:   Transform,
	OpMatmul:       Matrix,
	OpMatmulAcc:    Matrix,
	OpMatmulBias:   Matrix,
	OpStoreAcc:     Drain,
	OpMovAcc:       Drain,
	OpStoreVec:     Store,
	OpMovVec:       Store,
	OpAdd:          Vector,
	OpSub:          Vector,
	OpMul:          Vector,
	OpDiv:          Vector,
	OpMax:          Vector,
	OpMuls:         Vector,
	OpAdds:         Vector,
	OpExp:          Vector,
	OpRowMax:       Vector,
	OpRowSum:       Vector,
	OpRowExpandSub: Vector,
	OpRowExpandMul: Vector,
	OpRowExpandDiv: Vector,
	OpExpands:      Vector,
	OpTri:          Vector,
	OpMask:         Vector,
	OpCvt:          Vector,
	OpQuant:        Vector,
	OpCopy:         Vector,
	OpSort32:       Vector,
	OpMrgSort:      Vector,
}

// Latency returns the latency class of the operation.
func (op Op) Latency() LatencyClass {
	switch opPipe[op] {
	case Matrix:
		return LatencyMatrix
	case Vector:
		if op == OpSort32 || op == OpMrgSort {
			return LatencySort
		}
		return LatencyVector
	default:
		return LatencyTransfer
	}
}
