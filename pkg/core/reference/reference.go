// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reference holds naive implementations of the computations of the kernels, and the
// comparison tools used to validate kernel outputs against them.
//
// A missing or misplaced event in a kernel doesn't crash: it produces wrong numbers, sometimes
// only under some interleavings. Comparing outputs against an independent reference, under
// several execution modes and seeds, is how such errors are caught.
//
// All matrices are dense row-major float32 slices. Computations accumulate in float64.
package reference

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"golang.org/x/exp/constraints"
)

// Matmul returns a (m x k) times b (k x n).
func Matmul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for kk := range k {
				sum += float64(a[i*k+kk]) * float64(b[kk*n+j])
			}
			c[i*n+j] = float32(sum)
		}
	}
	return c
}

// AddRow adds row to every one of the rows of the m x len(row) matrix x, in place.
func AddRow(x, row []float32) []float32 {
	n := len(row)
	for i := range x {
		x[i] += row[i%n]
	}
	return x
}

// ScaleColumns multiplies each column of x by its scale, in place.
func ScaleColumns(x, scales []float32) []float32 {
	n := len(scales)
	for i := range x {
		x[i] = float32(float64(x[i]) * float64(scales[i%n]))
	}
	return x
}

// Relu clamps the negative values of x to zero, in place.
func Relu[T constraints.Float | constraints.Signed](x []T) []T {
	for i, v := range x {
		x[i] = max(v, 0)
	}
	return x
}

// Transpose returns the transpose of the rows x cols matrix x.
func Transpose[T any](x []T, rows, cols int) []T {
	t := make([]T, len(x))
	for r := range rows {
		for c := range cols {
			t[c*rows+r] = x[r*cols+c]
		}
	}
	return t
}

// Convert converts between numeric slices.
func Convert[To, From constraints.Integer | constraints.Float](x []From) []To {
	out := make([]To, len(x))
	for i, v := range x {
		out[i] = To(v)
	}
	return out
}

// RoundTo returns a copy of x rounded to the precision of dtype, as if stored and loaded back.
// References computed from rounded inputs see exactly what the device sees.
func RoundTo(dtype dtypes.DType, x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(dtype.Round(float64(v)))
	}
	return out
}

// Softmax normalizes each row of the rows x cols matrix x. If lengths is given, only the first
// lengths[r] elements of row r take part, and the others are set to 0.
func Softmax(x []float32, rows, cols int, lengths []int) []float32 {
	out := make([]float32, len(x))
	for r := range rows {
		n := cols
		if lengths != nil {
			n = lengths[r]
		}
		row := x[r*cols : r*cols+n]
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = max(maxV, float64(v))
		}
		var sum float64
		exps := make([]float64, n)
		for c, v := range row {
			exps[c] = math.Exp(float64(v) - maxV)
			sum += exps[c]
		}
		for c := range n {
			out[r*cols+c] = float32(exps[c] / sum)
		}
	}
	return out
}

// Attention computes softmax(q k^T * scale) v for one head: q is seq x dim, k and v are
// kvSeq x dim. With causal, query i only attends to keys j <= i.
func Attention(q, k, v []float32, seq, kvSeq, dim int, scale float64, causal bool) []float32 {
	scores := make([]float32, seq*kvSeq)
	lengths := make([]int, seq)
	for i := range seq {
		lengths[i] = kvSeq
		if causal {
			lengths[i] = min(i+1, kvSeq)
		}
		for j := range kvSeq {
			var dot float64
			for d := range dim {
				dot += float64(q[i*dim+d]) * float64(k[j*dim+d])
			}
			scores[i*kvSeq+j] = float32(dot * scale)
		}
	}
	return Matmul(Softmax(scores, seq, kvSeq, lengths), v, seq, kvSeq, dim)
}

// Quantize quantizes x as the vector unit does: the scaled value is rounded to half precision,
// then rounded half to even and saturated to Int8 (symmetric) or Uint8 (asymmetric).
func Quantize(x []float32, invScale, zeroPoint float64, asymmetric bool) []float32 {
	dtype := dtypes.Int8
	if asymmetric {
		dtype = dtypes.Uint8
	}
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(dtype.Saturate(dtypes.Float16.Round(float64(v)*invScale + zeroPoint)))
	}
	return out
}

// less returns the comparison of a stable sort of entries in the given order.
func less(descending bool) func(a, b entry) int {
	return func(a, b entry) int {
		switch {
		case a.value == b.value:
			return 0
		case (a.value > b.value) == descending:
			return -1
		}
		return 1
	}
}

type entry struct {
	value float32
	index int
}

// TopK returns the k best values of x in the given order, with their indices, ties broken by the
// lowest index.
func TopK(x []float32, k int, descending bool) (values []float32, indices []int) {
	entries := make([]entry, len(x))
	for i, v := range x {
		entries[i] = entry{v, i}
	}
	slices.SortStableFunc(entries, less(descending))
	k = min(k, len(entries))
	values, indices = make([]float32, k), make([]int, k)
	for i, e := range entries[:k] {
		values[i], indices[i] = e.value, e.index
	}
	return
}

// Merge concatenates the lists, sorts them in the given order and keeps the first k values.
// k <= 0 keeps them all.
func Merge(lists [][]float32, k int, descending bool) []float32 {
	all := slices.Concat(lists...)
	if k <= 0 {
		k = len(all)
	}
	values, _ := TopK(all, k, descending)
	return values
}

// Normal returns n values drawn from a normal distribution with the given standard deviation.
func Normal(rng *rand.Rand, n int, stddev float64) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(rng.NormFloat64() * stddev)
	}
	return x
}

// Uniform returns n values drawn uniformly from [lo, hi).
func Uniform(rng *rand.Rand, n int, lo, hi float64) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(lo + rng.Float64()*(hi-lo))
	}
	return x
}
