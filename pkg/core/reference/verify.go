// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reference

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// VerifyStats summarizes the comparison of an output against its reference.
type VerifyStats struct {
	Count int

	MaxAbs, MaxRel float64
	MeanAbs, RMSE  float64

	// Bad is the number of elements out of tolerance. NaN and Inf outputs are always bad.
	Bad        int
	NaN, Inf   int
	WorstIndex int
}

// OK returns whether every element is within tolerance.
func (s VerifyStats) OK() bool {
	return s.Bad == 0
}

// String implements fmt.Stringer.
func (s VerifyStats) String() string {
	return fmt.Sprintf("%d elements: max abs %.3g, max rel %.3g, mean abs %.3g, rmse %.3g, %d bad (%d NaN, %d Inf), worst at %d",
		s.Count, s.MaxAbs, s.MaxRel, s.MeanAbs, s.RMSE, s.Bad, s.NaN, s.Inf, s.WorstIndex)
}

// Compare compares got against want element by element: an element is within tolerance if
// |got - want| <= atol + rtol * |want|.
func Compare[T constraints.Float](got, want []T, atol, rtol float64) VerifyStats {
	s := VerifyStats{Count: min(len(got), len(want)), WorstIndex: -1}
	var sumAbs, sumSq float64
	worst := math.Inf(-1)
	for i := range s.Count {
		g, w := float64(got[i]), float64(want[i])
		var excess float64
		switch {
		case math.IsNaN(g):
			s.NaN++
			excess = math.Inf(1)
		case math.IsInf(g, 0):
			s.Inf++
			excess = math.Inf(1)
		default:
			diff := math.Abs(g - w)
			sumAbs += diff
			sumSq += diff * diff
			s.MaxAbs = max(s.MaxAbs, diff)
			if w != 0 {
				s.MaxRel = max(s.MaxRel, diff/math.Abs(w))
			}
			excess = diff - (atol + rtol*math.Abs(w))
		}
		if excess > 0 {
			s.Bad++
		}
		if excess > worst {
			worst = excess
			s.WorstIndex = i
		}
	}
	if s.Count > 0 {
		s.MeanAbs = sumAbs / float64(s.Count)
		s.RMSE = math.Sqrt(sumSq / float64(s.Count))
	}
	return s
}

// AllClose returns an error describing the comparison if got and want have different lengths,
// or if some element is out of tolerance (see Compare).
func AllClose[T constraints.Float](got, want []T, atol, rtol float64) error {
	if len(got) != len(want) {
		return errors.Errorf("got %d values, want %d", len(got), len(want))
	}
	s := Compare(got, want, atol, rtol)
	if !s.OK() {
		return errors.Errorf("values differ beyond atol=%g, rtol=%g: %s (got %g, want %g)",
			atol, rtol, s, got[s.WorstIndex], want[s.WorstIndex])
	}
	return nil
}
