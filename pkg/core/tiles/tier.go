// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

//go:generate go tool enumer -type=Tier -trimprefix=Tier -output=gen_tier_enumer.go tier.go

// Tier enumerates the memory tiers. Each tier is a distinct address space, never implicitly aliased.
type Tier int

const (
	// TierGlobal is bulk (global) memory. Tiles are never bound to it: bulk memory is addressed
	// through GlobalTensor views.
	TierGlobal Tier = iota

	// TierMat is the staging tier (L1), filled by the Fetch pipeline.
	TierMat

	// TierLeft holds the left operand of the matrix unit (L0A).
	TierLeft

	// TierRight holds the right operand of the matrix unit (L0B).
	TierRight

	// TierAcc holds the matrix unit accumulators (L0C).
	TierAcc

	// TierVec is the fast scratch tier (unified buffer) used by the vector unit.
	TierVec

	// TierBias is the bias side-channel read by the matrix unit.
	TierBias

	// TierScaling is the dequantization-scale side-channel read when draining accumulators.
	TierScaling
)

// NumTiers is the number of Tier values, including TierGlobal.
const NumTiers = int(TierScaling) + 1

// OnChip returns whether the tier is one of the per-core tiers (everything but TierGlobal).
func (t Tier) OnChip() bool {
	return t > TierGlobal && t <= TierScaling
}
