// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiers

import (
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCapacities() Capacities {
	var caps Capacities
	caps[tiles.TierMat] = 512 << 10
	caps[tiles.TierLeft] = 64 << 10
	caps[tiles.TierRight] = 64 << 10
	caps[tiles.TierAcc] = 128 << 10
	caps[tiles.TierVec] = 192 << 10
	caps[tiles.TierBias] = 1 << 10
	caps[tiles.TierScaling] = 4 << 10
	return caps
}

func leftTile() tiles.Tile {
	return tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierLeft, Rows: 64, Cols: 64, Format: tiles.FormatZZ})
}

func TestPlanAppend(t *testing.T) {
	p := NewPlan("test")
	pair := p.AppendPair("a", leftTile())
	assert.Equal(t, 0, pair[0].Offset())
	assert.Equal(t, 8192, pair[1].Offset())
	vec := p.Append("v", tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierVec, Rows: 8, Cols: 8}))
	assert.Equal(t, 0, vec.Offset(), "tiers have separate address spaces")
	require.NoError(t, p.Validate(testCapacities()))
	assert.Equal(t, 16384, p.Used(tiles.TierLeft))
	assert.Len(t, p.Bindings(), 3)

	usage := p.Usage(testCapacities())
	require.Len(t, usage, 2)
	assert.Equal(t, tiles.TierLeft, usage[0].Tier)
	assert.Equal(t, 2, usage[0].Bindings)
	assert.Contains(t, p.Summary(testCapacities()), "Left=16 KiB/64 KiB")
}

func TestPlanRejectsOverlap(t *testing.T) {
	p := NewPlan("overlap")
	p.Bind("ping", leftTile(), tiles.TierLeft, 0)
	p.Bind("pong", leftTile(), tiles.TierLeft, 4096)
	err := p.Validate(testCapacities())
	require.ErrorContains(t, err, `"ping" [0, 8192) overlaps "pong" [4096, 12288)`)
}

func TestPlanRejectsExhaustion(t *testing.T) {
	p := NewPlan("big")
	for range 9 {
		p.Append("slot", leftTile())
	}
	err := p.Validate(testCapacities())
	require.ErrorContains(t, err, "which only has 64 KiB")
}

func TestPlanRejectsMisalignment(t *testing.T) {
	p := NewPlan("misaligned")
	p.Bind("odd", leftTile(), tiles.TierLeft, 100)
	require.ErrorContains(t, p.Validate(testCapacities()), "not aligned")

	p = NewPlan("global")
	p.Bind("g", leftTile(), tiles.TierGlobal, 0)
	require.ErrorContains(t, p.Validate(testCapacities()), "cannot hold tiles")
}
