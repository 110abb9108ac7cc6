// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stage

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var (
	panel = tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierMat, Rows: 32, Cols: 32, Format: tiles.FormatNZ})
	left  = tiles.Must(tiles.Spec{DType: dtypes.Float16, Tier: tiles.TierLeft, Rows: 32, Cols: 32, Format: tiles.FormatZZ})
)

func newStage(t *testing.T, opts ...Option) *Stage {
	plan := tiers.NewPlan("stage")
	slots := plan.AppendPair("a", panel)
	d, err := New("a", slots, pipes.Fetch, pipes.Transform, events.NewPool(), opts...)
	require.NoError(t, err)
	return d
}

func fill(b *program.Builder, slot tiles.Tile) {
	b.Issue(pipes.OpLoad, "load", slot.Bytes(), nil, program.TileAccess(slot, true))
}

func drain(b *program.Builder, slot tiles.Tile) {
	b.Issue(pipes.OpExtract, "extract", slot.Bytes(), nil,
		program.TileAccess(slot, false), program.TileAccess(left, true))
}

func TestNew(t *testing.T) {
	plan := tiers.NewPlan("new")
	slots := plan.AppendPair("a", panel)
	pool := events.NewPool()
	d, err := New("a", slots, pipes.Fetch, pipes.Transform, pool, WithPeriod(4))
	require.NoError(t, err)
	assert.Equal(t, 4, d.Period())
	assert.Equal(t, 2, d.NumSlots())
	assert.Equal(t, 4, pool.Len())
	filled, drained := d.Events(1)
	assert.Equal(t, pipes.Fetch, filled.Src)
	assert.Equal(t, pipes.Transform, drained.Src)
	assert.NotEqual(t, d.filled[0].Token, filled.Token)

	_, err = New("bad", []tiles.Tile{slots[0], slots[0]}, pipes.Fetch, pipes.Transform, pool)
	require.ErrorContains(t, err, "overlap")
	_, err = New("bad", []tiles.Tile{slots[0], slots[1], slots[0]}, pipes.Fetch, pipes.Transform, pool)
	require.ErrorContains(t, err, "1 or 2 slots")
	_, err = New("bad", []tiles.Tile{slots[0], left}, pipes.Fetch, pipes.Transform, pool)
	require.ErrorContains(t, err, "differ in shape or tier")
	_, err = New("bad", slots, pipes.Fetch, pipes.Fetch, pool)
	require.ErrorContains(t, err, "both")
	_, err = New("bad", slots, pipes.Fetch, pipes.Transform, pool, WithPeriod(0))
	require.ErrorContains(t, err, "refill period")

	// Each stage takes 2 of the 8 tokens of each direction.
	pool = events.NewPool()
	for ii := range 4 {
		_, err = New(fmt.Sprintf("s%d", ii), slots, pipes.Fetch, pipes.Transform, pool)
		require.NoError(t, err)
	}
	_, err = New("s4", slots, pipes.Fetch, pipes.Transform, pool)
	require.ErrorContains(t, err, "all 8 tokens")
}

func TestPeriod(t *testing.T) {
	d := newStage(t, WithPeriod(3))
	var boundaries, ends []int
	for step := range 7 {
		if d.Boundary(step) {
			boundaries = append(boundaries, step)
		}
		if d.RoundEnd(step, 7) {
			ends = append(ends, step)
		}
	}
	assert.Equal(t, []int{0, 3, 6}, boundaries)
	assert.Equal(t, []int{2, 5, 6}, ends)
}

func TestProtocolViolations(t *testing.T) {
	b := program.NewBuilder("violations", pipes.NewClassifier())
	d := newStage(t)
	d.Fill(b, func(slot tiles.Tile) { fill(b, slot) })
	d.Fill(b, func(slot tiles.Tile) { fill(b, slot) })
	// Both slots are filled: a third fill would overwrite slot 0 before it is drained.
	require.Panics(t, func() { d.Fill(b, func(slot tiles.Tile) { fill(b, slot) }) })

	d.Acquire(b)
	require.Panics(t, func() { d.Acquire(b) }, "only one slot may be draining")
	require.Panics(t, func() { d.Finish(b) })
	d.Release(b)
	require.Panics(t, func() { d.Release(b) })

	// Fill issuing on the wrong pipeline.
	d.Acquire(b)
	d.Release(b)
	require.Panics(t, func() { d.Fill(b, func(slot tiles.Tile) { drain(b, slot) }) })

	_, err := program.BuildFunc("empty-acquire", pipes.NewClassifier(), func(b *program.Builder) {
		newStage(t).Acquire(b)
	})
	require.ErrorContains(t, err, "it must be filled first")
}

func TestSingleSlot(t *testing.T) {
	plan := tiers.NewPlan("single")
	bias := plan.Append("bias", tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierMat, Rows: 1, Cols: 64}))
	s, err := New("bias", []tiles.Tile{bias}, pipes.Fetch, pipes.Transform, events.NewPool())
	require.NoError(t, err)
	b := program.NewBuilder("single", pipes.NewClassifier())
	for range 3 {
		s.Fill(b, func(slot tiles.Tile) { fill(b, slot) })
		require.False(t, s.CanFill(), "the only slot is filled")
		drain(b, s.Acquire(b))
		s.Release(b)
	}
	s.Finish(b)
	p := b.Build()
	require.NoError(t, p.Lint())
	require.NoError(t, program.Analyze(p).Err())
	assert.Equal(t, 3, p.Records[s.filled[0].Key()])
}

func TestSplitFill(t *testing.T) {
	plan := tiers.NewPlan("split")
	acc := plan.Append("acc", tiles.Must(tiles.Spec{DType: dtypes.Float32, Tier: tiles.TierAcc, Rows: 32, Cols: 32,
		Format: tiles.FormatAcc}))
	s, err := New("acc", []tiles.Tile{acc}, pipes.Matrix, pipes.Drain, events.NewPool())
	require.NoError(t, err)
	compute := func(b *program.Builder, slot tiles.Tile) {
		b.Issue(pipes.OpMatmul, "mmad", slot.Len(), nil, program.TileAccess(left, false), program.TileAccess(slot, true))
	}

	b := program.NewBuilder("split", pipes.NewClassifier())
	s.Prime(b)
	for range 2 {
		slot := s.BeginFill(b)
		require.False(t, s.CanFill())
		require.Panics(t, func() { s.BeginFill(b) })
		for range 3 {
			// Other pipelines may work while the accumulator is filled, as long as they don't write it.
			fill(b, panel)
			b.Issue(pipes.OpExtract, "extract", left.Bytes(), nil,
				program.TileAccess(panel, false), program.TileAccess(left, true))
			compute(b, slot)
		}
		s.EndFill(b)
		s.Acquire(b)
		s.Release(b)
	}
	s.Finish(b)
	assert.Equal(t, 2, s.Fills())
	require.NoError(t, b.Build().Lint())

	_, err = program.BuildFunc("foreign-writer", pipes.NewClassifier(), func(b *program.Builder) {
		s := Must("acc", []tiles.Tile{acc}, pipes.Matrix, pipes.Drain, events.NewPool())
		slot := s.BeginFill(b)
		b.Issue(pipes.OpMovAcc, "mov", slot.Bytes(), nil, program.TileAccess(slot, true))
		s.EndFill(b)
	})
	require.ErrorContains(t, err, "writes slot 0, but the producer is Matrix")
	require.Panics(t, func() { s.EndFill(b) }, "no fill in progress")
}

// driveRandomly emits a random sequence of fills and drains allowed by the protocol, steps of each.
func driveRandomly(b *program.Builder, s *Stage, rng *rand.Rand, steps int,
	onFill func(slot tiles.Tile, step int), onDrain func(slot tiles.Tile, step int)) {
	fills, drains := 0, 0
	for drains < steps {
		canFill := fills < steps && s.CanFill()
		canAcquire := s.CanAcquire()
		switch {
		case s.IsDraining() && (rng.IntN(2) == 0 || (!canFill && !canAcquire)):
			onDrain(s.Current(), drains)
			s.Release(b)
			drains++
		case canFill && (!canAcquire || rng.IntN(2) == 0):
			step := fills
			s.Fill(b, func(slot tiles.Tile) { onFill(slot, step) })
			fills++
		case canAcquire:
			s.Acquire(b)
		}
	}
	s.Finish(b)
}

// TestRandomInterleavings drives the stage with random sequences of fills and drains allowed by the
// protocol, and checks that the emitted program is free of hazards, deadlocks and pairing problems.
func TestRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for trial := range 200 {
		b := program.NewBuilder(fmt.Sprintf("trial-%d", trial), pipes.NewClassifier())
		s := newStage(t)
		if trial%2 == 0 {
			s.Prime(b)
		}
		steps := 1 + rng.IntN(20)
		driveRandomly(b, s, rng, steps,
			func(slot tiles.Tile, _ int) { fill(b, slot) },
			func(slot tiles.Tile, _ int) { drain(b, slot) })
		p := b.Build()
		require.NoError(t, p.Lint(), "trial %d", trial)
		report := program.Analyze(p)
		require.NoError(t, report.Err(), "trial %d", trial)
		assert.Equal(t, steps, s.Fills())

		// Never more than one slot draining, and every slot goes Idle -> Filled -> Draining -> Idle.
		for _, tr := range s.History() {
			switch tr.To {
			case Filled:
				assert.Equal(t, Idle, tr.From)
			case Draining:
				assert.Equal(t, Filled, tr.From)
			case Idle:
				assert.Equal(t, Draining, tr.From)
			}
		}
	}
}

// TestRandomInterleavingsExecute runs random protocol sequences on the device: every fill writes its
// step number into the slot, and every drain must read back its own step number, whatever the
// interleaving of the pipelines.
func TestRandomInterleavingsExecute(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for trial := range 20 {
		steps := 2 + rng.IntN(12)
		var seen []float64
		b := program.NewBuilder(fmt.Sprintf("trial-%d", trial), pipes.NewClassifier())
		s := newStage(t)
		s.Prime(b)
		driveRandomly(b, s, rng, steps,
			func(slot tiles.Tile, step int) {
				b.Issue(pipes.OpLoad, "load", slot.Bytes(), func(mem program.Memory) {
					slot.DType().Put(mem.Tier(slot.Tier()), slot.Index(0, 0), float64(step))
				}, program.TileAccess(slot, true))
			},
			func(slot tiles.Tile, _ int) {
				b.Issue(pipes.OpExtract, "extract", slot.Bytes(), func(mem program.Memory) {
					seen = append(seen, slot.DType().Get(mem.Tier(slot.Tier()), slot.Index(0, 0)))
				}, program.TileAccess(slot, false), program.TileAccess(left, true))
			})
		p := b.Build()
		for _, config := range []string{"a2a3:mode=serial,seed=1", "a2a3:mode=serial,seed=99", "a2a3:mode=concurrent"} {
			seen = seen[:0]
			d, err := device.NewWithConfig(config)
			require.NoError(t, err)
			stream := d.NewStream()
			stream.Run([]*program.Program{p})
			require.NoError(t, stream.Synchronize())
			require.Len(t, seen, steps)
			for step, v := range seen {
				require.Equal(t, float64(step), v, "trial %d, %s: step %d read a stale slot", trial, config, step)
			}
		}
	}
}

func TestMissingDrainedWaitIsAHazard(t *testing.T) {
	d := newStage(t)
	slots := []tiles.Tile{d.Slot(0), d.Slot(1)}
	filled0, _ := d.Events(0)
	filled1, _ := d.Events(1)

	// The producer refills slot 0 without waiting for the consumer to drain it.
	b := program.NewBuilder("missing-drained", pipes.NewClassifier())
	fill(b, slots[0])
	b.Record(filled0)
	fill(b, slots[1])
	b.Record(filled1)
	b.Wait(filled0)
	drain(b, slots[0])
	fill(b, slots[0])
	report := program.Analyze(b.Build())
	require.Equal(t, 1, report.NumHazards)
	assert.Equal(t, program.HazardWAR, report.Hazards[0].Kind)
	assert.Equal(t, pipes.OpExtract, report.Hazards[0].First.Op)
	assert.Equal(t, pipes.OpLoad, report.Hazards[0].Second.Op)
}
