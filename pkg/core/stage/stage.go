// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stage implements buffered stages between two pipelines: slots of the same shape in one
// tier, filled by a producer pipeline and drained by a consumer pipeline.
//
// A stage with two slots is a double buffer: the fill of one slot overlaps the drain of the other.
// A stage with one slot serializes fill and drain, and is used for side-channel resources loaded
// once per output tile, like the bias row or the dequantization scale.
//
// Each slot has a filled event (producer to consumer) and a drained event (consumer to producer).
// The stage emits the whole protocol: the producer waits for a slot's drained event before refilling
// it, and the consumer waits for its filled event before reading it. At build time each slot is
// tracked through the states Idle -> Filled -> Draining -> Idle, and any call out of protocol panics.
package stage

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
)

// SlotState of one slot of a Stage.
type SlotState int

const (
	// Idle slots are free to be filled.
	Idle SlotState = iota
	// Filled slots were written by the producer, and await the consumer.
	Filled
	// Draining is the slot the consumer is currently reading. At most one slot is draining.
	Draining
)

// String implements fmt.Stringer.
func (s SlotState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Filled:
		return "Filled"
	case Draining:
		return "Draining"
	}
	return "SlotState(?)"
}

// Transition is one state change of a slot, with the emission position of the program when it happened.
type Transition struct {
	Slot     int
	From, To SlotState
	Seq      int
}

// Stage is a ring of one or two slots with their events.
type Stage struct {
	name               string
	slots              []tiles.Tile
	producer, consumer pipes.Pipe
	filled, drained    []events.Event
	period             int

	state        []SlotState
	pendingDrain []bool
	fillNext     int
	drainNext    int
	draining     int
	filling      int
	fillStart    int
	fills        int
	history      []Transition
}

// Option configures a Stage.
type Option func(*Stage)

// WithPeriod sets the refill period: one fill serves k consecutive steps of the consumer, which
// amortizes the fetch latency of larger panels. The event protocol is the same for every period.
func WithPeriod(k int) Option {
	return func(s *Stage) {
		s.period = k
	}
}

// New creates the stage named name over one or two slots, allocating two events per slot from pool.
//
// The slots must have the same shape and tier, and must not overlap.
func New(name string, slots []tiles.Tile, producer, consumer pipes.Pipe, pool *events.Pool, opts ...Option) (*Stage, error) {
	s := &Stage{
		name:     name,
		producer: producer,
		consumer: consumer,
		period:   1,
		draining: -1,
		filling:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(slots) != 1 && len(slots) != 2 {
		return nil, errors.Errorf("stage %q: a stage has 1 or 2 slots, got %d", name, len(slots))
	}
	if s.period < 1 {
		return nil, errors.Errorf("stage %q: invalid refill period %d", name, s.period)
	}
	for _, slot := range slots {
		if slot.IsZero() {
			return nil, errors.Errorf("stage %q: slots are not defined", name)
		}
	}
	if len(slots) == 2 {
		if !slots[0].SameShape(slots[1]) || slots[0].Tier() != slots[1].Tier() {
			return nil, errors.Errorf("stage %q: slots %s and %s differ in shape or tier", name, slots[0], slots[1])
		}
		if slots[0].Overlaps(slots[1]) {
			return nil, errors.Errorf("stage %q: slots %s and %s overlap", name, slots[0], slots[1])
		}
	}
	n := len(slots)
	s.slots = append([]tiles.Tile(nil), slots...)
	s.filled = make([]events.Event, n)
	s.drained = make([]events.Event, n)
	s.state = make([]SlotState, n)
	s.pendingDrain = make([]bool, n)
	var err error
	for ii := range n {
		s.filled[ii], err = pool.New(name+".filled", producer, consumer)
		if err != nil {
			return nil, errors.WithMessagef(err, "stage %q", name)
		}
		s.drained[ii], err = pool.New(name+".drained", consumer, producer)
		if err != nil {
			return nil, errors.WithMessagef(err, "stage %q", name)
		}
	}
	return s, nil
}

// Must is like New, but panics (with an exception) on error.
func Must(name string, slots []tiles.Tile, producer, consumer pipes.Pipe, pool *events.Pool, opts ...Option) *Stage {
	s, err := New(name, slots, producer, consumer, pool, opts...)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return s
}

func (s *Stage) Name() string           { return s.name }
func (s *Stage) Period() int            { return s.period }
func (s *Stage) NumSlots() int          { return len(s.slots) }
func (s *Stage) Producer() pipes.Pipe   { return s.producer }
func (s *Stage) Consumer() pipes.Pipe   { return s.consumer }
func (s *Stage) Slot(ii int) tiles.Tile { return s.slots[ii] }
func (s *Stage) State(ii int) SlotState { return s.state[ii] }
func (s *Stage) History() []Transition  { return s.history }

// Events returns the filled and drained events of slot ii.
func (s *Stage) Events(ii int) (filled, drained events.Event) {
	return s.filled[ii], s.drained[ii]
}

// Fills returns how many times the stage was filled.
func (s *Stage) Fills() int {
	return s.fills
}

// Boundary returns whether step starts a new refill period.
func (s *Stage) Boundary(step int) bool {
	return step%s.period == 0
}

// RoundEnd returns whether step is the last step served by the current fill, given the total number of steps.
func (s *Stage) RoundEnd(step, total int) bool {
	return step%s.period == s.period-1 || step == total-1
}

// CanFill returns whether the next slot to fill is Idle.
func (s *Stage) CanFill() bool {
	return s.filling < 0 && s.state[s.fillNext] == Idle
}

// CanAcquire returns whether no slot is draining and the next slot to drain is Filled.
func (s *Stage) CanAcquire() bool {
	return s.draining < 0 && s.state[s.drainNext] == Filled
}

// IsDraining returns whether a slot is currently acquired by the consumer.
func (s *Stage) IsDraining() bool {
	return s.draining >= 0
}

func (s *Stage) next(ii int) int {
	return (ii + 1) % len(s.slots)
}

func (s *Stage) transition(b *program.Builder, ii int, to SlotState) {
	s.history = append(s.history, Transition{Slot: ii, From: s.state[ii], To: to, Seq: b.Len()})
	s.state[ii] = to
}

// Prime records the drained event of every slot up front, from the consumer. The producer then
// waits on them before its first fills, which makes the loop body identical for every iteration.
// Finish consumes the outstanding drained records at the end.
func (s *Stage) Prime(b *program.Builder) {
	for ii := range s.slots {
		if s.state[ii] != Idle || s.pendingDrain[ii] {
			exceptions.Panicf("stage %q: priming slot %d in state %s", s.name, ii, s.state[ii])
		}
		b.NameEvent(s.drained[ii], s.name+".drained")
		b.Record(s.drained[ii])
		s.pendingDrain[ii] = true
	}
}

// Fill fills the next slot: it waits for the slot's previous drain (if any), runs emit with the
// slot, and records the filled event. Every operation emitted by emit must be issued on the
// producer pipeline.
//
// It returns the filled slot.
func (s *Stage) Fill(b *program.Builder, emit func(slot tiles.Tile)) tiles.Tile {
	slot := s.BeginFill(b)
	start := b.Len()
	emit(slot)
	for _, in := range b.Since(start) {
		if in.Kind == program.KindOp && in.Pipe != s.producer {
			exceptions.Panicf("stage %q: fill issued %s on %s, but the producer is %s", s.name, in.Op, in.Pipe, s.producer)
		}
	}
	s.EndFill(b)
	return slot
}

// BeginFill starts a fill that spans other operations, like an accumulator written by a reduction
// loop that also issues fetches and extractions. It waits for the slot's previous drain and
// returns the slot. Until EndFill, operations of any pipeline may be issued, but those writing the
// slot must be on the producer pipeline.
func (s *Stage) BeginFill(b *program.Builder) tiles.Tile {
	if s.filling >= 0 {
		exceptions.Panicf("stage %q: slot %d is already being filled", s.name, s.filling)
	}
	ii := s.fillNext
	if s.state[ii] != Idle {
		exceptions.Panicf("stage %q: filling slot %d while it is %s -- it must be drained first", s.name, ii, s.state[ii])
	}
	if s.pendingDrain[ii] {
		b.Wait(s.drained[ii])
		s.pendingDrain[ii] = false
	}
	s.filling = ii
	s.fillStart = b.Len()
	return s.slots[ii]
}

// EndFill completes the fill started by BeginFill, recording the filled event.
func (s *Stage) EndFill(b *program.Builder) {
	ii := s.filling
	if ii < 0 {
		exceptions.Panicf("stage %q: no fill in progress", s.name)
	}
	for _, in := range b.Since(s.fillStart) {
		if in.Kind == program.KindOp && in.Pipe != s.producer && in.Writes(s.slots[ii]) {
			exceptions.Panicf("stage %q: %s on %s writes slot %d, but the producer is %s", s.name, in.Op, in.Pipe, ii, s.producer)
		}
	}
	b.NameEvent(s.filled[ii], s.name+".filled")
	b.Record(s.filled[ii])
	s.transition(b, ii, Filled)
	s.filling = -1
	s.fillNext = s.next(ii)
	s.fills++
}

// Acquire emits the consumer wait for the next filled slot and returns it.
// Only one slot can be draining at a time: the previous one must have been released.
func (s *Stage) Acquire(b *program.Builder) tiles.Tile {
	if s.draining >= 0 {
		exceptions.Panicf("stage %q: acquiring while slot %d is still draining", s.name, s.draining)
	}
	ii := s.drainNext
	if s.state[ii] != Filled {
		exceptions.Panicf("stage %q: acquiring slot %d while it is %s -- it must be filled first", s.name, ii, s.state[ii])
	}
	b.Wait(s.filled[ii])
	s.transition(b, ii, Draining)
	s.draining = ii
	return s.slots[ii]
}

// Current returns the slot being drained.
func (s *Stage) Current() tiles.Tile {
	if s.draining < 0 {
		exceptions.Panicf("stage %q: no slot is being drained", s.name)
	}
	return s.slots[s.draining]
}

// Release emits the consumer record of the drained event of the draining slot, returning it to Idle.
func (s *Stage) Release(b *program.Builder) {
	ii := s.draining
	if ii < 0 {
		exceptions.Panicf("stage %q: releasing with no slot draining", s.name)
	}
	b.NameEvent(s.drained[ii], s.name+".drained")
	b.Record(s.drained[ii])
	s.pendingDrain[ii] = true
	s.transition(b, ii, Idle)
	s.draining = -1
	s.drainNext = s.next(ii)
}

// Finish makes the producer wait for the outstanding drained records, so no record is left
// unconsumed when the program ends. All slots must be Idle.
func (s *Stage) Finish(b *program.Builder) {
	if s.filling >= 0 {
		exceptions.Panicf("stage %q: finishing while slot %d is being filled", s.name, s.filling)
	}
	for ii := range s.slots {
		if s.state[ii] != Idle {
			exceptions.Panicf("stage %q: finishing while slot %d is %s", s.name, ii, s.state[ii])
		}
	}
	// Wait in fill order, the order in which the producer would have reused them.
	for jj := range s.slots {
		ii := (s.fillNext + jj) % len(s.slots)
		if s.pendingDrain[ii] {
			b.Wait(s.drained[ii])
			s.pendingDrain[ii] = false
		}
	}
}
