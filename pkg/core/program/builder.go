// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program holds the static description of what one core executes: one in-order queue of
// instructions per pipeline, connected only by event records and waits.
//
// Programs are built with a Builder, which classifies every operation into its pipeline, pairs
// every wait with the record it waits for, and carries the scoped mode registers. Analyze checks a
// built program for data hazards between unordered pipelines, and for deadlocks.
//
// Builder methods panic (with github.com/gomlx/exceptions) on invalid arguments, the same way graph
// building does in GoMLX; kernel constructors catch them and return them as errors.
package program

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/internal/scoped"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DiagnosticKind classifies problems found while pairing records and waits.
type DiagnosticKind int

const (
	// DiagWaitBeforeRecord is a wait emitted when all records of its event so far were already
	// waited for: at run time it blocks until a later record, if any.
	DiagWaitBeforeRecord DiagnosticKind = iota

	// DiagRecordOverrun is a record emitted while a previous record of the same event was not yet waited for.
	DiagRecordOverrun

	// DiagUnconsumedRecord is a record that no wait of the program is paired with.
	DiagUnconsumedRecord
)

// String implements fmt.Stringer.
func (k DiagnosticKind) String() string {
	switch k {
	case DiagWaitBeforeRecord:
		return "WaitBeforeRecord"
	case DiagRecordOverrun:
		return "RecordOverrun"
	case DiagUnconsumedRecord:
		return "UnconsumedRecord"
	}
	return "DiagnosticKind(?)"
}

// Diagnostic is a record/wait pairing problem. Diagnostics are not errors by themselves: they are
// ordering bugs with no run-time signal, so they are reported for validation.
type Diagnostic struct {
	Kind  DiagnosticKind
	Event events.Event
	Seq   int
	Label string
}

// String implements fmt.Stringer.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s on %s at #%d (%s)", d.Kind, d.Event, d.Seq, d.Label)
}

type eventState struct {
	records         int
	lastWaitGen     int
	recordsAtWait   int
	waited          bool
	idempotentNoted bool
}

// Builder emits the instructions of one program.
type Builder struct {
	name       string
	classifier *pipes.Classifier
	regs       *scoped.Registers
	instrs     []*Instruction
	events     map[events.Key]*eventState
	labels     map[events.Key]string
	diags      []Diagnostic
}

// NewBuilder returns a builder for a program named name, issuing operations from the classifier's
// active operation set.
func NewBuilder(name string, classifier *pipes.Classifier) *Builder {
	return &Builder{
		name:       name,
		classifier: classifier,
		regs:       scoped.New(),
		events:     make(map[events.Key]*eventState),
		labels:     make(map[events.Key]string),
	}
}

// Name of the program being built.
func (b *Builder) Name() string { return b.name }

// Classifier used to assign operations to pipelines.
func (b *Builder) Classifier() *pipes.Classifier { return b.classifier }

// Len returns the number of instructions emitted so far.
func (b *Builder) Len() int { return len(b.instrs) }

// Issue emits an operation on the pipeline it is classified to.
//
// It panics if the operation is not in the active operation set: nothing may be ordered against
// the Invalid pipeline.
func (b *Builder) Issue(op pipes.Op, label string, work int, exec ExecFunc, accesses ...Access) *Instruction {
	p := b.classifier.Pipe(op)
	if p == pipes.Invalid {
		exceptions.Panicf("program %q: cannot issue %s (%s): operation is not in the active operation set", b.name, op, label)
	}
	in := &Instruction{
		Seq:      len(b.instrs),
		Pipe:     p,
		Kind:     KindOp,
		Op:       op,
		Label:    label,
		Work:     work,
		Exec:     exec,
		Accesses: accesses,
	}
	if snapshot := b.regs.Snapshot(); len(snapshot) > 0 {
		in.State = snapshot
	}
	b.instrs = append(b.instrs, in)
	return in
}

// NameEvent attaches a label to the event, used in diagnostics.
func (b *Builder) NameEvent(e events.Event, label string) {
	b.labels[e.Key()] = label
}

func (b *Builder) eventState(e events.Event, action string) *eventState {
	if !e.IsValid() {
		exceptions.Panicf("program %q: cannot %s invalid event %s", b.name, action, e)
	}
	state, found := b.events[e.Key()]
	if !found {
		state = &eventState{}
		b.events[e.Key()] = state
	}
	return state
}

// Record emits the record of e on its source pipeline.
func (b *Builder) Record(e events.Event) {
	state := b.eventState(e, "record")
	state.records++
	in := &Instruction{Seq: len(b.instrs), Pipe: e.Src, Kind: KindRecord, Event: e, Gen: state.records}
	if state.records-state.lastWaitGen > 1 {
		b.diags = append(b.diags, Diagnostic{Kind: DiagRecordOverrun, Event: e, Seq: in.Seq, Label: b.labels[e.Key()]})
	}
	b.instrs = append(b.instrs, in)
}

// Wait emits a wait on e on its destination pipeline.
//
// Each wait is paired with the next unwaited record of e. A wait emitted with no record of e
// since the previous wait is idempotent: it pairs with the same record as the previous wait, and
// therefore adds no ordering. This is intentional, and is logged once per event at verbosity 1.
func (b *Builder) Wait(e events.Event) {
	state := b.eventState(e, "wait on")
	in := &Instruction{Seq: len(b.instrs), Pipe: e.Dst, Kind: KindWait, Event: e}
	if state.waited && state.records == state.recordsAtWait {
		in.Gen = state.lastWaitGen
		in.Idempotent = true
		if !state.idempotentNoted {
			state.idempotentNoted = true
			klog.V(1).Infof("program %q: idempotent wait on %s at #%d", b.name, e, in.Seq)
		}
	} else {
		state.lastWaitGen++
		in.Gen = state.lastWaitGen
		if in.Gen > state.records {
			b.diags = append(b.diags, Diagnostic{Kind: DiagWaitBeforeRecord, Event: e, Seq: in.Seq, Label: b.labels[e.Key()]})
		}
	}
	state.waited = true
	state.recordsAtWait = state.records
	b.instrs = append(b.instrs, in)
}

// WithState sets the scoped register key to value for the operations issued by fn.
// The previous value is restored when fn returns, or panics.
func (b *Builder) WithState(key string, value any, fn func()) {
	b.regs.With(key, value, fn)
}

// State returns the current value of the register key converted to T, or defaultValue if it is unset.
func State[T any](b *Builder, key string, defaultValue T) T {
	return scoped.Get(b.regs, key, defaultValue)
}

// Build finalizes the program. The builder should not be used afterward.
func (b *Builder) Build() *Program {
	p := &Program{
		Name:         b.name,
		Instructions: b.instrs,
		Diagnostics:  slices.Clone(b.diags),
		Records:      make(map[events.Key]int, len(b.events)),
	}
	for _, in := range b.instrs {
		p.Queues[in.Pipe] = append(p.Queues[in.Pipe], in)
	}
	keys := slices.SortedFunc(maps.Keys(b.events), func(a, c events.Key) int {
		return strings.Compare(a.String(), c.String())
	})
	for _, key := range keys {
		state := b.events[key]
		p.Records[key] = state.records
		if state.records > state.lastWaitGen {
			// Find the first unconsumed record, for the diagnostic.
			gen := 0
			for _, in := range b.instrs {
				if in.Kind == KindRecord && in.Event.Key() == key {
					gen++
					if gen == state.lastWaitGen+1 {
						p.Diagnostics = append(p.Diagnostics, Diagnostic{
							Kind: DiagUnconsumedRecord, Event: in.Event, Seq: in.Seq, Label: b.labels[key]})
						break
					}
				}
			}
		}
	}
	return p
}

// BuildFunc runs emit with a new builder and returns the built program. Panics raised while
// emitting (exceptions or errors) are returned as errors.
func BuildFunc(name string, classifier *pipes.Classifier, emit func(b *Builder)) (*Program, error) {
	var p *Program
	err := exceptions.TryCatch[error](func() {
		b := NewBuilder(name, classifier)
		emit(b)
		p = b.Build()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building program %q", name)
	}
	return p, nil
}

// Since returns the instructions emitted from position n (as returned by Len) onward.
func (b *Builder) Since(n int) []*Instruction {
	return b.instrs[n:]
}
