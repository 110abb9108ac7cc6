// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
)

// HazardKind classifies a pair of unordered conflicting accesses, by emission order.
type HazardKind int

const (
	// HazardRAW is a read emitted after a write it is not ordered after.
	HazardRAW HazardKind = iota
	// HazardWAR is a write emitted after a read it is not ordered after.
	HazardWAR
	// HazardWAW is two unordered writes.
	HazardWAW
)

// String implements fmt.Stringer.
func (k HazardKind) String() string {
	switch k {
	case HazardRAW:
		return "RAW"
	case HazardWAR:
		return "WAR"
	case HazardWAW:
		return "WAW"
	}
	return "HazardKind(?)"
}

// Hazard is a pair of operations on different pipelines touching a common region, with at least one
// write, and no chain of events ordering them.
type Hazard struct {
	Kind          HazardKind
	First, Second *Instruction
}

// String implements fmt.Stringer.
func (h Hazard) String() string {
	return fmt.Sprintf("%s between [%s] and [%s]", h.Kind, h.First, h.Second)
}

// MaxReportedHazards limits how many hazards a Report keeps. The total is still counted.
const MaxReportedHazards = 32

// Report is the result of Analyze.
type Report struct {
	Hazards     []Hazard
	NumHazards  int
	Diagnostics []Diagnostic

	// Blocked lists, on a deadlock, the wait instruction each unfinished pipeline is stuck on.
	Blocked []*Instruction
}

// Err returns an error summarizing hazards and deadlocks, or nil if there are none.
// Diagnostics alone don't make an error.
func (r Report) Err() error {
	var parts []string
	if len(r.Blocked) > 0 {
		var blocked []string
		for _, in := range r.Blocked {
			blocked = append(blocked, in.String())
		}
		parts = append(parts, "deadlock, pipelines blocked on: "+strings.Join(blocked, "; "))
	}
	if r.NumHazards > 0 {
		parts = append(parts, fmt.Sprintf("%d hazard(s)", r.NumHazards))
		for _, h := range r.Hazards {
			parts = append(parts, "  "+h.String())
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New(strings.Join(parts, "\n"))
}

// vclock is a vector clock indexed by pipeline.
type vclock [pipes.NumPipes]int

func (c *vclock) merge(other *vclock) {
	for ii, v := range other {
		c[ii] = max(c[ii], v)
	}
}

type stampedOp struct {
	in    *Instruction
	stamp int // position on its pipeline's clock
	clock vclock
}

// happensBefore returns whether a is ordered before b.
func happensBefore(a, b *stampedOp) bool {
	return b.clock[a.in.Pipe] >= a.stamp
}

// Analyze replays the program symbolically, computing the happens-before relation that the
// per-pipeline order and the events define, and reports every pair of conflicting accesses that is
// left unordered. It also detects deadlocks: a state where every unfinished pipeline waits on a
// record that can never be issued.
func Analyze(p *Program) Report {
	report := Report{Diagnostics: p.Diagnostics}
	var clocks [pipes.NumPipes]vclock
	var positions [pipes.NumPipes]int
	recorded := make(map[events.Key][]vclock)
	var ops []*stampedOp

	for progress := true; progress; {
		progress = false
		for pipe := range pipes.NumPipes {
			queue := p.Queues[pipe]
			for positions[pipe] < len(queue) {
				in := queue[positions[pipe]]
				clock := &clocks[pipe]
				if in.Kind == KindWait {
					recs := recorded[in.Event.Key()]
					if len(recs) < in.Gen {
						break
					}
					if in.Gen > 0 {
						clock.merge(&recs[in.Gen-1])
					}
				} else {
					clock[pipe]++
					if in.Kind == KindRecord {
						key := in.Event.Key()
						recorded[key] = append(recorded[key], *clock)
					} else if len(in.Accesses) > 0 {
						ops = append(ops, &stampedOp{in: in, stamp: clock[pipe], clock: *clock})
					}
				}
				positions[pipe]++
				progress = true
			}
		}
	}
	for pipe := range pipes.NumPipes {
		if positions[pipe] < len(p.Queues[pipe]) {
			report.Blocked = append(report.Blocked, p.Queues[pipe][positions[pipe]])
		}
	}
	findHazards(ops, &report)
	return report
}

type accessRef struct {
	op     *stampedOp
	access Access
	lo, hi int
}

type bucketKey struct {
	tier   tiles.Tier
	buffer tiles.BufferID
}

// findHazards sweeps the accesses of each tier (and bulk buffer) in address order, and checks
// each overlapping pair.
func findHazards(ops []*stampedOp, report *Report) {
	buckets := make(map[bucketKey][]accessRef)
	for _, op := range ops {
		for _, a := range op.in.Accesses {
			key := bucketKey{tier: a.Tier}
			if a.Tier == tiles.TierGlobal {
				key.buffer = a.Global.Buffer
			}
			lo, hi := a.span()
			buckets[key] = append(buckets[key], accessRef{op: op, access: a, lo: lo, hi: hi})
		}
	}
	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b bucketKey) int {
		if a.tier != b.tier {
			return int(a.tier) - int(b.tier)
		}
		return int(a.buffer) - int(b.buffer)
	})

	seen := make(map[[2]int]bool)
	for _, key := range keys {
		refs := buckets[key]
		slices.SortFunc(refs, func(a, b accessRef) int { return a.lo - b.lo })
		var active []accessRef
		for _, ref := range refs {
			// Drop accesses that end before this one starts.
			kept := active[:0]
			for _, a := range active {
				if a.hi > ref.lo {
					kept = append(kept, a)
				}
			}
			active = kept
			for _, other := range active {
				checkPair(other, ref, seen, report)
			}
			active = append(active, ref)
		}
	}
	slices.SortFunc(report.Hazards, func(a, b Hazard) int {
		if a.First.Seq != b.First.Seq {
			return a.First.Seq - b.First.Seq
		}
		return a.Second.Seq - b.Second.Seq
	})
}

func checkPair(a, b accessRef, seen map[[2]int]bool, report *Report) {
	if a.op.in.Pipe == b.op.in.Pipe || (!a.access.Write && !b.access.Write) {
		return
	}
	if !a.access.Overlaps(b.access) {
		return
	}
	if happensBefore(a.op, b.op) || happensBefore(b.op, a.op) {
		return
	}
	first, second := a, b
	if first.op.in.Seq > second.op.in.Seq {
		first, second = second, first
	}
	pairKey := [2]int{first.op.in.Seq, second.op.in.Seq}
	if seen[pairKey] {
		return
	}
	seen[pairKey] = true
	kind := HazardWAW
	switch {
	case first.access.Write && !second.access.Write:
		kind = HazardRAW
	case !first.access.Write && second.access.Write:
		kind = HazardWAR
	}
	report.NumHazards++
	if len(report.Hazards) < MaxReportedHazards {
		report.Hazards = append(report.Hazards, Hazard{Kind: kind, First: first.op.in, Second: second.op.in})
	}
}
