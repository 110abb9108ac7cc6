// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"fmt"

	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
)

// Kind of instruction.
type Kind int

const (
	// KindOp is an issue-and-forget tile operation.
	KindOp Kind = iota
	// KindRecord signals an event, on the event's source pipeline.
	KindRecord
	// KindWait blocks the event's destination pipeline until the paired record retired.
	KindWait
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindOp:
		return "Op"
	case KindRecord:
		return "Record"
	case KindWait:
		return "Wait"
	}
	return "Kind(?)"
}

// Memory is the view of device memory given to executing operations.
type Memory interface {
	// Tier returns the bytes of an on-chip tier of the executing core.
	Tier(tier tiles.Tier) []byte

	// Bulk returns the bytes of a bulk memory buffer.
	Bulk(id tiles.BufferID) []byte

	// Atomic runs fn holding the device lock used for read-modify-write of bulk memory.
	Atomic(fn func())
}

// ExecFunc executes an operation against device memory.
type ExecFunc func(mem Memory)

// Access is a region of memory read or written by an operation.
type Access struct {
	Tier tiles.Tier

	// Start and End are the byte range, for on-chip tiers.
	Start, End int

	// Global is the region, for TierGlobal.
	Global tiles.Region

	Write bool
}

// TileAccess returns the access to the whole tile (padding included).
func TileAccess(t tiles.Tile, write bool) Access {
	return Access{Tier: t.Tier(), Start: t.Offset(), End: t.End(), Write: write}
}

// GlobalAccess returns the access to the matrix region of g.
func GlobalAccess(g tiles.GlobalTensor, write bool) Access {
	return Access{Tier: tiles.TierGlobal, Global: g.Region(), Write: write}
}

// Overlaps returns whether a and other may touch a common byte.
func (a Access) Overlaps(other Access) bool {
	if a.Tier != other.Tier {
		return false
	}
	if a.Tier == tiles.TierGlobal {
		return a.Global.Overlaps(other.Global)
	}
	return a.Start < other.End && other.Start < a.End
}

// span returns a byte interval used to bucket accesses: exact for on-chip tiers, and the element
// span scaled to bytes for global regions.
func (a Access) span() (lo, hi int) {
	if a.Tier == tiles.TierGlobal {
		lo, hi = a.Global.Span()
		return lo * a.Global.ElemSize, hi * a.Global.ElemSize
	}
	return a.Start, a.End
}

// Instruction is one entry of a pipeline queue.
type Instruction struct {
	// Seq is the emission order across all pipelines.
	Seq int

	Pipe pipes.Pipe
	Kind Kind

	// Op is set for KindOp.
	Op pipes.Op

	// Event is set for KindRecord and KindWait.
	Event events.Event

	// Gen is the event generation: the n-th record of an event has Gen n, and a wait waits for the
	// record with the same Gen.
	Gen int

	// Idempotent marks a wait emitted with no record of its event since the previous wait: it is
	// paired with the same generation as the previous wait, so it adds no ordering.
	Idempotent bool

	Accesses []Access

	// Work is the size of the operation for the timing model: bytes moved, multiply-accumulates or elements.
	Work int

	Label string
	Exec  ExecFunc

	// State is a snapshot of the scoped registers when the operation was issued.
	State map[string]any
}

// String implements fmt.Stringer.
func (in *Instruction) String() string {
	switch in.Kind {
	case KindRecord:
		return fmt.Sprintf("#%d %s: record %s gen=%d", in.Seq, in.Pipe, in.Event, in.Gen)
	case KindWait:
		idem := ""
		if in.Idempotent {
			idem = " (idempotent)"
		}
		return fmt.Sprintf("#%d %s: wait %s gen=%d%s", in.Seq, in.Pipe, in.Event, in.Gen, idem)
	}
	if in.Label != "" {
		return fmt.Sprintf("#%d %s: %s %s", in.Seq, in.Pipe, in.Op, in.Label)
	}
	return fmt.Sprintf("#%d %s: %s", in.Seq, in.Pipe, in.Op)
}

// touches returns whether one of the accesses with the given direction overlaps acc.
func (in *Instruction) touches(acc Access, write bool) bool {
	for _, a := range in.Accesses {
		if a.Write == write && a.Overlaps(acc) {
			return true
		}
	}
	return false
}

// Writes returns whether the instruction writes to a region overlapping the tile.
func (in *Instruction) Writes(t tiles.Tile) bool {
	return in.touches(TileAccess(t, false), true)
}

// Reads returns whether the instruction reads from a region overlapping the tile.
func (in *Instruction) Reads(t tiles.Tile) bool {
	return in.touches(TileAccess(t, false), false)
}
