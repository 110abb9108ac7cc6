// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/pkg/errors"
)

// Program is the static, fully unrolled description of what one core executes.
type Program struct {
	Name string

	// Instructions in emission order.
	Instructions []*Instruction

	// Queues holds the instructions of each pipeline, in issue order.
	Queues [pipes.NumPipes][]*Instruction

	// Diagnostics found while pairing records and waits.
	Diagnostics []Diagnostic

	// Records is the number of records emitted for each event.
	Records map[events.Key]int
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// Count returns the number of instructions of the given kind on each pipeline.
func (p *Program) Count(kind Kind) map[pipes.Pipe]int {
	counts := make(map[pipes.Pipe]int)
	for _, in := range p.Instructions {
		if in.Kind == kind {
			counts[in.Pipe]++
		}
	}
	return counts
}

// Ops returns the operation instructions of the given op, in emission order.
func (p *Program) Ops(op pipes.Op) []*Instruction {
	var ops []*Instruction
	for _, in := range p.Instructions {
		if in.Kind == KindOp && in.Op == op {
			ops = append(ops, in)
		}
	}
	return ops
}

// Lint returns an error describing the diagnostics, if there are any.
func (p *Program) Lint() error {
	if len(p.Diagnostics) == 0 {
		return nil
	}
	parts := make([]string, 0, len(p.Diagnostics))
	for _, d := range p.Diagnostics {
		parts = append(parts, d.String())
	}
	return errors.Errorf("program %q has %d event pairing problem(s):\n\t%s", p.Name, len(parts), strings.Join(parts, "\n\t"))
}

// Dump writes the queue of every pipeline to w.
func (p *Program) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Program %q: %d instructions\n", p.Name, p.Len()); err != nil {
		return err
	}
	for _, pipe := range pipes.All() {
		queue := p.Queues[pipe]
		if len(queue) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %s (%d):\n", pipe, len(queue)); err != nil {
			return err
		}
		for _, in := range queue {
			if _, err := fmt.Fprintf(w, "    %s\n", in); err != nil {
				return err
			}
		}
	}
	return nil
}
