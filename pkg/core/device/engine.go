// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrDeadlock is returned (wrapped) when every unfinished pipeline of a core waits on a record that
// can never be issued.
var ErrDeadlock = errors.New("deadlock")

// TraceFunc is called for each retired instruction, in an order consistent with the happens-before
// relation of the program. Calls are serialized.
type TraceFunc func(block int, in *program.Instruction)

func deadlockError(p *program.Program, blocked []*program.Instruction) error {
	parts := make([]string, 0, len(blocked))
	for _, in := range blocked {
		parts = append(parts, in.String())
	}
	return errors.Wrapf(ErrDeadlock, "program %q: pipelines blocked on: %s", p.Name, strings.Join(parts, "; "))
}

// execute runs one operation, converting panics into errors.
func execute(in *program.Instruction, mem program.Memory) error {
	if in.Exec == nil {
		return nil
	}
	exception := exceptions.Try(func() { in.Exec(mem) })
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return errors.WithMessagef(err, "executing %s", in)
	}
	return errors.Errorf("executing %s: %v", in, exception)
}

// runSerial executes the program one instruction at a time: at each step, one of the pipelines
// whose next instruction can retire is picked at random.
func runSerial(p *program.Program, mem program.Memory, rng *rand.Rand, block int, trace TraceFunc) error {
	var positions [pipes.NumPipes]int
	records := make(map[events.Key]int)
	ready := make([]pipes.Pipe, 0, pipes.NumPipes)
	for {
		ready = ready[:0]
		finished := true
		for pipe := range pipes.NumPipes {
			queue := p.Queues[pipe]
			if positions[pipe] >= len(queue) {
				continue
			}
			finished = false
			in := queue[positions[pipe]]
			if in.Kind != program.KindWait || records[in.Event.Key()] >= in.Gen {
				ready = append(ready, pipes.Pipe(pipe))
			}
		}
		if finished {
			return nil
		}
		if len(ready) == 0 {
			var blocked []*program.Instruction
			for pipe := range pipes.NumPipes {
				if positions[pipe] < len(p.Queues[pipe]) {
					blocked = append(blocked, p.Queues[pipe][positions[pipe]])
				}
			}
			return deadlockError(p, blocked)
		}
		pipe := ready[rng.IntN(len(ready))]
		in := p.Queues[pipe][positions[pipe]]
		switch in.Kind {
		case program.KindRecord:
			records[in.Event.Key()]++
		case program.KindOp:
			if err := execute(in, mem); err != nil {
				return err
			}
		}
		positions[pipe]++
		if klog.V(2).Enabled() {
			klog.Infof("block %d: %s", block, in)
		}
		if trace != nil {
			trace(block, in)
		}
	}
}

// eventTable holds the number of retired records of each event of a core, shared by the pipeline
// goroutines of the concurrent engine.
type eventTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records map[events.Key]int
	blocked map[pipes.Pipe]*program.Instruction
	live    int
	err     error

	program *program.Program
	block   int
	trace   TraceFunc
}

func newEventTable(p *program.Program, block int, trace TraceFunc) *eventTable {
	t := &eventTable{
		records: make(map[events.Key]int),
		blocked: make(map[pipes.Pipe]*program.Instruction),
		program: p,
		block:   block,
		trace:   trace,
	}
	t.cond = sync.NewCond(&t.mu)
	for pipe := range pipes.NumPipes {
		if len(p.Queues[pipe]) > 0 {
			t.live++
		}
	}
	return t
}

// lockedCheckDeadlock must be called with t.mu held.
func (t *eventTable) lockedCheckDeadlock() {
	if t.err != nil || t.live == 0 || len(t.blocked) < t.live {
		return
	}
	blocked := make([]*program.Instruction, 0, len(t.blocked))
	for pipe := range pipes.NumPipes {
		if in, found := t.blocked[pipes.Pipe(pipe)]; found {
			if t.records[in.Event.Key()] >= in.Gen {
				// Woken up, but not yet running.
				return
			}
			blocked = append(blocked, in)
		}
	}
	t.err = deadlockError(t.program, blocked)
	t.cond.Broadcast()
}

func (t *eventTable) lockedTrace(in *program.Instruction) {
	if klog.V(2).Enabled() {
		klog.Infof("block %d: %s", t.block, in)
	}
	if t.trace != nil {
		t.trace(t.block, in)
	}
}

func (t *eventTable) wait(in *program.Instruction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := in.Event.Key()
	for t.records[key] < in.Gen && t.err == nil {
		t.blocked[in.Pipe] = in
		t.lockedCheckDeadlock()
		if t.err != nil {
			break
		}
		t.cond.Wait()
	}
	delete(t.blocked, in.Pipe)
	if t.err != nil {
		return t.err
	}
	t.lockedTrace(in)
	return nil
}

func (t *eventTable) record(in *program.Instruction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[in.Event.Key()]++
	t.lockedTrace(in)
	t.cond.Broadcast()
}

func (t *eventTable) retired(in *program.Instruction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedTrace(in)
}

func (t *eventTable) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live--
	if err != nil && t.err == nil {
		t.err = err
	}
	t.lockedCheckDeadlock()
	t.cond.Broadcast()
}

// runConcurrent executes each pipeline queue in its own goroutine.
func runConcurrent(p *program.Program, mem program.Memory, block int, trace TraceFunc) error {
	table := newEventTable(p, block, trace)
	var g errgroup.Group
	for pipe := range pipes.NumPipes {
		queue := p.Queues[pipe]
		if len(queue) == 0 {
			continue
		}
		g.Go(func() (err error) {
			defer func() { table.finish(err) }()
			for _, in := range queue {
				switch in.Kind {
				case program.KindWait:
					if err = table.wait(in); err != nil {
						return err
					}
				case program.KindRecord:
					table.record(in)
				case program.KindOp:
					if err = execute(in, mem); err != nil {
						return err
					}
					table.retired(in)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// describe lists the pipelines of the program and their queue lengths.
func describe(p *program.Program) string {
	var parts []string
	for pipe := range pipes.NumPipes {
		if n := len(p.Queues[pipe]); n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", pipes.Pipe(pipe), n))
		}
	}
	return strings.Join(parts, " ")
}
