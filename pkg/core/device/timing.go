// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilepipe/pkg/core/events"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/google/uuid"
)

// RunStats is the timing estimate of one block of a launch.
type RunStats struct {
	Launch       uuid.UUID
	Kernel       string
	Block        int
	Instructions int

	// Busy is the number of cycles each pipeline spends executing operations.
	Busy [pipes.NumPipes]int

	// Makespan is the cycle at which the last pipeline finishes.
	Makespan int
}

// Utilization of pipe: the fraction of the makespan it is busy.
func (s RunStats) Utilization(pipe pipes.Pipe) float64 {
	if s.Makespan == 0 {
		return 0
	}
	return float64(s.Busy[pipe]) / float64(s.Makespan)
}

// String implements fmt.Stringer.
func (s RunStats) String() string {
	var parts []string
	for _, pipe := range pipes.All() {
		if s.Busy[pipe] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%.0f%%", pipe, 100*s.Utilization(pipe)))
		}
	}
	return fmt.Sprintf("%s[%d]: %s cycles, %d instructions (%s)",
		s.Kernel, s.Block, humanize.Comma(int64(s.Makespan)), s.Instructions, strings.Join(parts, " "))
}

// Estimate computes the timing of a program on a profile: each pipeline retires its operations in
// order, each taking Profile.Cycles, and a wait completes no earlier than its record plus the
// event latency. The result doesn't depend on the interleaving the program is executed with.
func Estimate(p *program.Program, profile Profile) (RunStats, error) {
	stats := RunStats{Kernel: p.Name, Instructions: p.Len()}
	var clock [pipes.NumPipes]int
	var positions [pipes.NumPipes]int
	recorded := make(map[events.Key][]int)
	for progress := true; progress; {
		progress = false
		for pipe := range pipes.NumPipes {
			queue := p.Queues[pipe]
		retire:
			for positions[pipe] < len(queue) {
				in := queue[positions[pipe]]
				switch in.Kind {
				case program.KindWait:
					recs := recorded[in.Event.Key()]
					if len(recs) < in.Gen {
						break retire
					}
					latency := profile.EventLatency
					if in.Event.CrossCore {
						latency = profile.CrossCoreLatency
					}
					clock[pipe] = max(clock[pipe], recs[in.Gen-1]+latency)
				case program.KindRecord:
					key := in.Event.Key()
					recorded[key] = append(recorded[key], clock[pipe])
				case program.KindOp:
					cycles := profile.Cycles(in)
					clock[pipe] += cycles
					stats.Busy[pipe] += cycles
				}
				positions[pipe]++
				progress = true
			}
		}
	}
	var blocked []*program.Instruction
	for pipe := range pipes.NumPipes {
		if positions[pipe] < len(p.Queues[pipe]) {
			blocked = append(blocked, p.Queues[pipe][positions[pipe]])
		}
		stats.Makespan = max(stats.Makespan, clock[pipe])
	}
	if len(blocked) > 0 {
		return stats, deadlockError(p, blocked)
	}
	return stats, nil
}
