// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is what a stream launches: a program emitter called once per block, each block running
// on its own core.
type Kernel struct {
	Name string

	// BlockDim is the number of blocks (cores) to run.
	BlockDim int

	// Classifier of the active operations. If nil, all operations are active.
	Classifier *pipes.Classifier

	// Plan is the on-chip memory layout of each core, validated against the profile capacities.
	// It is optional.
	Plan *tiers.Plan

	// Emit builds the program of one block.
	Emit func(block int, b *program.Builder)
}

// Compile builds the programs of the kernel, one per block, and checks them: the tier plan must fit
// in the profile, and if the device has hazard checks enabled, every program must be free of
// record/wait pairing problems, data hazards and deadlocks.
func (d *Device) Compile(k Kernel) ([]*program.Program, error) {
	if k.Emit == nil {
		return nil, errors.Errorf("kernel %q has no emitter", k.Name)
	}
	if k.BlockDim < 1 || k.BlockDim > d.config.Cores {
		return nil, errors.Errorf("kernel %q: block dim %d is not in [1, %d], the cores of the device",
			k.Name, k.BlockDim, d.config.Cores)
	}
	if k.Plan != nil {
		if err := k.Plan.Validate(d.profile.Capacities); err != nil {
			return nil, errors.WithMessagef(err, "kernel %q on profile %q", k.Name, d.profile.Name)
		}
	}
	classifier := k.Classifier
	if classifier == nil {
		classifier = pipes.NewClassifier()
	} else {
		klog.V(1).Infof("kernel %q restricted to operations %s", k.Name, classifier)
	}
	programs := make([]*program.Program, k.BlockDim)
	for block := range k.BlockDim {
		p, err := program.BuildFunc(fmt.Sprintf("%s[%d]", k.Name, block), classifier, func(b *program.Builder) {
			k.Emit(block, b)
		})
		if err != nil {
			return nil, err
		}
		if d.config.Hazards {
			if err = p.Lint(); err != nil {
				return nil, errors.WithMessagef(err, "kernel %q block %d", k.Name, block)
			}
			if err = program.Analyze(p).Err(); err != nil {
				return nil, errors.WithMessagef(err, "kernel %q block %d", k.Name, block)
			}
		} else if err = p.Lint(); err != nil {
			klog.Warningf("hazard checks disabled, launching anyway: %v", err)
		}
		programs[block] = p
	}
	if klog.V(1).Enabled() {
		klog.Infof("kernel %q: %d block(s), block 0: %s", k.Name, k.BlockDim, describe(programs[0]))
		if k.Plan != nil {
			klog.Infof("kernel %q: %s", k.Name, k.Plan.Summary(d.profile.Capacities))
		}
	}
	return programs, nil
}

// Stream is an in-order queue of kernel launches on a device. Launch returns immediately, and each
// launch starts once the previous launch of the stream has finished, so a kernel may consume the
// results of the kernel launched before it. Launches on different streams run concurrently.
type Stream struct {
	device  *Device
	trace   TraceFunc
	pending *xsync.DynamicWaitGroup

	mu       sync.Mutex
	err      error
	stats    []RunStats
	launches map[uuid.UUID]int

	// last is closed when the most recent launch finishes.
	last chan struct{}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithTrace sets a function called with every retired instruction.
func WithTrace(trace TraceFunc) StreamOption {
	return func(s *Stream) {
		s.trace = trace
	}
}

// NewStream creates a stream on the device.
func (d *Device) NewStream(opts ...StreamOption) *Stream {
	s := &Stream{device: d, pending: xsync.NewDynamicWaitGroup(), launches: make(map[uuid.UUID]int)}
	for _, opt := range opts {
		opt(s)
	}
	if trace := s.trace; trace != nil {
		var traceMu sync.Mutex
		s.trace = func(block int, in *program.Instruction) {
			traceMu.Lock()
			defer traceMu.Unlock()
			trace(block, in)
		}
	}
	return s
}

// Device the stream launches on.
func (s *Stream) Device() *Device {
	return s.device
}

// Launch compiles the kernel and starts it. Compilation errors are returned immediately; execution
// errors are returned by Synchronize.
func (s *Stream) Launch(k Kernel) (uuid.UUID, error) {
	programs, err := s.device.Compile(k)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Run(programs), nil
}

// Run queues already compiled programs, one per block, and returns the launch id. The blocks start
// after the previous launch of the stream has finished.
func (s *Stream) Run(programs []*program.Program) uuid.UUID {
	d := s.device
	id := uuid.New()
	done := make(chan struct{})
	s.mu.Lock()
	s.launches[id] = len(s.launches)
	previous := s.last
	s.last = done
	s.mu.Unlock()
	klog.V(1).Infof("launch %s: %d block(s) in %s mode", id, len(programs), d.config.Mode)

	s.pending.Add(1)
	start := func() {
		defer s.pending.Done()
		defer close(done)
		if previous != nil {
			<-previous
		}
		var blocks sync.WaitGroup
		for block, p := range programs {
			blocks.Add(1)
			d.workers.WaitToStart(func() {
				defer blocks.Done()
				s.runBlock(id, p, block)
			})
		}
		blocks.Wait()
	}
	if d.workers.IsEnabled() {
		go start()
	} else {
		// Inline: the previous launch is already finished.
		start()
	}
	return id
}

// runBlock executes one block of a launch and records its stats or its error.
func (s *Stream) runBlock(id uuid.UUID, p *program.Program, block int) {
	d := s.device
	err := s.execute(p, block)
	stats, timingErr := Estimate(p, d.profile)
	stats.Launch = id
	stats.Block = block
	if err == nil {
		err = timingErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		err = errors.WithMessagef(err, "launch %s block %d", id, block)
		klog.V(1).Infof("%v", err)
		if s.err == nil {
			s.err = err
		}
		return
	}
	s.stats = append(s.stats, stats)
}

func (s *Stream) execute(p *program.Program, block int) error {
	d := s.device
	mem := d.newCoreMemory()
	if d.config.Mode == ModeSerial {
		rng := rand.New(rand.NewPCG(d.config.Seed+uint64(block), 0x7115e))
		return runSerial(p, mem, rng, block, s.trace)
	}
	return runConcurrent(p, mem, block, s.trace)
}

// Synchronize waits for all launches of the stream to finish, and returns the first execution
// error since the previous Synchronize, if any.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Stats returns the timing estimates of the blocks finished so far, ordered by launch then block.
// The estimate doesn't depend on the execution mode.
func (s *Stream) Stats() []RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := slices.Clone(s.stats)
	slices.SortFunc(stats, func(a, b RunStats) int {
		if a.Launch != b.Launch {
			return s.launches[a.Launch] - s.launches[b.Launch]
		}
		return a.Block - b.Block
	})
	return stats
}
