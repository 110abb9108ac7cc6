// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device simulates the accelerator: cores with their on-chip tiers, bulk (global) memory,
// and streams that launch kernels over the cores asynchronously.
//
// A kernel is built, per core, into a program.Program. A launch runs each program on its own core
// memory, either concurrently (a goroutine per pipeline, synchronized only by the events) or
// serially with a seeded random interleaving of the ready pipelines. Race-free programs produce
// the same results in both modes; deadlocks are reported as errors.
//
// Devices are configured with a string "<profile>:<option>=<value>,...", see ParseConfig.
package device

import (
	"os"
	"sync"

	"github.com/gomlx/tilepipe/internal/workerspool"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a simulated accelerator.
type Device struct {
	profile Profile
	config  Config
	workers *workerspool.Pool

	mu         sync.Mutex
	buffers    map[tiles.BufferID]*buffer
	nextBuffer tiles.BufferID

	// atomicMu serializes read-modify-write updates of bulk memory (atomic accumulation).
	atomicMu sync.Mutex
}

type buffer struct {
	dtype dtypes.DType
	data  []byte
}

// New returns a device configured by TILEPIPE_DEVICE if set, or else DefaultConfig.
func New() (*Device, error) {
	if config, found := os.LookupEnv(TILEPIPE_DEVICE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig returns a device for the given configuration. See ParseConfig for the format.
func NewWithConfig(config string) (*Device, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	profile, _ := GetProfile(c.Profile)
	d := &Device{
		profile: profile,
		config:  c,
		workers: workerspool.New(c.Parallelism),
		buffers: make(map[tiles.BufferID]*buffer),
	}
	klog.V(1).Infof("device %s", c)
	return d, nil
}

// Profile of the device.
func (d *Device) Profile() Profile { return d.profile }

// Config of the device.
func (d *Device) Config() Config { return d.config }

// NumCores available to launches.
func (d *Device) NumCores() int { return d.config.Cores }

// Alloc allocates a zero-filled bulk buffer, and returns the dense view over it.
func (d *Device) Alloc(dtype dtypes.DType, dims ...int) (tiles.GlobalTensor, error) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	d.mu.Lock()
	id := d.nextBuffer + 1
	g, err := tiles.NewGlobal(dtype, id, dims...)
	if err != nil {
		d.mu.Unlock()
		return tiles.GlobalTensor{}, errors.WithMessagef(err, "allocating bulk buffer")
	}
	d.nextBuffer = id
	d.buffers[id] = &buffer{dtype: dtype, data: make([]byte, size*dtype.Size())}
	d.mu.Unlock()
	return g, nil
}

// Upload allocates a bulk buffer holding values converted to dtype (with rounding and saturation).
func (d *Device) Upload(dtype dtypes.DType, values []float32, dims ...int) (tiles.GlobalTensor, error) {
	g, err := d.Alloc(dtype, dims...)
	if err != nil {
		return g, err
	}
	if err = d.Write(g, values); err != nil {
		d.Free(g)
		return tiles.GlobalTensor{}, err
	}
	return g, nil
}

// Free releases the bulk buffer of g. Views of it become invalid.
func (d *Device) Free(g tiles.GlobalTensor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, g.Buffer())
}

// NumBuffers returns the number of live bulk buffers.
func (d *Device) NumBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func (d *Device) buffer(id tiles.BufferID) (*buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, found := d.buffers[id]
	if !found {
		return nil, errors.Errorf("bulk buffer #%d is not allocated on the device", id)
	}
	return buf, nil
}

// forEach calls fn with the position of each element of the view, in row-major order of its axes,
// and its element index in the buffer.
func forEach(g tiles.GlobalTensor, fn func(pos, index int)) {
	shape, strides := g.Shape(), g.Strides()
	var idx [tiles.MaxAxes]int
	total := 1
	for _, dim := range shape {
		total *= dim
	}
	for pos := range total {
		index := g.Offset()
		for axis := range tiles.MaxAxes {
			index += idx[axis] * strides[axis]
		}
		fn(pos, index)
		for axis := tiles.MaxAxes - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

func viewSize(g tiles.GlobalTensor) int {
	size := 1
	for _, dim := range g.Shape() {
		size *= dim
	}
	return size
}

func (d *Device) checkView(g tiles.GlobalTensor) (*buffer, error) {
	buf, err := d.buffer(g.Buffer())
	if err != nil {
		return nil, err
	}
	if g.DType() != buf.dtype {
		return nil, errors.Errorf("view %s has dtype %s, but the buffer holds %s", g, g.DType(), buf.dtype)
	}
	last := g.Offset()
	shape, strides := g.Shape(), g.Strides()
	for axis := range tiles.MaxAxes {
		last += (shape[axis] - 1) * strides[axis]
	}
	if last*buf.dtype.Size() >= len(buf.data) {
		return nil, errors.Errorf("view %s reaches beyond its buffer of %d elements", g, len(buf.data)/buf.dtype.Size())
	}
	return buf, nil
}

// Write converts values to the dtype of g and writes them to the elements of the view, in
// row-major order of its axes.
func (d *Device) Write(g tiles.GlobalTensor, values []float32) error {
	buf, err := d.checkView(g)
	if err != nil {
		return err
	}
	if len(values) != viewSize(g) {
		return errors.Errorf("writing %d values to %s, which has %d elements", len(values), g, viewSize(g))
	}
	forEach(g, func(pos, index int) {
		buf.dtype.Put(buf.data, index, float64(values[pos]))
	})
	return nil
}

// Download reads the elements of the view, in row-major order of its axes, converted to float32.
func (d *Device) Download(g tiles.GlobalTensor) ([]float32, error) {
	buf, err := d.checkView(g)
	if err != nil {
		return nil, err
	}
	values := make([]float32, viewSize(g))
	forEach(g, func(pos, index int) {
		values[pos] = float32(buf.dtype.Get(buf.data, index))
	})
	return values, nil
}

// coreMemory is the memory seen by the programs of one core.
type coreMemory struct {
	device *Device
	tiers  [tiles.NumTiers][]byte
}

func (d *Device) newCoreMemory() *coreMemory {
	m := &coreMemory{device: d}
	for tier := tiles.TierMat; int(tier) < tiles.NumTiers; tier++ {
		m.tiers[tier] = make([]byte, d.profile.Capacities[tier])
	}
	return m
}

// Tier implements program.Memory.
func (m *coreMemory) Tier(tier tiles.Tier) []byte {
	return m.tiers[tier]
}

// Bulk implements program.Memory. It panics if the buffer is not allocated.
func (m *coreMemory) Bulk(id tiles.BufferID) []byte {
	buf, err := m.device.buffer(id)
	if err != nil {
		panic(err)
	}
	return buf.data
}

// Atomic implements program.Memory.
func (m *coreMemory) Atomic(fn func()) {
	m.device.atomicMu.Lock()
	defer m.device.atomicMu.Unlock()
	fn()
}
