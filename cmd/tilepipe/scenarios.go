// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/tilepipe/internal/must"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/reference"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/gomlx/tilepipe/pkg/kernels/attention"
	"github.com/gomlx/tilepipe/pkg/kernels/gemm"
	"github.com/gomlx/tilepipe/pkg/kernels/quant"
	"github.com/gomlx/tilepipe/pkg/kernels/topk"
	"github.com/gomlx/tilepipe/pkg/support/xslices"
	"github.com/pkg/errors"
)

// result of one scenario: what ran, its memory plan and how its output compares to the reference.
type result struct {
	name        string
	description string
	plan        *tiers.Plan
	verify      reference.VerifyStats
	stats       []device.RunStats
}

// scenario launches a kernel on a fresh stream and verifies its output.
type scenario struct {
	name string
	run  func(d *device.Device, rng *rand.Rand) (result, error)
}

var scenarios = []scenario{
	{"gemm", runGemm},
	{"attention", runAttention},
	{"softmax", runSoftmax},
	{"topk", runTopK},
	{"merge", runMerge},
	{"quant", runQuant},
}

// launch runs the kernel built by launchFn on a new stream, and returns the timing estimates of
// its blocks.
func launch(d *device.Device, launchFn func(s *device.Stream) error) ([]device.RunStats, error) {
	s := d.NewStream()
	if err := launchFn(s); err != nil {
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		return nil, err
	}
	return s.Stats(), nil
}

func runGemm(d *device.Device, rng *rand.Rand) (r result, err error) {
	m, n, k := 256, 192, 320
	a := reference.RoundTo(dtypes.Float16, reference.Normal(rng, m*k, 1))
	b := reference.RoundTo(dtypes.Float16, reference.Normal(rng, k*n, 1))
	bias := reference.RoundTo(dtypes.Float16, reference.Normal(rng, n, 1))
	c := gemm.NewConfig(m, n, k).WithRelu(true)
	ops := gemm.Operands{
		A:    must.M1(d.Upload(dtypes.Float16, a, m, k)),
		B:    must.M1(d.Upload(dtypes.Float16, b, k, n)),
		C:    must.M1(d.Alloc(dtypes.Float32, m, n)),
		Bias: must.M1(d.Upload(dtypes.Float16, bias, 1, n)),
	}
	defer free(d, ops.A, ops.B, ops.C, ops.Bias)
	kernel, err := gemm.Kernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "gemm", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := gemm.Launch(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	want := reference.Relu(reference.AddRow(reference.Matmul(a, b, m, k, n), bias))
	r.verify = reference.Compare(must.M1(d.Download(ops.C)), want, 1e-3, 1e-3)
	return
}

func runAttention(d *device.Device, rng *rand.Rand) (r result, err error) {
	c := attention.NewConfig(1, 2, 128, 64).WithCausal(true).WithMode(attention.ModeStreaming)
	size := c.Batch * c.Heads * c.Seq * c.Dim
	q := reference.RoundTo(dtypes.Float16, reference.Normal(rng, size, 0.5))
	k := reference.RoundTo(dtypes.Float16, reference.Normal(rng, size, 0.5))
	v := reference.RoundTo(dtypes.Float16, reference.Normal(rng, size, 0.5))
	dims := []int{c.Batch, c.Heads, c.Seq, c.Dim}
	ops := attention.Operands{
		Q: must.M1(d.Upload(dtypes.Float16, q, dims...)),
		K: must.M1(d.Upload(dtypes.Float16, k, dims...)),
		V: must.M1(d.Upload(dtypes.Float16, v, dims...)),
		O: must.M1(d.Alloc(dtypes.Float32, dims...)),
	}
	defer free(d, ops.Q, ops.K, ops.V, ops.O)
	kernel, err := attention.Kernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "attention", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := attention.Launch(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	headSize := c.Seq * c.Dim
	want := make([]float32, 0, size)
	for h := range c.Batch * c.Heads {
		head := func(x []float32) []float32 { return x[h*headSize : (h+1)*headSize] }
		want = append(want, reference.Attention(head(q), head(k), head(v), c.Seq, c.KVSeq, c.Dim, c.Scale, c.Causal)...)
	}
	r.verify = reference.Compare(must.M1(d.Download(ops.O)), want, 2e-3, 1e-3)
	return
}

func runSoftmax(d *device.Device, rng *rand.Rand) (r result, err error) {
	rows, cols := 64, 200
	x := reference.Normal(rng, rows*cols, 3)
	lengths := make([]int, rows)
	lengthValues := make([]float32, rows)
	for i := range lengths {
		lengths[i] = 1 + rng.IntN(cols)
		lengthValues[i] = float32(lengths[i])
	}
	c := attention.NewSoftmaxConfig(rows, cols)
	ops := attention.SoftmaxOperands{
		X:       must.M1(d.Upload(dtypes.Float32, x, rows, cols)),
		Lengths: must.M1(d.Upload(dtypes.Int32, lengthValues, rows, 1)),
		Y:       must.M1(d.Alloc(dtypes.Float32, rows, cols)),
	}
	defer free(d, ops.X, ops.Lengths, ops.Y)
	kernel, err := attention.SoftmaxKernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "softmax", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := attention.LaunchSoftmax(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	r.verify = reference.Compare(must.M1(d.Download(ops.Y)), reference.Softmax(x, rows, cols, lengths), 1e-5, 1e-4)
	return
}

func runTopK(d *device.Device, rng *rand.Rand) (r result, err error) {
	rows, cols, k := 8, 1000, 64
	x := reference.Normal(rng, rows*cols, 1)
	c := topk.NewConfig(rows, cols, k)
	ops := topk.Operands{
		X:   must.M1(d.Upload(dtypes.Float32, x, rows, cols)),
		Out: must.M1(d.Alloc(dtypes.Float32, rows, 2*k)),
	}
	defer free(d, ops.X, ops.Out)
	kernel, err := topk.Kernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "topk", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := topk.Launch(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	got := must.M1(d.Download(ops.Out))
	want := make([]float32, 0, len(got))
	for row := range rows {
		values, indices := reference.TopK(x[row*cols:(row+1)*cols], k, c.Descending)
		for i, v := range values {
			want = append(want, v, float32(indices[i]))
		}
	}
	r.verify = reference.Compare(got, want, 0, 0)
	return
}

func runMerge(d *device.Device, rng *rand.Rand) (r result, err error) {
	c := &topk.MergeConfig{Lengths: []int{100, 37, 250, 64}, K: 128, Descending: true}
	var lists [][]float32
	ops := topk.MergeOperands{}
	base := 0
	for _, n := range c.Lengths {
		values, _ := reference.TopK(reference.Normal(rng, n, 1), n, c.Descending)
		lists = append(lists, values)
		ops.Lists = append(ops.Lists, must.M1(d.Upload(dtypes.Float32, topk.EncodePairs(values, base), 1, 2*n)))
		base += n
	}
	ops.Out = must.M1(d.Alloc(dtypes.Float32, 1, 2*c.Total()))
	defer free(d, append(ops.Lists, ops.Out)...)
	kernel, err := topk.MergeKernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "merge", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := topk.LaunchMerge(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	// Indices were numbered across the concatenation of the lists.
	values, indices := reference.TopK(slices.Concat(lists...), c.K, c.Descending)
	want := make([]float32, 0, 2*len(values))
	for i, v := range values {
		want = append(want, v, float32(indices[i]))
	}
	r.verify = reference.Compare(must.M1(d.Download(ops.Out)), want, 0, 0)
	return
}

func runQuant(d *device.Device, rng *rand.Rand) (r result, err error) {
	rows, cols := 96, 130
	x := reference.Normal(rng, rows*cols, 1)
	c := quant.NewConfig(rows, cols, 1.0/32).WithZeroPoint(128)
	ops := quant.Operands{
		X:   must.M1(d.Upload(dtypes.Float32, x, rows, cols)),
		Out: must.M1(d.Alloc(c.OutputDType(), rows, cols)),
	}
	defer free(d, ops.X, ops.Out)
	kernel, err := quant.Kernel(c, ops)
	if err != nil {
		return
	}
	r = result{name: "quant", description: c.String(), plan: kernel.Plan}
	r.stats, err = launch(d, func(s *device.Stream) error {
		_, err := quant.Launch(s, c, ops)
		return err
	})
	if err != nil {
		return
	}
	want := reference.Quantize(x, 1/c.Scale, c.ZeroPoint, c.Asymmetric)
	r.verify = reference.Compare(must.M1(d.Download(ops.Out)), want, 0, 0)
	return
}

func free(d *device.Device, tensors ...tiles.GlobalTensor) {
	for _, g := range tensors {
		d.Free(g)
	}
}

// selectScenarios returns the scenarios with the given names, in the order given.
func selectScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	var selected []scenario
	for _, name := range names {
		found := false
		for _, s := range scenarios {
			if s.name == name {
				selected = append(selected, s)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("unknown scenario %q, choose from %v", name,
				xslices.Map(scenarios, func(s scenario) string { return s.name }))
		}
	}
	return selected, nil
}

func (r result) String() string {
	return fmt.Sprintf("%s: %s", r.name, r.verify)
}
