// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilepipe/internal/must"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/reference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSoftmax(t *testing.T, d *device.Device, c *SoftmaxConfig, ops SoftmaxOperands) []float32 {
	s := d.NewStream()
	_, err := LaunchSoftmax(s, c, ops)
	require.NoError(t, err)
	require.NoError(t, s.Synchronize())
	got, err := d.Download(ops.Y)
	require.NoError(t, err)
	return got
}

func TestSoftmax(t *testing.T) {
	const rows, cols = 40, 100
	rng := rand.New(rand.NewPCG(40, 100))
	x := reference.Normal(rng, rows*cols, 3)
	lengths := make([]int, rows)
	lengthValues := make([]float32, rows)
	for r := range rows {
		lengths[r] = 1 + rng.IntN(cols)
		lengthValues[r] = float32(lengths[r])
	}
	lengths[0], lengthValues[0] = cols, cols
	lengths[1], lengthValues[1] = 1, 1

	for _, config := range []string{"a2a3:mode=serial,seed=11", "a2a3:mode=concurrent"} {
		t.Run(config, func(t *testing.T) {
			d := newDevice(t, config)
			c := NewSoftmaxConfig(rows, cols)
			ops := SoftmaxOperands{
				X:       must.M1(d.Upload(dtypes.Float32, x, rows, cols)),
				Lengths: must.M1(d.Upload(dtypes.Int32, lengthValues, rows, 1)),
				Y:       must.M1(d.Alloc(dtypes.Float32, rows, cols)),
			}
			got := runSoftmax(t, d, c, ops)
			require.NoError(t, reference.AllClose(got, reference.Softmax(x, rows, cols, lengths), 1e-6, 1e-5))
			for r := range rows {
				var sum float64
				for col, v := range got[r*cols : (r+1)*cols] {
					if col >= lengths[r] {
						require.Zero(t, v, "row %d, col %d is past the length %d", r, col, lengths[r])
					}
					sum += float64(v)
				}
				assert.InDelta(t, 1, sum, 1e-5, "row %d", r)
			}
			assert.Equal(t, float32(1), got[cols])

			// Softmax is invariant to a shift of its inputs.
			shifted := make([]float32, len(x))
			for i, v := range x {
				shifted[i] = v + 100
			}
			require.NoError(t, d.Write(ops.X, shifted))
			require.NoError(t, reference.AllClose(runSoftmax(t, d, c, ops), got, 2e-5, 0))
		})
	}
}

func TestSoftmaxHalf(t *testing.T) {
	const rows, cols = 17, 48
	rng := rand.New(rand.NewPCG(17, 48))
	x := reference.RoundTo(dtypes.Float16, reference.Normal(rng, rows*cols, 1))
	d := newDevice(t, "a5:mode=serial,seed=2")
	c := NewSoftmaxConfig(rows, cols)
	c.BlockRows = 8
	ops := SoftmaxOperands{
		X: must.M1(d.Upload(dtypes.Float16, x, rows, cols)),
		Y: must.M1(d.Alloc(dtypes.BFloat16, rows, cols)),
	}
	got := runSoftmax(t, d, c, ops)
	// Only the output is rounded, to 8 bits of mantissa.
	require.NoError(t, reference.AllClose(got, reference.Softmax(x, rows, cols, nil), 0, 1.0/128))
}

func TestSoftmaxEmptyRow(t *testing.T) {
	d := newDevice(t, "a2a3:mode=serial")
	c := NewSoftmaxConfig(2, 8)
	ops := SoftmaxOperands{
		X:       must.M1(d.Upload(dtypes.Float32, make([]float32, 16), 2, 8)),
		Lengths: must.M1(d.Upload(dtypes.Int32, []float32{0, 8}, 2, 1)),
		Y:       must.M1(d.Alloc(dtypes.Float32, 2, 8)),
	}
	got := runSoftmax(t, d, c, ops)
	for _, v := range got[:8] {
		assert.True(t, math.IsNaN(float64(v)))
	}
	for _, v := range got[8:] {
		assert.InDelta(t, 0.125, v, 1e-7)
	}
}

func TestSoftmaxErrors(t *testing.T) {
	d := newDevice(t, "a2a3:mode=serial")
	x := must.M1(d.Alloc(dtypes.Float32, 4, 8))
	y := must.M1(d.Alloc(dtypes.Float32, 4, 8))
	tests := []struct {
		name   string
		config *SoftmaxConfig
		ops    SoftmaxOperands
		err    string
	}{
		{"shape", NewSoftmaxConfig(0, 8), SoftmaxOperands{X: x, Y: y}, "invalid softmax shape"},
		{"missing", NewSoftmaxConfig(4, 8), SoftmaxOperands{X: x}, "operand Y is missing"},
		{"y-shape", NewSoftmaxConfig(4, 8), SoftmaxOperands{X: x, Y: must.M1(d.Alloc(dtypes.Float32, 4, 4))}, "must be 4x8"},
		{"lengths", NewSoftmaxConfig(4, 8), SoftmaxOperands{X: x, Y: y, Lengths: must.M1(d.Alloc(dtypes.Float32, 4, 1))},
			"operand Lengths must be one of"},
		{"capacity", NewSoftmaxConfig(4, 1<<16), SoftmaxOperands{X: must.M1(d.Alloc(dtypes.Float32, 4, 1<<16)),
			Y: must.M1(d.Alloc(dtypes.Float32, 4, 1<<16))}, "only has"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LaunchSoftmax(d.NewStream(), test.config, test.ops)
			require.ErrorContains(t, err, test.err)
		})
	}
}
