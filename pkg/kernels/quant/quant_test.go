// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tilepipe/internal/must"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/reference"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/gomlx/tilepipe/pkg/kernels/gemm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newDevice(t *testing.T, config string) *device.Device {
	d, err := device.NewWithConfig(config)
	require.NoError(t, err)
	return d
}

func quantize(t *testing.T, d *device.Device, c *Config, x tiles.GlobalTensor) tiles.GlobalTensor {
	out := must.M1(d.Alloc(c.OutputDType(), c.Rows, c.Cols))
	s := d.NewStream()
	_, err := Launch(s, c, Operands{X: x, Out: out})
	require.NoError(t, err)
	require.NoError(t, s.Synchronize())
	return out
}

func TestQuantize(t *testing.T) {
	for _, test := range []struct {
		rows, cols int
		input      dtypes.DType
		zeroPoint  float64
	}{
		{64, 64, dtypes.Float32, 0},
		{70, 50, dtypes.Float32, 0},
		{70, 50, dtypes.Float32, 128},
		{33, 100, dtypes.Float16, 0},
		{33, 100, dtypes.BFloat16, 100},
	} {
		for _, config := range []string{"a2a3:mode=serial,seed=1", "a2a3:mode=concurrent"} {
			name := fmt.Sprintf("%dx%d/%s/zero=%g/%s", test.rows, test.cols, test.input, test.zeroPoint, config)
			t.Run(name, func(t *testing.T) {
				rng := rand.New(rand.NewPCG(uint64(test.rows), uint64(test.cols)))
				x := reference.RoundTo(test.input, reference.Normal(rng, test.rows*test.cols, 2))
				const scale = 0.025
				c := NewConfig(test.rows, test.cols, scale).WithBlockRows(16)
				if test.zeroPoint != 0 {
					c.WithZeroPoint(test.zeroPoint)
				}
				d := newDevice(t, config)
				out := quantize(t, d, c, must.M1(d.Upload(test.input, x, test.rows, test.cols)))
				got := must.M1(d.Download(out))
				assert.Equal(t, reference.Quantize(x, 1/scale, test.zeroPoint, c.Asymmetric), got)

				// Normal(0, 2)/0.025 saturates often.
				low, high := float32(-128), float32(127)
				if c.Asymmetric {
					low, high = 0, 255
				}
				var saturated int
				for _, v := range got {
					require.GreaterOrEqual(t, v, low)
					require.LessOrEqual(t, v, high)
					if v == low || v == high {
						saturated++
					}
				}
				assert.Positive(t, saturated)
			})
		}
	}
}

// TestQuantizedMatmul quantizes both operands of a matrix multiplication, and multiplies them
// with 32-bit integer accumulation.
func TestQuantizedMatmul(t *testing.T) {
	const m, n, k = 64, 80, 96
	rng := rand.New(rand.NewPCG(64, 96))
	a, b := reference.Normal(rng, m*k, 1), reference.Normal(rng, k*n, 1)
	const scaleA, scaleB = 1.0 / 32, 1.0 / 16
	d := newDevice(t, "a2a3:mode=concurrent")
	qa := quantize(t, d, NewConfig(m, k, scaleA), must.M1(d.Upload(dtypes.Float32, a, m, k)))
	qb := quantize(t, d, NewConfig(k, n, scaleB), must.M1(d.Upload(dtypes.Float32, b, k, n)))

	c := must.M1(d.Alloc(dtypes.Int32, m, n))
	s := d.NewStream()
	_, err := gemm.Launch(s, gemm.NewConfig(m, n, k).WithTiles(32, 32, 32), gemm.Operands{A: qa, B: qb, C: c})
	require.NoError(t, err)
	require.NoError(t, s.Synchronize())
	got := must.M1(d.Download(c))

	want := reference.Matmul(reference.Quantize(a, 1/scaleA, 0, false), reference.Quantize(b, 1/scaleB, 0, false), m, k, n)
	assert.Equal(t, want, got)

	// Dequantized, it approximates the float product.
	for i := range got {
		got[i] *= scaleA * scaleB
	}
	stats := reference.Compare(got, reference.Matmul(a, b, m, k, n), 2, 0)
	assert.True(t, stats.OK(), "%s", stats)
	assert.Less(t, stats.MeanAbs, 0.3)
}

func TestErrors(t *testing.T) {
	d := newDevice(t, "a2a3:mode=serial")
	x := must.M1(d.Alloc(dtypes.Float32, 8, 32))
	i8 := must.M1(d.Alloc(dtypes.Int8, 8, 32))
	symmetricWithZero := NewConfig(8, 32, 1)
	symmetricWithZero.ZeroPoint = 3
	for _, test := range []struct {
		name   string
		config *Config
		ops    Operands
		err    string
	}{
		{"scale", NewConfig(8, 32, math.Inf(1)), Operands{X: x, Out: i8}, "invalid scale"},
		{"zero-point", symmetricWithZero, Operands{X: x, Out: i8}, "no zero point"},
		{"shape", NewConfig(8, 16, 1), Operands{X: x, Out: i8}, "must be 8x16"},
		{"input", NewConfig(8, 32, 1), Operands{X: i8, Out: i8}, "operand X must be one of"},
		{"output", NewConfig(8, 32, 1).WithZeroPoint(128), Operands{X: x, Out: i8}, "operand Out must be Uint8"},
		{"blocks", NewConfig(8, 32, 1).WithBlockRows(0), Operands{X: x, Out: i8}, "invalid BlockRows"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Launch(d.NewStream(), test.config, test.ops)
			require.ErrorContains(t, err, test.err)
		})
	}
}
