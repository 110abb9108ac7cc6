// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements scaled dot-product attention, softmax(Q·Kᵀ·scale)·V, over
// (batch, heads, sequence, dim) tensors, and the standalone row softmax kernel it shares its
// normalization chain with.
//
// Both contractions run on gemm.Reduction emitters: the scores accumulator is drained to the
// vector scratch tier, normalized there, converted back to the input dtype and moved to the
// staging tier, where it is the left operand of the second contraction.
//
// Two schedules are available:
//
//   - ModeFused keeps a whole row of scores in one tile: the five-step chain (row max, subtract,
//     exp, row sum, divide) normalizes it before P·V.
//   - ModeStreaming walks the keys in blocks, keeping a running row maximum and sum, and rescales
//     the partial output when the maximum grows. It handles any key sequence length.
package attention

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode selects the schedule of the kernel.
type Mode int

//go:generate go tool enumer -type=Mode -trimprefix=Mode -output=gen_mode_enumer.go attention.go

const (
	// ModeAuto uses ModeFused if the keys fit in one block, and ModeStreaming otherwise.
	ModeAuto Mode = iota

	// ModeFused normalizes complete rows of scores.
	ModeFused

	// ModeStreaming normalizes online, one block of keys at a time.
	ModeStreaming
)

// Default block sizes.
const (
	DefaultBlockQ  = 64
	DefaultBlockKV = 64
)

// Config of an attention kernel.
type Config struct {
	Batch, Heads int

	// Seq is the number of queries, and KVSeq the number of keys and values.
	Seq, KVSeq int

	// Dim is the dimension of the queries, keys and values.
	Dim int

	// Scale multiplies the scores. Defaults to 1/sqrt(Dim).
	Scale float64

	// Causal masks the keys after each query: query i attends to keys 0..i.
	Causal bool

	Mode Mode

	// BlockQ queries are processed at a time, against blocks of BlockKV keys.
	BlockQ, BlockKV int

	// BlockDim is the number of cores of the launch. 0 uses one per query block, capped by the
	// cores of the device.
	BlockDim int
}

// NewConfig returns the configuration of a self-attention, with the default scale and blocks.
func NewConfig(batch, heads, seq, dim int) *Config {
	return &Config{
		Batch: batch, Heads: heads,
		Seq: seq, KVSeq: seq,
		Dim:     dim,
		Scale:   1 / math.Sqrt(float64(dim)),
		BlockQ:  DefaultBlockQ,
		BlockKV: DefaultBlockKV,
	}
}

// WithKVSeq sets the length of the key and value sequences, for cross-attention.
func (c *Config) WithKVSeq(kvSeq int) *Config {
	c.KVSeq = kvSeq
	return c
}

// WithScale overrides the scale of the scores.
func (c *Config) WithScale(scale float64) *Config {
	c.Scale = scale
	return c
}

// WithCausal enables the causal mask.
func (c *Config) WithCausal(causal bool) *Config {
	c.Causal = causal
	return c
}

// WithMode selects the schedule.
func (c *Config) WithMode(mode Mode) *Config {
	c.Mode = mode
	return c
}

// WithBlocks sets the number of queries and keys processed at a time.
func (c *Config) WithBlocks(blockQ, blockKV int) *Config {
	c.BlockQ, c.BlockKV = blockQ, blockKV
	return c
}

// WithBlockDim sets the number of cores of the launch.
func (c *Config) WithBlockDim(blockDim int) *Config {
	c.BlockDim = blockDim
	return c
}

// Validate the configuration. Tile constraints on the block sizes are checked when the kernel is
// built.
func (c *Config) Validate() error {
	if c.Batch <= 0 || c.Heads <= 0 || c.Seq <= 0 || c.KVSeq <= 0 || c.Dim <= 0 {
		return errors.Errorf("invalid attention shape batch=%d, heads=%d, seq=%d, kv_seq=%d, dim=%d",
			c.Batch, c.Heads, c.Seq, c.KVSeq, c.Dim)
	}
	if c.BlockQ <= 0 || c.BlockKV <= 0 {
		return errors.Errorf("invalid blocks %dx%d", c.BlockQ, c.BlockKV)
	}
	if c.Scale == 0 || math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return errors.Errorf("invalid scale %g", c.Scale)
	}
	if !c.Mode.IsAMode() {
		return errors.Errorf("invalid mode %d", c.Mode)
	}
	if c.Mode == ModeFused && c.KVSeq > c.BlockKV {
		return errors.Errorf("fused attention normalizes whole rows: kv_seq=%d doesn't fit in a block of %d keys, use %s",
			c.KVSeq, c.BlockKV, ModeStreaming)
	}
	if c.BlockDim < 0 {
		return errors.Errorf("invalid BlockDim %d", c.BlockDim)
	}
	return nil
}

// schedule resolves ModeAuto.
func (c *Config) schedule() Mode {
	if c.Mode != ModeAuto {
		return c.Mode
	}
	if c.KVSeq <= c.BlockKV {
		return ModeFused
	}
	return ModeStreaming
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("attention b=%d h=%d seq=%d kv_seq=%d dim=%d (scale %.4g, causal %v, %s, blocks %dx%d)",
		c.Batch, c.Heads, c.Seq, c.KVSeq, c.Dim, c.Scale, c.Causal, c.schedule(), c.BlockQ, c.BlockKV)
}

// queryBlocks per head.
func (c *Config) queryBlocks() int {
	return (c.Seq + c.BlockQ - 1) / c.BlockQ
}

// units of work: one per query block of each head.
func (c *Config) units() int {
	return c.Batch * c.Heads * c.queryBlocks()
}

// unit returns the batch, head and query block of work unit u.
func (c *Config) unit(u int) (batch, head, qBlock int) {
	qBlock = u % c.queryBlocks()
	u /= c.queryBlocks()
	return u / c.Heads, u % c.Heads, qBlock
}

// Operands of the kernel, in bulk memory. All are (batch, heads, rows, dim) tensors.
type Operands struct {
	// Q is (batch, heads, seq, dim); K and V are (batch, heads, kv_seq, dim). They share a dtype:
	// Float16, BFloat16 or Float32.
	Q, K, V tiles.GlobalTensor

	// O is the (batch, heads, seq, dim) output: Float32, Float16 or BFloat16.
	O tiles.GlobalTensor
}

func checkTensor(name string, g tiles.GlobalTensor, dims ...int) error {
	if g.IsZero() {
		return errors.Errorf("operand %s is missing", name)
	}
	shape := g.Shape()
	if !slices.Equal(shape[tiles.MaxAxes-len(dims):], dims) || slices.ContainsFunc(shape[:tiles.MaxAxes-len(dims)], func(d int) bool { return d != 1 }) {
		return errors.Errorf("operand %s %s must be %v", name, g, dims)
	}
	return nil
}

func checkOperands(c *Config, ops Operands) error {
	if err := checkTensor("Q", ops.Q, c.Batch, c.Heads, c.Seq, c.Dim); err != nil {
		return err
	}
	if err := checkTensor("K", ops.K, c.Batch, c.Heads, c.KVSeq, c.Dim); err != nil {
		return err
	}
	if err := checkTensor("V", ops.V, c.Batch, c.Heads, c.KVSeq, c.Dim); err != nil {
		return err
	}
	if err := checkTensor("O", ops.O, c.Batch, c.Heads, c.Seq, c.Dim); err != nil {
		return err
	}
	inputs := []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32}
	if !slices.Contains(inputs, ops.Q.DType()) {
		return errors.Errorf("Q must be one of %v, got %s", inputs, ops.Q.DType())
	}
	if ops.K.DType() != ops.Q.DType() || ops.V.DType() != ops.Q.DType() {
		return errors.Errorf("Q, K and V must have the same dtype, got %s, %s and %s",
			ops.Q.DType(), ops.K.DType(), ops.V.DType())
	}
	if !slices.Contains(inputs, ops.O.DType()) {
		return errors.Errorf("O must be one of %v, got %s", inputs, ops.O.DType())
	}
	return nil
}

// Kernel builds the attention kernel.
func Kernel(c *Config, ops Operands) (device.Kernel, error) {
	if err := c.Validate(); err != nil {
		return device.Kernel{}, err
	}
	if err := checkOperands(c, ops); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	plan := tiers.NewPlan("attention")
	if _, err := newEmitter(c, ops, plan); err != nil {
		return device.Kernel{}, errors.WithMessagef(err, "%s", c)
	}
	blockDim := c.BlockDim
	if blockDim == 0 {
		blockDim = c.units()
	}
	klog.V(1).Infof("%s: %d query blocks over %d block(s)", c, c.units(), blockDim)
	return device.Kernel{
		Name:     "attention",
		BlockDim: blockDim,
		Plan:     plan,
		Emit: func(block int, b *program.Builder) {
			e, err := newEmitter(c, ops, tiers.NewPlan("attention"))
			if err != nil {
				panic(err)
			}
			e.emit(b, block, blockDim)
		},
	}, nil
}

// Launch builds the kernel and launches it on the stream.
func Launch(s *device.Stream, c *Config, ops Operands) (uuid.UUID, error) {
	if c.BlockDim == 0 {
		resolved := *c
		if err := resolved.Validate(); err != nil {
			return uuid.Nil, err
		}
		resolved.BlockDim = min(resolved.units(), s.Device().NumCores())
		c = &resolved
	}
	k, err := Kernel(c, ops)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Launch(k)
}
