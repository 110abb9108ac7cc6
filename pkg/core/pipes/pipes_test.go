// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"testing"

	"github.com/gomlx/tilepipe/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryOpHasExactlyOnePipe(t *testing.T) {
	c := NewClassifier()
	for op := OpInvalid + 1; op < OpLast; op++ {
		p := c.Pipe(op)
		assert.True(t, p.Valid(), "operation %s has no pipeline", op)
	}
	assert.Equal(t, Invalid, c.Pipe(OpInvalid))
	assert.Equal(t, Invalid, c.Pipe(OpLast))
	assert.Equal(t, Invalid, c.Pipe(Op(-3)))
}

func TestClassification(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, Fetch, c.Pipe(OpLoad))
	assert.Equal(t, Transform, c.Pipe(OpExtract))
	assert.Equal(t, Matrix, c.Pipe(OpMatmulAcc))
	assert.Equal(t, Drain, c.Pipe(OpStoreAcc))
	assert.Equal(t, Drain, c.Pipe(OpMovAcc))
	assert.Equal(t, Store, c.Pipe(OpMovVec))
	assert.Equal(t, Vector, c.Pipe(OpRowMax))
	assert.Equal(t, LatencySort, OpMrgSort.Latency())
	assert.Equal(t, LatencyMatrix, OpMatmulBias.Latency())
	assert.Equal(t, LatencyTransfer, OpLoad.Latency())
}

func TestInactiveOpsAreInvalid(t *testing.T) {
	c := NewClassifier(OpLoad, OpMatmul, OpStoreAcc)
	assert.Equal(t, Fetch, c.Pipe(OpLoad))
	assert.Equal(t, Invalid, c.Pipe(OpExtract))
	_, err := c.Checked(OpSort32)
	require.ErrorContains(t, err, "Sort32")
	p, err := c.Checked(OpMatmul)
	require.NoError(t, err)
	assert.Equal(t, Matrix, p)

	c2 := NewClassifier().Without(OpMatmulBias)
	assert.False(t, c2.Supports(OpMatmulBias))
	assert.True(t, c2.Supports(OpMatmul))
	assert.Len(t, c2.Ops(), int(OpLast)-2)

	c3 := NewClassifierFromSet(sets.MakeWith(OpExp, OpAdd))
	assert.True(t, c3.Ops().Equal(sets.MakeWith(OpExp, OpAdd)))
	assert.Equal(t, "{Add, Exp}", c3.String())
}

func TestEngines(t *testing.T) {
	assert.Equal(t, MatrixEngine, Drain.Engine())
	assert.Equal(t, VectorEngine, Store.Engine())
	assert.Equal(t, AnyEngine, Fetch.Engine())
	assert.True(t, CrossEngine(Drain, Vector))
	assert.True(t, CrossEngine(Store, Transform))
	assert.False(t, CrossEngine(Fetch, Vector))
	assert.False(t, CrossEngine(Transform, Matrix))
	assert.False(t, Invalid.Valid())
	assert.Len(t, All(), NumPipes-1)

	p, err := PipeString("matrix")
	require.NoError(t, err)
	assert.Equal(t, Matrix, p)
	op, err := OpString("RowExpandSub")
	require.NoError(t, err)
	assert.Equal(t, OpRowExpandSub, op)
}
