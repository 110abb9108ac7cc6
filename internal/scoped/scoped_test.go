// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/tilepipe/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestRegisters(t *testing.T) {
	r := scoped.New()
	_, found := r.Get("atomic")
	assert.False(t, found)

	r.With("atomic", "add", func() {
		assert.Equal(t, "add", scoped.Get(r, "atomic", "none"))
		r.With("atomic", "none", func() {
			assert.Equal(t, "none", scoped.Get(r, "atomic", ""))
			assert.Equal(t, 2, r.Depth("atomic"))
		})
		assert.Equal(t, "add", scoped.Get(r, "atomic", "none"))

		r.With("relu", true, func() {
			var keys []string
			r.Enumerate(func(key string, value any) { keys = append(keys, key) })
			assert.Equal(t, []string{"atomic", "relu"}, keys)
			assert.Equal(t, map[string]any{"atomic": "add", "relu": true}, r.Snapshot())
		})
	})
	assert.Equal(t, "none", scoped.Get(r, "atomic", "none"))
	assert.Equal(t, 0, r.Depth("atomic"))

	// Wrong type falls back to the default.
	r.With("relu", 1, func() {
		assert.False(t, scoped.Get(r, "relu", false))
	})
}

func TestRegistersRestoreOnPanic(t *testing.T) {
	r := scoped.New()
	require.Panics(t, func() {
		r.With("quant", 0.5, func() {
			panic("boom")
		})
	})
	_, found := r.Get("quant")
	assert.False(t, found)
}
