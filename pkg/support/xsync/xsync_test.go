// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero: returns immediately.

	wg.Add(1)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	// Adding while someone waits.
	wg.Add(1)
	assert.Equal(t, 2, wg.Count())
	wg.Done()
	select {
	case <-done:
		t.Fatal("Wait returned with a pending task")
	default:
	}
	wg.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait didn't return after the counter reached zero")
	}
	require.Panics(t, func() { wg.Done() })
}
