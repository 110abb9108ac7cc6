// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped holds named register values that are "scoped": a value is set for the duration of
// a function call and the previous value is restored on every exit path, panics included.
//
// It models the device mode registers (atomic accumulation, relu on store, quantization) that
// some operations depend on, without any ambient global state.
package scoped

import (
	"github.com/gomlx/tilepipe/pkg/support/xslices"
)

// Registers maps register names to a stack of values: the top of the stack is the current value.
//
// Registers is not safe for concurrent use: it belongs to one program builder.
type Registers struct {
	stacks map[string][]any
}

// New creates an empty set of registers: every register is unset.
func New() *Registers {
	return &Registers{stacks: make(map[string][]any)}
}

// With sets the register key to value while fn runs, and restores the previous value
// (or the unset state) when fn returns or panics.
func (r *Registers) With(key string, value any, fn func()) {
	r.stacks[key] = append(r.stacks[key], value)
	defer func() {
		stack := r.stacks[key]
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			delete(r.stacks, key)
		} else {
			r.stacks[key] = stack
		}
	}()
	fn()
}

// Get returns the current value of the register key, and whether it is set.
func (r *Registers) Get(key string) (value any, found bool) {
	stack := r.stacks[key]
	if len(stack) == 0 {
		return nil, false
	}
	return stack[len(stack)-1], true
}

// Depth returns how many nested scopes currently set key.
func (r *Registers) Depth(key string) int {
	return len(r.stacks[key])
}

// Get returns the current value of the register key converted to T, or defaultValue if the register
// is unset or holds a value of another type.
func Get[T any](r *Registers, key string, defaultValue T) T {
	value, found := r.Get(key)
	if !found {
		return defaultValue
	}
	if t, ok := value.(T); ok {
		return t
	}
	return defaultValue
}

// Snapshot returns a copy of the current value of every set register.
func (r *Registers) Snapshot() map[string]any {
	snapshot := make(map[string]any, len(r.stacks))
	for key, stack := range r.stacks {
		snapshot[key] = stack[len(stack)-1]
	}
	return snapshot
}

// Enumerate calls fn with the current value of every set register, sorted by key.
func (r *Registers) Enumerate(fn func(key string, value any)) {
	for _, key := range xslices.SortedKeys(r.stacks) {
		stack := r.stacks[key]
		fn(key, stack[len(stack)-1])
	}
}
