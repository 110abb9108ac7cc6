// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package events

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/pkg/errors"
)

type pair struct {
	src, dst pipes.Pipe
}

// Pool hands out distinct tokens for each (source, destination) pair, for one kernel.
//
// Running out of tokens is a resource-exhaustion error, reported when the kernel is constructed.
type Pool struct {
	next   map[pair]Token
	labels map[Key]string
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{
		next:   make(map[pair]Token),
		labels: make(map[Key]string),
	}
}

// New allocates the next free token from src to dst. The label is only used for diagnostics.
func (p *Pool) New(label string, src, dst pipes.Pipe, opts ...Option) (Event, error) {
	pr := pair{src, dst}
	token := p.next[pr]
	if token >= MaxTokens {
		return Event{}, errors.Errorf("cannot allocate event %q: all %d tokens from %s to %s are in use",
			label, MaxTokens, src, dst)
	}
	e, err := New(src, dst, token, opts...)
	if err != nil {
		return Event{}, errors.WithMessagef(err, "cannot allocate event %q", label)
	}
	p.next[pr] = token + 1
	p.labels[e.Key()] = label
	return e, nil
}

// MustNew is like New, but panics (with an exception) on error.
func (p *Pool) MustNew(label string, src, dst pipes.Pipe, opts ...Option) Event {
	e, err := p.New(label, src, dst, opts...)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return e
}

// Label returns the label given when the event was allocated, or "" if the event was not allocated by p.
func (p *Pool) Label(key Key) string {
	return p.labels[key]
}

// InUse returns how many tokens have been allocated from src to dst.
func (p *Pool) InUse(src, dst pipes.Pipe) int {
	return int(p.next[pair{src, dst}])
}

// Len returns the total number of events allocated.
func (p *Pool) Len() int {
	return len(p.labels)
}
