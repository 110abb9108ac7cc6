// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package events implements the cross-pipeline handshake: a source pipeline records an event,
// a destination pipeline waits on it before issuing anything further.
//
// Events are created only through the checked constructor New (or a Pool), which rejects
// configurations that could never order anything: equal source and destination pipelines, the
// Invalid pipeline, or tokens out of range.
//
// Events between the matrix engine and the vector engine carry the CrossCore flag: on split-core
// devices they use the heavier cross-core notification. The flag is part of the value, so code
// that records and waits is the same for both kinds.
package events

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/pkg/errors"
)

// Token distinguishes events between the same pair of pipelines.
type Token uint8

// MaxTokens is the number of hardware event ids available for each (source, destination) pair.
const MaxTokens = 8

// Key identifies an event regardless of its flags.
type Key struct {
	Src, Dst pipes.Pipe
	Token    Token
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s->%s#%d", k.Src, k.Dst, k.Token)
}

// Event is a one-shot completion signal from Src to Dst.
type Event struct {
	Src, Dst  pipes.Pipe
	Token     Token
	CrossCore bool
}

// Key returns the identity of the event.
func (e Event) Key() Key {
	return Key{Src: e.Src, Dst: e.Dst, Token: e.Token}
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.CrossCore {
		return e.Key().String() + "(x-core)"
	}
	return e.Key().String()
}

// IsValid returns whether the event has legal source and destination pipelines.
// The zero Event is not valid.
func (e Event) IsValid() bool {
	return e.Src.Valid() && e.Dst.Valid() && e.Src != e.Dst && e.Token < MaxTokens
}

type options struct {
	crossCore    bool
	crossCoreSet bool
}

// Option configures New.
type Option func(*options)

// WithCrossCore overrides the cross-core flag, which is otherwise derived from the engines of the
// source and destination pipelines.
//
// Forcing it to true on a same-engine pair is allowed (it only makes the handshake slower);
// forcing it to false on a pair that crosses engines is a configuration error.
func WithCrossCore(crossCore bool) Option {
	return func(o *options) {
		o.crossCore = crossCore
		o.crossCoreSet = true
	}
}

// New creates an event from src to dst with the given token.
func New(src, dst pipes.Pipe, token Token, opts ...Option) (Event, error) {
	if !src.Valid() {
		return Event{}, errors.Errorf("invalid source pipeline %s for event to %s", src, dst)
	}
	if !dst.Valid() {
		return Event{}, errors.Errorf("invalid destination pipeline %s for event from %s", dst, src)
	}
	if src == dst {
		return Event{}, errors.Errorf("event source and destination are both %s: instructions on one pipeline are already issued in order", src)
	}
	if token >= MaxTokens {
		return Event{}, errors.Errorf("event token %d out of range for %s->%s, only %d tokens are available", token, src, dst, MaxTokens)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	needed := pipes.CrossEngine(src, dst)
	crossCore := needed
	if o.crossCoreSet {
		if needed && !o.crossCore {
			return Event{}, errors.Errorf("event %s->%s crosses from %s to %s and requires the cross-core flag",
				src, dst, src.Engine(), dst.Engine())
		}
		crossCore = o.crossCore
	}
	return Event{Src: src, Dst: dst, Token: token, CrossCore: crossCore}, nil
}

// MustNew is like New, but panics (with an exception) on error.
func MustNew(src, dst pipes.Pipe, token Token, opts ...Option) Event {
	e, err := New(src, dst, token, opts...)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return e
}
