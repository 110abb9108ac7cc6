// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipes

import (
	"strings"

	"github.com/gomlx/tilepipe/pkg/support/sets"
	"github.com/gomlx/tilepipe/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Classifier maps operations to pipelines, restricted to an active operation set.
//
// The lookup is a flat array indexed by the Op, so Pipe is O(1). Operations outside the active
// set classify as Invalid.
type Classifier struct {
	active [OpLast]Pipe
}

// NewClassifier returns a Classifier whose active set is ops.
// With no ops given, every known operation is active.
func NewClassifier(ops ...Op) *Classifier {
	c := &Classifier{}
	if len(ops) == 0 {
		copy(c.active[:], opPipe[:])
		return c
	}
	for _, op := range ops {
		if op > OpInvalid && op < OpLast {
			c.active[op] = opPipe[op]
		}
	}
	return c
}

// NewClassifierFromSet returns a Classifier whose active set is ops.
func NewClassifierFromSet(ops sets.Set[Op]) *Classifier {
	c := &Classifier{}
	for op := range ops {
		if op > OpInvalid && op < OpLast {
			c.active[op] = opPipe[op]
		}
	}
	return c
}

// Pipe returns the pipeline that issues op, or Invalid if op is not in the active set.
func (c *Classifier) Pipe(op Op) Pipe {
	if op <= OpInvalid || op >= OpLast {
		return Invalid
	}
	return c.active[op]
}

// Checked returns the pipeline that issues op, or an error if op is not in the active set.
func (c *Classifier) Checked(op Op) (Pipe, error) {
	p := c.Pipe(op)
	if p == Invalid {
		return Invalid, errors.Errorf("operation %s is not in the active operation set", op)
	}
	return p, nil
}

// Supports returns whether op is in the active set.
func (c *Classifier) Supports(op Op) bool {
	return c.Pipe(op) != Invalid
}

// Without returns a copy of the classifier with ops removed from the active set.
func (c *Classifier) Without(ops ...Op) *Classifier {
	newC := &Classifier{active: c.active}
	for _, op := range ops {
		if op > OpInvalid && op < OpLast {
			newC.active[op] = Invalid
		}
	}
	return newC
}

// Ops returns the active operation set.
func (c *Classifier) Ops() sets.Set[Op] {
	ops := sets.Make[Op](int(OpLast))
	for op, p := range c.active {
		if p != Invalid {
			ops.Insert(Op(op))
		}
	}
	return ops
}

// String lists the active operations, in Op order.
func (c *Classifier) String() string {
	return "{" + strings.Join(xslices.Map(sets.Sorted(c.Ops()), Op.String), ", ") + "}"
}
