// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiers assigns fixed byte offsets within each memory tier to tile descriptors.
//
// Binding is O(1) and does no checking, like the hardware, which has no memory protection
// within a tier. A kernel collects its bindings in a Plan, and validates the plan against the
// device tier capacities once, when the kernel is constructed: capacity exhaustion, overlapping
// bindings and misaligned offsets are reported as configuration errors before anything is issued.
package tiers

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilepipe/pkg/core/dtypes"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Capacities holds the size in bytes of each on-chip tier.
type Capacities [tiles.NumTiers]int

// Binding of a named tile to its tier and offset.
type Binding struct {
	Name string
	Tile tiles.Tile
}

// Plan is the static memory layout of a kernel.
type Plan struct {
	name     string
	bindings []Binding
	cursor   [tiles.NumTiers]int
}

// NewPlan returns an empty plan. The name is used in error messages.
func NewPlan(name string) *Plan {
	return &Plan{name: name}
}

// Bind binds the tile to the tier at the given byte offset and returns the bound descriptor.
// No bounds checking is done here, see Validate.
func (p *Plan) Bind(name string, tile tiles.Tile, tier tiles.Tier, offset int) tiles.Tile {
	tile = tile.Bind(tier, offset)
	p.bindings = append(p.bindings, Binding{Name: name, Tile: tile})
	if end := alignUp(tile.End(), dtypes.BlockBytes); end > p.cursor[tier] {
		p.cursor[tier] = end
	}
	return tile
}

// Append binds the tile right after the highest binding so far in its tier, aligned to 32 bytes.
func (p *Plan) Append(name string, tile tiles.Tile) tiles.Tile {
	tier := tile.Tier()
	return p.Bind(name, tile, tier, p.cursor[tier])
}

// AppendPair binds two slots of the same tile shape one after the other, for double buffering.
func (p *Plan) AppendPair(name string, tile tiles.Tile) []tiles.Tile {
	return []tiles.Tile{
		p.Append(name+".ping", tile),
		p.Append(name+".pong", tile),
	}
}

// Bindings returns the bindings in the order they were made.
func (p *Plan) Bindings() []Binding {
	return slices.Clone(p.bindings)
}

// Used returns the high-water mark, in bytes, of the bindings in tier.
func (p *Plan) Used(tier tiles.Tier) int {
	used := 0
	for _, b := range p.bindings {
		if b.Tile.Tier() == tier {
			used = max(used, b.Tile.End())
		}
	}
	return used
}

func alignUp(v, alignment int) int {
	return (v + alignment - 1) / alignment * alignment
}

// Validate checks the plan against the tier capacities. It reports, in order: bindings to tiers that
// can't hold tiles, misaligned offsets, capacity exhaustion and overlapping bindings.
func (p *Plan) Validate(caps Capacities) error {
	var errs []string
	for _, b := range p.bindings {
		tier := b.Tile.Tier()
		if !tier.OnChip() {
			errs = append(errs, fmt.Sprintf("%q is bound to %s, which cannot hold tiles", b.Name, tier))
			continue
		}
		if b.Tile.Offset()%dtypes.BlockBytes != 0 {
			errs = append(errs, fmt.Sprintf("%q offset %d in tier %s is not aligned to %d bytes",
				b.Name, b.Tile.Offset(), tier, dtypes.BlockBytes))
		}
		if b.Tile.Offset() < 0 || b.Tile.End() > caps[tier] {
			errs = append(errs, fmt.Sprintf("%q needs bytes [%d, %d) of tier %s, which only has %s",
				b.Name, b.Tile.Offset(), b.Tile.End(), tier, humanize.IBytes(uint64(caps[tier]))))
		}
	}
	for ii, b0 := range p.bindings {
		for _, b1 := range p.bindings[ii+1:] {
			if b0.Tile.Overlaps(b1.Tile) {
				errs = append(errs, fmt.Sprintf("%q [%d, %d) overlaps %q [%d, %d) in tier %s",
					b0.Name, b0.Tile.Offset(), b0.Tile.End(), b1.Name, b1.Tile.Offset(), b1.Tile.End(), b0.Tile.Tier()))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("invalid memory plan for %q:\n\t%s", p.name, strings.Join(errs, "\n\t"))
	}
	if klog.V(1).Enabled() {
		klog.Infof("memory plan %q: %s", p.name, p.Summary(caps))
	}
	return nil
}

// Usage of one tier by a plan.
type Usage struct {
	Tier     tiles.Tier
	Bindings int
	Used     int
	Capacity int
}

// Usage returns the usage of every tier with at least one binding.
func (p *Plan) Usage(caps Capacities) []Usage {
	var usages []Usage
	for tier := tiles.TierMat; int(tier) < tiles.NumTiers; tier++ {
		count := 0
		for _, b := range p.bindings {
			if b.Tile.Tier() == tier {
				count++
			}
		}
		if count == 0 {
			continue
		}
		usages = append(usages, Usage{Tier: tier, Bindings: count, Used: p.Used(tier), Capacity: caps[tier]})
	}
	return usages
}

// Summary returns a one-line description of the tier usage.
func (p *Plan) Summary(caps Capacities) string {
	var parts []string
	for _, u := range p.Usage(caps) {
		parts = append(parts, fmt.Sprintf("%s=%s/%s", u.Tier, humanize.IBytes(uint64(u.Used)), humanize.IBytes(uint64(u.Capacity))))
	}
	return strings.Join(parts, " ")
}
