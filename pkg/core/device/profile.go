// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
	"github.com/gomlx/tilepipe/pkg/core/program"
	"github.com/gomlx/tilepipe/pkg/core/tiers"
	"github.com/gomlx/tilepipe/pkg/core/tiles"
	"github.com/gomlx/tilepipe/pkg/support/xslices"
)

// Cost of a latency class in the timing model: a fixed startup, plus the work divided by the
// throughput (work units per cycle) rounded up.
type Cost struct {
	Startup, PerCycle int
}

// Profile describes a target: the tier capacities of each core, the number of cores and the
// cycle costs of the timing model.
type Profile struct {
	Name        string
	Description string
	Capacities  tiers.Capacities
	MaxCores    int
	Costs       [pipes.NumLatencyClasses]Cost

	// EventLatency is the number of cycles between a record retiring and a wait on the same
	// engine observing it. Cross-engine (cross-core) events take CrossCoreLatency instead.
	EventLatency, CrossCoreLatency int
}

// Cycles returns the estimated duration of an operation.
func (p Profile) Cycles(in *program.Instruction) int {
	cost := p.Costs[in.Op.Latency()]
	cycles := cost.Startup
	if cost.PerCycle > 0 && in.Work > 0 {
		cycles += (in.Work + cost.PerCycle - 1) / cost.PerCycle
	}
	return cycles
}

// String returns the name and the capacities of the on-chip tiers.
func (p Profile) String() string {
	var parts []string
	for tier := tiles.TierMat; int(tier) < tiles.NumTiers; tier++ {
		parts = append(parts, tier.String()+"="+humanize.IBytes(uint64(p.Capacities[tier])))
	}
	return p.Name + " (" + strings.Join(parts, ", ") + ")"
}

var (
	registeredProfiles = make(map[string]Profile)
	firstRegistered    string
)

// RegisterProfile makes a profile available to device configurations, under its name.
// The first registered profile is the default.
//
// To be safe, call RegisterProfile during initialization of a package.
func RegisterProfile(profile Profile) {
	if len(registeredProfiles) == 0 {
		firstRegistered = profile.Name
	}
	registeredProfiles[profile.Name] = profile
}

// GetProfile returns the registered profile with the given name.
func GetProfile(name string) (Profile, bool) {
	p, found := registeredProfiles[name]
	return p, found
}

// ProfileNames returns the names of the registered profiles, sorted.
func ProfileNames() []string {
	return xslices.SortedKeys(registeredProfiles)
}

const kib = 1024

func init() {
	RegisterProfile(Profile{
		Name:        "a2a3",
		Description: "split matrix and vector cores, 512 KiB staging, 192 KiB vector scratch",
		Capacities: tiers.Capacities{
			tiles.TierMat:     512 * kib,
			tiles.TierLeft:    64 * kib,
			tiles.TierRight:   64 * kib,
			tiles.TierAcc:     128 * kib,
			tiles.TierVec:     192 * kib,
			tiles.TierBias:    1 * kib,
			tiles.TierScaling: 4 * kib,
		},
		MaxCores: 24,
		Costs: [pipes.NumLatencyClasses]Cost{
			pipes.LatencyTransfer: {Startup: 64, PerCycle: 128},
			pipes.LatencyMatrix:   {Startup: 16, PerCycle: 4096},
			pipes.LatencyVector:   {Startup: 8, PerCycle: 128},
			pipes.LatencySort:     {Startup: 16, PerCycle: 32},
		},
		EventLatency:     1,
		CrossCoreLatency: 200,
	})
	RegisterProfile(Profile{
		Name:        "a5",
		Description: "split matrix and vector cores, 256 KiB accumulators, 248 KiB vector scratch",
		Capacities: tiers.Capacities{
			tiles.TierMat:     512 * kib,
			tiles.TierLeft:    64 * kib,
			tiles.TierRight:   64 * kib,
			tiles.TierAcc:     256 * kib,
			tiles.TierVec:     248 * kib,
			tiles.TierBias:    1 * kib,
			tiles.TierScaling: 4 * kib,
		},
		MaxCores: 32,
		Costs: [pipes.NumLatencyClasses]Cost{
			pipes.LatencyTransfer: {Startup: 48, PerCycle: 192},
			pipes.LatencyMatrix:   {Startup: 12, PerCycle: 8192},
			pipes.LatencyVector:   {Startup: 6, PerCycle: 256},
			pipes.LatencySort:     {Startup: 12, PerCycle: 64},
		},
		EventLatency:     1,
		CrossCoreLatency: 120,
	})
}
