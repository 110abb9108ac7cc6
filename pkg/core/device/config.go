// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TILEPIPE_DEVICE is the environment variable with the default device configuration.
//
// The format is "<profile>:<option>=<value>,...". See ParseConfig.
const TILEPIPE_DEVICE = "TILEPIPE_DEVICE"

// DefaultConfig is used by New if TILEPIPE_DEVICE is not set.
var DefaultConfig string

// Mode selects how the pipelines of a core are executed.
type Mode int

const (
	// ModeConcurrent runs each pipeline in its own goroutine, synchronized only by events.
	ModeConcurrent Mode = iota

	// ModeSerial runs one instruction at a time, choosing among the ready pipelines with a
	// seeded random generator. It is deterministic for a given seed.
	ModeSerial
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeConcurrent:
		return "concurrent"
	case ModeSerial:
		return "serial"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Config of a Device.
type Config struct {
	Profile string

	// Cores is the number of cores available to launches, at most the profile's MaxCores.
	Cores int

	Mode Mode

	// Seed of the random interleaving in ModeSerial. Each block uses Seed+block.
	Seed uint64

	// Hazards enables the static checks at launch: record/wait pairing and data hazards.
	Hazards bool

	// Parallelism is the number of cores simulated at once: 0 runs them inline, -1 is unlimited.
	Parallelism int
}

// String returns the configuration in the format accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("%s:cores=%d,mode=%s,seed=%d,hazards=%t,parallelism=%d",
		c.Profile, c.Cores, c.Mode, c.Seed, c.Hazards, c.Parallelism)
}

// ParseConfig parses a device configuration formatted as "<profile>:<option>=<value>,...".
//
// The profile defaults to the first registered one, and a configuration without a colon is taken
// as options only if it contains a "=", so "mode=serial" selects the default profile. Options:
//
//   - cores=N: number of cores, defaults to the profile's maximum.
//   - mode=serial|concurrent: defaults to concurrent.
//   - seed=N: seed of the serial mode interleaving.
//   - hazards=true|false: static checks at launch, defaults to true.
//   - parallelism=N: cores simulated at once, defaults to the number of CPUs.
func ParseConfig(config string) (Config, error) {
	name, options := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name, options = config[:idx], config[idx+1:]
	} else if strings.Contains(config, "=") {
		name, options = "", config
	}
	if name == "" {
		name = firstRegistered
	}
	profile, found := GetProfile(name)
	if !found {
		return Config{}, errors.Errorf("unknown device profile %q in configuration %q, registered profiles are %q",
			name, config, ProfileNames())
	}
	c := Config{
		Profile:     profile.Name,
		Cores:       profile.MaxCores,
		Mode:        ModeConcurrent,
		Hazards:     true,
		Parallelism: runtime.NumCPU(),
	}
	if options == "" {
		return c, nil
	}
	for _, part := range strings.Split(options, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Config{}, errors.Errorf("invalid option %q in device configuration %q, expected <option>=<value>", part, config)
		}
		var err error
		switch key {
		case "cores":
			c.Cores, err = strconv.Atoi(value)
			if err == nil && (c.Cores < 1 || c.Cores > profile.MaxCores) {
				err = errors.Errorf("profile %q has 1 to %d cores", profile.Name, profile.MaxCores)
			}
		case "mode":
			switch value {
			case "serial":
				c.Mode = ModeSerial
			case "concurrent":
				c.Mode = ModeConcurrent
			default:
				err = errors.New("mode must be serial or concurrent")
			}
		case "seed":
			c.Seed, err = strconv.ParseUint(value, 10, 64)
		case "hazards":
			c.Hazards, err = strconv.ParseBool(value)
		case "parallelism":
			c.Parallelism, err = strconv.Atoi(value)
		default:
			err = errors.New("unknown option")
		}
		if err != nil {
			return Config{}, errors.WithMessagef(err, "option %q of device configuration %q", part, config)
		}
	}
	return c, nil
}
