// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilepipe runs the kernels of the library on a simulated device, verifies them against the
// reference implementations and reports their timing estimates and on-chip memory usage.
//
// Usage:
//
//	tilepipe [-device=a2a3:mode=serial,seed=1] [-scenarios=gemm,topk] [-plans] [-profiles]
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/tilepipe/internal/must"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device configuration, formatted as \"<profile>:<option>=<value>,...\". "+
			"If empty, it is read from $%s.", device.TILEPIPE_DEVICE))
	flagScenarios = flag.String("scenarios", "", "Comma-separated list of scenarios to run. Empty runs all of them.")
	flagSeed      = flag.Uint64("seed", 42, "Seed of the random inputs.")
	flagPlans     = flag.Bool("plans", false, "Reports the on-chip memory plan of each scenario.")
	flagProfiles  = flag.Bool("profiles", false, "Lists the registered device profiles and exits.")
	flagColor     = flag.Bool("color", true, "Colors the output, if the terminal supports it.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagColor || termenv.EnvColorProfile() == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	if *flagProfiles {
		fmt.Println(titleStyle.Render("Profiles"))
		fmt.Println(renderProfiles())
		return
	}

	var d *device.Device
	if *flagDevice != "" {
		d = must.M1(device.NewWithConfig(*flagDevice))
	} else {
		d = must.M1(device.New())
	}
	var names []string
	if *flagScenarios != "" {
		names = strings.Split(*flagScenarios, ",")
	}
	selected := must.M1(selectScenarios(names))

	results, failed := run(d, selected)
	fmt.Println(titleStyle.Render(fmt.Sprintf("Scenarios on %s", d.Config())))
	fmt.Println(renderResults(results))
	if *flagPlans {
		profile := d.Profile()
		fmt.Println(titleStyle.Render(fmt.Sprintf("Memory plans on %s", profile.String())))
		fmt.Println(renderPlans(results, profile))
	}
	if failed > 0 {
		klog.Errorf("%d of %d scenario(s) failed", failed, len(selected))
		os.Exit(1)
	}
}

// run executes the scenarios one after the other, and returns their results and the number of
// failures. Scenarios that fail to run are logged and left out of the results.
func run(d *device.Device, selected []scenario) (results []result, failed int) {
	bar := progressbar.NewOptions(len(selected),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	for _, s := range selected {
		bar.Describe(s.name)
		r, err := s.run(d, rng)
		if err != nil {
			klog.Errorf("scenario %q failed: %+v", s.name, err)
			failed++
		} else {
			if !r.verify.OK() {
				klog.Errorf("scenario %q doesn't match its reference: %s", s.name, r.verify)
				failed++
			}
			klog.V(1).Infof("%s (%s)", r, r.description)
			results = append(results, r)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return
}
