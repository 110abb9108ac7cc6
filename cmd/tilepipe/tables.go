// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilepipe/pkg/core/device"
	"github.com/gomlx/tilepipe/pkg/core/pipes"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newTable returns a table with alternating row colors. Columns after the first are aligned
// to the right. Rows for which failed returns true are highlighted.
func newTable(failed func(row int) bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case failed != nil && failed(row):
				s = failedStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col > 0 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
}

// summarize aggregates the blocks of a launch: the makespan is the slowest block, and the busy
// cycles are added over all blocks.
func summarize(stats []device.RunStats) (makespan, instructions int, busy [pipes.NumPipes]int) {
	for _, s := range stats {
		makespan = max(makespan, s.Makespan)
		instructions += s.Instructions
		for pipe := range pipes.NumPipes {
			busy[pipe] += s.Busy[pipe]
		}
	}
	return
}

func renderResults(results []result) string {
	active := activePipes(results)
	table := newTable(func(row int) bool { return !results[row].verify.OK() })
	header := []string{"scenario", "blocks", "cycles", "instructions"}
	for _, pipe := range active {
		header = append(header, pipe.String())
	}
	header = append(header, "max abs err", "status")
	table.Headers(header...)
	for _, r := range results {
		makespan, instructions, busy := summarize(r.stats)
		row := []string{r.name, humanize.Comma(int64(len(r.stats))), humanize.Comma(int64(makespan)),
			humanize.Comma(int64(instructions))}
		for _, pipe := range active {
			// Average utilization over the blocks.
			var utilization float64
			if makespan > 0 && len(r.stats) > 0 {
				utilization = float64(busy[pipe]) / float64(makespan*len(r.stats))
			}
			row = append(row, fmt.Sprintf("%.0f%%", 100*utilization))
		}
		status := "ok"
		if !r.verify.OK() {
			status = fmt.Sprintf("%d bad", r.verify.Bad)
		}
		row = append(row, fmt.Sprintf("%.2g", r.verify.MaxAbs), status)
		table.Row(row...)
	}
	return table.Render()
}

// activePipes returns the pipes busy in at least one of the results.
func activePipes(results []result) []pipes.Pipe {
	var active []pipes.Pipe
	for _, pipe := range pipes.All() {
		for _, r := range results {
			if _, _, busy := summarize(r.stats); busy[pipe] > 0 {
				active = append(active, pipe)
				break
			}
		}
	}
	return active
}

func renderPlans(results []result, profile device.Profile) string {
	table := newTable(nil)
	table.Headers("scenario", "tier", "tiles", "used", "capacity", "%")
	for _, r := range results {
		if r.plan == nil {
			continue
		}
		for _, u := range r.plan.Usage(profile.Capacities) {
			var pct float64
			if u.Capacity > 0 {
				pct = 100 * float64(u.Used) / float64(u.Capacity)
			}
			table.Row(r.name, u.Tier.String(), humanize.Comma(int64(u.Bindings)),
				humanize.IBytes(uint64(u.Used)), humanize.IBytes(uint64(u.Capacity)), fmt.Sprintf("%.1f", pct))
		}
	}
	return table.Render()
}

func renderProfiles() string {
	table := newTable(nil)
	table.Headers("profile", "cores", "tiers", "description")
	for _, name := range device.ProfileNames() {
		p, _ := device.GetProfile(name)
		tiers := strings.TrimSuffix(strings.TrimPrefix(p.String(), p.Name+" ("), ")")
		table.Row(p.Name, humanize.Comma(int64(p.MaxCores)), tiers, p.Description)
	}
	return table.Render()
}
