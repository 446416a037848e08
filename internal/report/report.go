// Package report renders the run plan as the plain-text message pushed to the
// notification channels. Quantities that could not be computed for a symbol
// leave that line out entirely; the report never prints a sentinel like NaN.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	"github.com/quantrun/rotor/internal/rotation"
)

const rule = "--------------------"

// Builder formats run plans. StressLevel mirrors the rotation engine's
// trailing-stop stress rule so the defense lines match what will execute.
type Builder struct {
	paramsOf    func(domain.Sector) domain.SectorParams
	sectorOf    func(string) domain.Sector
	stressLevel float64
}

// NewBuilder creates a report builder over the sector parameter table and the
// symbol-to-sector mapping.
func NewBuilder(paramsOf func(domain.Sector) domain.SectorParams, sectorOf func(string) domain.Sector, stressLevel float64) *Builder {
	return &Builder{paramsOf: paramsOf, sectorOf: sectorOf, stressLevel: stressLevel}
}

// Build renders the full report for one run. state is the portfolio as it
// stood when the plan was evaluated.
func (b *Builder) Build(plan rotation.Plan, state *domain.State, snaps map[string]indicator.Snapshot, dryRun bool) string {
	var sb strings.Builder

	title := "Rotor daily orders"
	if dryRun {
		title += " (dry-run)"
	}
	sb.WriteString(title + "\n")
	sb.WriteString(fmt.Sprintf("Decision date: %s (close)\n", plan.AsOf.Format("2006-01-02")))
	if plan.VolProxy > 0 {
		sb.WriteString(fmt.Sprintf("Vol proxy: %.1f | Equity est.: $%.0f\n", plan.VolProxy, plan.Equity))
	} else if !math.IsNaN(plan.Equity) {
		sb.WriteString(fmt.Sprintf("Equity est.: $%.0f\n", plan.Equity))
	}
	sb.WriteString(rule + "\n")

	sells := plan.Sells()
	buys := plan.Buys()

	var intraday, pending []domain.Decision
	for _, d := range sells {
		if d.Intraday {
			intraday = append(intraday, d)
		} else {
			pending = append(pending, d)
		}
	}

	if len(intraday) > 0 {
		sb.WriteString("Triggered during today's session (already filled):\n")
		for _, d := range intraday {
			sb.WriteString(fmt.Sprintf("  ! %s (%s) at %.2f\n", d.Symbol, d.Reason, d.Price))
		}
		sb.WriteString(rule + "\n")
	}

	if len(pending) > 0 {
		sb.WriteString("SELL at next open:\n")
		for _, d := range pending {
			line := fmt.Sprintf("  - %s (%s)", d.Symbol, d.Reason)
			if d.Reason == domain.ReasonSwap && d.Counterpart != "" {
				line = fmt.Sprintf("  - %s (swap for %s)", d.Symbol, d.Counterpart)
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString(rule + "\n")
	}

	if len(buys) > 0 {
		sb.WriteString("BUY at next open:\n")
		for _, d := range buys {
			sb.WriteString(fmt.Sprintf("  + %s\n", d.Symbol))
			if plan.Equity > 0 && d.AmountUSD > 0 {
				sb.WriteString(fmt.Sprintf("    allocation: %.0f%% of equity\n", d.AmountUSD/plan.Equity*100))
			}
			if stop, ok := b.initialStop(d.Symbol, snaps); ok {
				sb.WriteString(fmt.Sprintf("    set hard stop: %.2f\n", stop))
			}
		}
		sb.WriteString(rule + "\n")
	}

	if lines := b.defenseLines(plan, state, snaps); len(lines) > 0 {
		sb.WriteString("Holding defense lines (update stop orders):\n")
		for _, l := range lines {
			sb.WriteString(l + "\n")
		}
		sb.WriteString(rule + "\n")
	}

	if len(sells) == 0 && len(buys) == 0 {
		sb.WriteString("No rotation today; keep existing stop orders in place.\n")
	}
	return sb.String()
}

// initialStop estimates the hard stop a fresh buy should be protected with.
func (b *Builder) initialStop(symbol string, snaps map[string]indicator.Snapshot) (float64, bool) {
	snap, ok := snaps[symbol]
	if !ok || snap.Close <= 0 {
		return 0, false
	}
	p := b.paramsOf(b.sectorOf(symbol))
	stop := snap.Close * (1 - p.StopPct)
	if math.IsNaN(stop) || math.IsInf(stop, 0) || stop <= 0 {
		return 0, false
	}
	return stop, true
}

// defenseLines emits max(hard stop, trailing line) per surviving holding.
// Holdings without current data are omitted rather than guessed at.
func (b *Builder) defenseLines(plan rotation.Plan, state *domain.State, snaps map[string]indicator.Snapshot) []string {
	sold := map[string]bool{}
	for _, d := range plan.Sells() {
		sold[d.Symbol] = true
	}

	syms := make([]string, 0, len(state.Positions))
	for sym := range state.Positions {
		if !sold[sym] {
			syms = append(syms, sym)
		}
	}
	sort.Strings(syms)

	var out []string
	for _, sym := range syms {
		pos := state.Positions[sym]
		snap, ok := snaps[sym]
		if !ok || snap.Close <= 0 {
			continue
		}
		p := b.paramsOf(pos.Sector)
		hard := pos.EntryPrice * (1 - p.StopPct)

		high := pos.RunningHigh
		if snap.High > high {
			high = snap.High
		}
		if snap.Close > high {
			high = snap.Close
		}
		retracement := p.TrailRetracement(pos.ProfitRatio(high))
		if plan.VolProxy > 0 && b.stressLevel > 0 && plan.VolProxy > b.stressLevel {
			retracement *= 0.5
		}
		line := math.Max(hard, high*(1-retracement))
		if math.IsNaN(line) || math.IsInf(line, 0) {
			continue
		}
		out = append(out, fmt.Sprintf("  * %s: exit below %.2f", sym, line))
	}
	return out
}
