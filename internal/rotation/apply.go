package rotation

import (
	"fmt"
	"time"

	"github.com/quantrun/rotor/internal/domain"
)

// Apply folds an evaluated plan back into the portfolio state: running highs
// ratchet up for holds, sells free cash and arm cooldowns, buys open
// positions at the planned allocation. The caller persists the state after a
// successful apply.
func (e *Engine) Apply(state *domain.State, plan Plan, sectorOf func(string) domain.Sector) error {
	for _, d := range plan.Decisions {
		switch d.Action {
		case domain.ActionHold:
			pos, ok := state.Positions[d.Symbol]
			if !ok {
				return fmt.Errorf("hold decision for unknown position %s", d.Symbol)
			}
			pos.Observe(d.Price)
			pos.Observe(d.High)

		case domain.ActionSell:
			pos, ok := state.Positions[d.Symbol]
			if !ok {
				return fmt.Errorf("sell decision for unknown position %s", d.Symbol)
			}
			state.Cash += pos.MarketValue(d.Price) * (1 - e.cfg.SlippageRate)
			if stopExit(d.Reason) {
				days := e.ranker.Params(pos.Sector).CooldownDays
				if days > 0 {
					state.Cooldowns[d.Symbol] = plan.AsOf.Add(time.Duration(days) * 24 * time.Hour)
				}
			}
			delete(state.Positions, d.Symbol)

		case domain.ActionBuy:
			if d.Price <= 0 || d.AmountUSD <= 0 {
				return fmt.Errorf("buy decision for %s has no usable price or amount", d.Symbol)
			}
			if _, exists := state.Positions[d.Symbol]; exists {
				return fmt.Errorf("buy decision for already-held position %s", d.Symbol)
			}
			units := d.AmountUSD / d.Price
			state.Positions[d.Symbol] = domain.NewPosition(d.Symbol, sectorOf(d.Symbol), d.Price, plan.AsOf, units)
			state.Cash -= d.AmountUSD
		}
	}

	// Drop cooldown entries that have fully lapsed.
	for sym, until := range state.Cooldowns {
		if plan.AsOf.After(until) {
			delete(state.Cooldowns, sym)
		}
	}

	state.UpdatedAt = plan.AsOf
	return nil
}

// stopExit reports whether the exit reason should freeze re-entry. Rotation
// and regime exits do not: the symbol may legitimately re-qualify at once.
func stopExit(reason domain.SellReason) bool {
	switch reason {
	case domain.ReasonHardStop, domain.ReasonTrailStop, domain.ReasonPanic,
		domain.ReasonGapStop, domain.ReasonGapTrail:
		return true
	}
	return false
}
