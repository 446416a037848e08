package domain

import "time"

// Position is an open holding. The portfolio state store owns the canonical
// set of positions; the decision engine only reads them and proposes
// mutations, which the caller applies before the next persist.
type Position struct {
	Symbol      string    `json:"symbol"`
	Sector      Sector    `json:"sector"`
	EntryPrice  float64   `json:"entry_price"`
	EntryDate   time.Time `json:"entry_date"`
	RunningHigh float64   `json:"running_high"`
	Units       float64   `json:"units"`
}

// NewPosition opens a position with the running high seeded to the entry
// price, which keeps RunningHigh >= EntryPrice for the position's lifetime.
func NewPosition(symbol string, sector Sector, entryPrice float64, entryDate time.Time, units float64) *Position {
	return &Position{
		Symbol:      symbol,
		Sector:      sector,
		EntryPrice:  entryPrice,
		EntryDate:   entryDate,
		RunningHigh: entryPrice,
		Units:       units,
	}
}

// Observe ratchets the running high upward. It never lowers it.
func (p *Position) Observe(close float64) {
	if close > p.RunningHigh {
		p.RunningHigh = close
	}
}

// AgeDays is the number of whole days the position has been held as of asOf.
func (p *Position) AgeDays(asOf time.Time) int {
	return int(asOf.Sub(p.EntryDate).Hours() / 24)
}

// ProfitRatio is the unrealized gain of price relative to entry.
func (p *Position) ProfitRatio(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// MarketValue values the position at the given price.
func (p *Position) MarketValue(price float64) float64 {
	return p.Units * price
}

// State is the durable portfolio state carried between runs: cash, open
// positions, and the re-entry cooldown ledger.
type State struct {
	Cash      float64              `json:"cash"`
	Positions map[string]*Position `json:"positions"`
	Cooldowns map[string]time.Time `json:"cooldowns"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewState returns an empty portfolio seeded with starting cash.
func NewState(cash float64) *State {
	return &State{
		Cash:      cash,
		Positions: map[string]*Position{},
		Cooldowns: map[string]time.Time{},
	}
}

// InCooldown reports whether the symbol is still inside its re-entry freeze
// window as of the given day.
func (s *State) InCooldown(symbol string, asOf time.Time) bool {
	until, ok := s.Cooldowns[symbol]
	if !ok {
		return false
	}
	return !asOf.After(until)
}

// Equity values the portfolio using the supplied close prices. Positions
// without a usable close are valued at entry so a data gap never zeroes out
// the allocation base.
func (s *State) Equity(closes map[string]float64) float64 {
	total := s.Cash
	for sym, pos := range s.Positions {
		if c, ok := closes[sym]; ok && c > 0 {
			total += pos.MarketValue(c)
		} else {
			total += pos.MarketValue(pos.EntryPrice)
		}
	}
	return total
}
