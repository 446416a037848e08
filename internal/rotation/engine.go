package rotation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	"github.com/quantrun/rotor/internal/rank"
	"github.com/quantrun/rotor/internal/regime"
)

// SizeStep scales new-position sizing down as the volatility proxy rises.
// Steps are evaluated highest threshold first.
type SizeStep struct {
	Above    float64 `yaml:"above"`
	Fraction float64 `yaml:"fraction"`
}

// Config holds the portfolio-level rotation parameters. The swap constants
// and multipliers are strategy inputs, supplied by whoever owns the tuning.
type Config struct {
	MaxPositions   int     `yaml:"max_positions"`
	MinHoldDays    int     `yaml:"min_hold_days"`
	SlippageRate   float64 `yaml:"slippage_rate"`
	SwapBase       float64 `yaml:"swap_base"`      // ratio floor, e.g. 1.4
	SwapVolSlope   float64 `yaml:"swap_vol_slope"` // threshold rises with holding volatility
	SwapCap        float64 `yaml:"swap_cap"`       // ratio ceiling, e.g. 2.0
	SwapMargin     float64 `yaml:"swap_margin"`    // flat score margin on top of the ratio
	PanicLevel     float64 `yaml:"panic_level"`     // vol proxy above this: liquidate everything
	BuyFreezeLevel float64 `yaml:"buy_freeze_level"` // vol proxy above this: hold, but no buys
	StressLevel    float64 `yaml:"stress_level"`     // vol proxy above this: halve trailing retracement
	SectorCapLevel float64 `yaml:"sector_cap_level"` // vol proxy above this: enforce SectorCap
	SectorCap      int     `yaml:"sector_cap"`

	SizeSteps []SizeStep `yaml:"size_steps"`
}

// DefaultConfig mirrors the strategy's long-standing tuning.
func DefaultConfig() Config {
	return Config{
		MaxPositions:   3,
		MinHoldDays:    3,
		SlippageRate:   0.002,
		SwapBase:       1.4,
		SwapVolSlope:   0.1,
		SwapCap:        2.0,
		SwapMargin:     0.05,
		PanicLevel:     45.0,
		BuyFreezeLevel: 40.0,
		StressLevel:    30.0,
		SectorCapLevel: 25.0,
		SectorCap:      2,
		SizeSteps: []SizeStep{
			{Above: 40, Fraction: 0.3},
			{Above: 30, Fraction: 0.6},
			{Above: 20, Fraction: 0.8},
		},
	}
}

// Input is everything the engine reads for one run. The engine never mutates
// State; it proposes a Plan that the caller applies.
type Input struct {
	AsOf       time.Time
	State      *domain.State
	Snapshots  map[string]indicator.Snapshot
	Regimes    map[string]regime.Status
	Candidates []rank.Candidate
	HeldScores map[string]float64 // present only for holdings scorable this run
	VolProxy   float64            // e.g. VIX close; <= 0 means unavailable
}

// Plan is the full set of proposed decisions for one run.
type Plan struct {
	RunID      uuid.UUID         `json:"run_id"`
	AsOf       time.Time         `json:"as_of"`
	Decisions  []domain.Decision `json:"decisions"`
	Equity     float64           `json:"equity"`
	TargetSize float64           `json:"target_size"`
	Scaler     float64           `json:"scaler"`
	VolProxy   float64           `json:"vol_proxy"`
}

// Sells returns the sell-side decisions in plan order.
func (p Plan) Sells() []domain.Decision { return p.byAction(domain.ActionSell) }

// Buys returns the buy-side decisions in plan order.
func (p Plan) Buys() []domain.Decision { return p.byAction(domain.ActionBuy) }

func (p Plan) byAction(a domain.Action) []domain.Decision {
	var out []domain.Decision
	for _, d := range p.Decisions {
		if d.Action == a {
			out = append(out, d)
		}
	}
	return out
}

// Engine applies the exit cascade, the swap rule and slot filling.
type Engine struct {
	cfg    Config
	ranker *rank.Ranker
}

// New creates a rotation engine over the shared ranker, which supplies the
// sector parameter table and the scoring formula for held positions.
func New(cfg Config, ranker *rank.Ranker) *Engine {
	return &Engine{cfg: cfg, ranker: ranker}
}

// Evaluate runs the full decision pass. Holdings with no usable current-day
// data receive no decision at all: missing data is never a sell trigger.
func (e *Engine) Evaluate(in Input) Plan {
	plan := Plan{
		RunID:    uuid.New(),
		AsOf:     in.AsOf,
		VolProxy: in.VolProxy,
		Scaler:   e.sizeScaler(in.VolProxy),
	}

	// Intraday settlement: a stop or trail line pierced inside today's bar
	// filled during the session, so it is booked before any close-based rule
	// gets a look. Needs the day's full bar; close-only data skips straight
	// to the cascade.
	intradayFill := map[string]float64{}
	for _, sym := range sortedKeys(in.State.Positions) {
		pos := in.State.Positions[sym]
		snap, ok := in.Snapshots[sym]
		if !ok || snap.Open <= 0 || snap.High <= 0 || snap.Low <= 0 {
			continue
		}
		price, reason, hit := e.intradayExit(pos, snap, in.VolProxy)
		if !hit {
			continue
		}
		intradayFill[sym] = price
		plan.Decisions = append(plan.Decisions, domain.Decision{
			Action:   domain.ActionSell,
			Symbol:   sym,
			Reason:   reason,
			Price:    price,
			Intraday: true,
		})
		log.Info().Str("symbol", sym).Str("reason", string(reason)).
			Float64("price", price).Msg("intraday exit settled")
	}

	// Intraday fills are marked at their fill net of slippage; everything
	// else at the close.
	marks := make(map[string]float64, len(in.Snapshots))
	for sym, snap := range in.Snapshots {
		marks[sym] = snap.Close
	}
	for sym, price := range intradayFill {
		marks[sym] = price * (1 - e.cfg.SlippageRate)
	}
	plan.Equity = in.State.Equity(marks)
	if e.cfg.MaxPositions > 0 {
		plan.TargetSize = plan.Equity / float64(e.cfg.MaxPositions) * plan.Scaler
	}

	// Phase 1: exit cascade per remaining holding, first match wins.
	surviving := map[string]bool{}
	for _, sym := range sortedKeys(in.State.Positions) {
		if _, sold := intradayFill[sym]; sold {
			continue
		}
		pos := in.State.Positions[sym]
		snap, ok := in.Snapshots[sym]
		if !ok || snap.Close <= 0 {
			// Carry the position forward untouched.
			surviving[sym] = true
			log.Warn().Str("symbol", sym).Msg("no current data for holding, carrying forward")
			continue
		}
		if reason, sell := e.exitReason(pos, snap, in); sell {
			plan.Decisions = append(plan.Decisions, domain.Decision{
				Action: domain.ActionSell,
				Symbol: sym,
				Reason: reason,
				Price:  snap.Close,
			})
			continue
		}
		surviving[sym] = true
		plan.Decisions = append(plan.Decisions, domain.Decision{
			Action: domain.ActionHold,
			Symbol: sym,
			Price:  snap.Close,
			High:   snap.High,
			Score:  in.HeldScores[sym],
		})
	}

	if levelExceeded(in.VolProxy, e.cfg.PanicLevel) {
		// Everything was sold above; nothing gets bought.
		return plan
	}

	candidates := e.eligibleCandidates(in)
	projected := projectedSectors(in.State, surviving)

	// Phase 2: swap weakest survivor for strongest challenger while the
	// score improvement clears the volatility-scaled threshold.
	for len(candidates) > 0 {
		weak, ok := e.weakestSwappable(in, surviving)
		if !ok {
			break
		}
		ci := e.firstAllowed(candidates, projected, in.VolProxy)
		if ci < 0 {
			break
		}
		cand := candidates[ci]
		weakScore := in.HeldScores[weak]
		weakVol := heldVolatility(in, weak)
		threshold := clamp(e.cfg.SwapBase+weakVol*e.cfg.SwapVolSlope, e.cfg.SwapBase, e.cfg.SwapCap)
		if !(cand.Score > weakScore*threshold && cand.Score > weakScore+e.cfg.SwapMargin) {
			break
		}

		plan.Decisions = append(plan.Decisions,
			domain.Decision{
				Action:      domain.ActionSell,
				Symbol:      weak,
				Reason:      domain.ReasonSwap,
				Counterpart: cand.Symbol,
				Price:       in.Snapshots[weak].Close,
				Score:       weakScore,
			},
			domain.Decision{
				Action:      domain.ActionBuy,
				Symbol:      cand.Symbol,
				Counterpart: weak,
				AmountUSD:   plan.TargetSize,
				Price:       in.Snapshots[cand.Symbol].Close,
				Score:       cand.Score,
			},
		)
		delete(surviving, weak)
		delete(projected, weak)
		projected[cand.Symbol] = cand.Sector
		candidates = append(candidates[:ci], candidates[ci+1:]...)
	}

	// Phase 3: fill open slots with the next-best remaining candidates.
	if levelExceeded(in.VolProxy, e.cfg.BuyFreezeLevel) {
		e.markSkips(&plan, candidates)
		return plan
	}
	openSlots := e.cfg.MaxPositions - countProjectedHoldings(projected)
	for openSlots > 0 && len(candidates) > 0 {
		ci := e.firstAllowed(candidates, projected, in.VolProxy)
		if ci < 0 {
			break
		}
		cand := candidates[ci]
		plan.Decisions = append(plan.Decisions, domain.Decision{
			Action:    domain.ActionBuy,
			Symbol:    cand.Symbol,
			AmountUSD: plan.TargetSize,
			Price:     in.Snapshots[cand.Symbol].Close,
			Score:     cand.Score,
		})
		projected[cand.Symbol] = cand.Sector
		candidates = append(candidates[:ci], candidates[ci+1:]...)
		openSlots--
	}
	e.markSkips(&plan, candidates)
	return plan
}

// exitReason walks the priority cascade for one holding. Order matters: the
// first rule that fires names the exit.
func (e *Engine) exitReason(pos *domain.Position, snap indicator.Snapshot, in Input) (domain.SellReason, bool) {
	p := e.ranker.Params(pos.Sector)
	close := snap.Close

	if levelExceeded(in.VolProxy, e.cfg.PanicLevel) {
		return domain.ReasonPanic, true
	}
	if close <= pos.EntryPrice*(1-p.StopPct) {
		return domain.ReasonHardStop, true
	}
	if pos.AgeDays(in.AsOf) > p.ZombieDays && close <= pos.EntryPrice {
		return domain.ReasonStale, true
	}
	if !p.RegimeExempt && !regime.Eligible(in.Regimes, p) {
		return domain.ReasonRegimeExit, true
	}

	// Trailing stop referenced to the high-water mark, tightening with
	// profit and halved under market stress. The day's high counts toward
	// the mark when the provider served a full bar.
	runningHigh := pos.RunningHigh
	if snap.High > runningHigh {
		runningHigh = snap.High
	}
	if close > runningHigh {
		runningHigh = close
	}
	retracement := p.TrailRetracement(pos.ProfitRatio(runningHigh))
	if levelExceeded(in.VolProxy, e.cfg.StressLevel) {
		retracement *= 0.5
	}
	if close < runningHigh*(1-retracement) {
		return domain.ReasonTrailStop, true
	}

	if p.TechnicalExit && snap.MASlow != nil && close < *snap.MASlow {
		return domain.ReasonTrendBreak, true
	}
	return "", false
}

// intradayExit settles today's bar against the defense lines. A gap below
// the exit line fills at the open; a line pierced during the session fills
// at the line itself. The exit line is the tighter of the hard stop and the
// trailing line referenced to the pre-session peak (running high or the
// open, whichever is higher).
func (e *Engine) intradayExit(pos *domain.Position, snap indicator.Snapshot, volProxy float64) (float64, domain.SellReason, bool) {
	p := e.ranker.Params(pos.Sector)
	stop := pos.EntryPrice * (1 - p.StopPct)

	peak := pos.RunningHigh
	if snap.Open > peak {
		peak = snap.Open
	}
	retracement := p.TrailRetracement(pos.ProfitRatio(peak))
	if levelExceeded(volProxy, e.cfg.StressLevel) {
		retracement *= 0.5
	}
	trail := peak * (1 - retracement)

	exitLine := trail
	if stop > exitLine {
		exitLine = stop
	}

	if snap.Open < exitLine {
		if snap.Open < stop {
			return snap.Open, domain.ReasonGapStop, true
		}
		return snap.Open, domain.ReasonGapTrail, true
	}
	if snap.Low <= exitLine {
		if exitLine == stop {
			return exitLine, domain.ReasonHardStop, true
		}
		return exitLine, domain.ReasonTrailStop, true
	}
	return 0, "", false
}

// weakestSwappable picks the surviving holding with the lowest score that is
// old enough to rotate. Holdings without a score this run are not swap
// material; they simply hold. Ties break on symbol order so repeat runs over
// the same inputs name the same victim.
func (e *Engine) weakestSwappable(in Input, surviving map[string]bool) (string, bool) {
	syms := make([]string, 0, len(surviving))
	for sym := range surviving {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	weak := ""
	weakScore := 0.0
	for _, sym := range syms {
		score, scored := in.HeldScores[sym]
		if !scored {
			continue
		}
		pos := in.State.Positions[sym]
		if pos.AgeDays(in.AsOf) < e.cfg.MinHoldDays {
			continue
		}
		if weak == "" || score < weakScore {
			weak = sym
			weakScore = score
		}
	}
	return weak, weak != ""
}

// eligibleCandidates screens the ranked list against the cooldown ledger.
func (e *Engine) eligibleCandidates(in Input) []rank.Candidate {
	out := make([]rank.Candidate, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if in.State.InCooldown(c.Symbol, in.AsOf) {
			log.Debug().Str("symbol", c.Symbol).Msg("candidate in cooldown, skipped")
			continue
		}
		out = append(out, c)
	}
	return out
}

// firstAllowed returns the index of the best candidate passing the sector
// concentration cap, or -1. The cap only binds when the volatility proxy is
// elevated.
func (e *Engine) firstAllowed(candidates []rank.Candidate, projected map[string]domain.Sector, volProxy float64) int {
	for i, c := range candidates {
		if e.sectorAllowed(c.Sector, projected, volProxy) {
			return i
		}
	}
	return -1
}

func (e *Engine) sectorAllowed(sector domain.Sector, projected map[string]domain.Sector, volProxy float64) bool {
	if !levelExceeded(volProxy, e.cfg.SectorCapLevel) || e.cfg.SectorCap <= 0 {
		return true
	}
	n := 0
	for _, s := range projected {
		if s == sector {
			n++
		}
	}
	return n < e.cfg.SectorCap
}

func (e *Engine) sizeScaler(volProxy float64) float64 {
	if volProxy <= 0 {
		return 1.0
	}
	steps := append([]SizeStep(nil), e.cfg.SizeSteps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Above > steps[j].Above })
	for _, s := range steps {
		if volProxy > s.Above {
			return s.Fraction
		}
	}
	return 1.0
}

func (e *Engine) markSkips(plan *Plan, remaining []rank.Candidate) {
	for _, c := range remaining {
		plan.Decisions = append(plan.Decisions, domain.Decision{
			Action: domain.ActionSkip,
			Symbol: c.Symbol,
			Score:  c.Score,
		})
	}
}

func heldVolatility(in Input, sym string) float64 {
	if snap, ok := in.Snapshots[sym]; ok && snap.Volatility != nil {
		return *snap.Volatility
	}
	return 0
}

func projectedSectors(state *domain.State, surviving map[string]bool) map[string]domain.Sector {
	out := make(map[string]domain.Sector, len(surviving))
	for sym := range surviving {
		out[sym] = state.Positions[sym].Sector
	}
	return out
}

func countProjectedHoldings(projected map[string]domain.Sector) int { return len(projected) }

func sortedKeys(m map[string]*domain.Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// levelExceeded compares the volatility proxy against a configured level.
// A non-positive level disables the rule; a missing proxy never trips one.
func levelExceeded(volProxy, level float64) bool {
	return volProxy > 0 && level > 0 && volProxy > level
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
