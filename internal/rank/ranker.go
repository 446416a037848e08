package rank

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	"github.com/quantrun/rotor/internal/regime"
)

// Candidate is a buyable instrument that cleared every entry filter, with its
// risk-adjusted momentum score. Recomputed every run, never persisted.
type Candidate struct {
	Symbol     string        `json:"symbol"`
	Sector     domain.Sector `json:"sector"`
	Score      float64       `json:"score"`
	Momentum   float64       `json:"momentum"`
	Volatility float64       `json:"volatility"`
}

// Ranker filters the universe down to entry candidates and orders them by
// score, best first.
type Ranker struct {
	params   map[domain.Sector]domain.SectorParams
	tier1Mul float64
}

// New creates a ranker over the sector parameter table. tier1Mul up-weights
// high-conviction instruments; pass 1.0 to disable.
func New(params map[domain.Sector]domain.SectorParams, tier1Mul float64) *Ranker {
	if tier1Mul <= 0 {
		tier1Mul = 1.0
	}
	return &Ranker{params: params, tier1Mul: tier1Mul}
}

// Params resolves the sector parameter set, falling back to the default row.
func (r *Ranker) Params(sector domain.Sector) domain.SectorParams {
	if p, ok := r.params[sector]; ok {
		return p
	}
	return r.params[domain.SectorDefault]
}

// Score computes the risk-adjusted momentum score for one instrument from its
// latest snapshot. It returns false when the snapshot is incomplete, the
// trend stack is broken, or the momentum hurdle is missed; a false result
// means the instrument has no score this run, not a score of zero.
func (r *Ranker) Score(inst domain.Instrument, snap indicator.Snapshot) (float64, bool) {
	if !snap.Complete() {
		return 0, false
	}
	p := r.Params(inst.Sector)

	// Strict uptrend stack: close > fast MA > slow MA, close above trend MA.
	if !(snap.Close > *snap.MAFast && *snap.MAFast > *snap.MASlow && snap.Close > *snap.MATrend) {
		return 0, false
	}
	if *snap.Momentum <= p.MomentumHurdle {
		return 0, false
	}

	mult := p.ScoreMultiplier
	if mult == 0 {
		mult = 1.0
	}
	if inst.Tier1 {
		mult *= r.tier1Mul
	}
	score := *snap.Momentum * (1.0 + *snap.Volatility) * mult
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}
	return score, true
}

// Rank produces the descending candidate list for this run. Held symbols are
// excluded, as is any instrument whose regime bucket (or configured secondary
// bucket) is bear. Ties keep universe order; the sort is stable.
func (r *Ranker) Rank(universe []domain.Instrument, snaps map[string]indicator.Snapshot, statuses map[string]regime.Status, held func(string) bool) []Candidate {
	candidates := make([]Candidate, 0, len(universe))
	for _, inst := range universe {
		if held != nil && held(inst.Symbol) {
			continue
		}
		snap, ok := snaps[inst.Symbol]
		if !ok {
			continue
		}
		if !regime.Eligible(statuses, r.Params(inst.Sector)) {
			continue
		}
		score, ok := r.Score(inst, snap)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			Symbol:     inst.Symbol,
			Sector:     inst.Sector,
			Score:      score,
			Momentum:   *snap.Momentum,
			Volatility: *snap.Volatility,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	log.Debug().Int("universe", len(universe)).Int("candidates", len(candidates)).
		Msg("candidate ranking complete")
	return candidates
}
