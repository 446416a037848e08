package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	"github.com/quantrun/rotor/internal/rank"
	"github.com/quantrun/rotor/internal/regime"
)

var asOf = time.Date(2025, 8, 15, 21, 30, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func completeSnap(close float64) indicator.Snapshot {
	return indicator.Snapshot{
		Close:      close,
		MAFast:     f(close * 0.97),
		MASlow:     f(close * 0.94),
		MATrend:    f(close * 0.92),
		Momentum:   f(0.05),
		RSI:        f(60),
		Volatility: f(0.20),
	}
}

func barSnap(open, high, low, close float64) indicator.Snapshot {
	s := completeSnap(close)
	s.Open, s.High, s.Low = open, high, low
	return s
}

func testParams() map[domain.Sector]domain.SectorParams {
	return map[domain.Sector]domain.SectorParams{
		domain.SectorDefault: {
			StopPct:      0.30,
			ZombieDays:   10,
			CooldownDays: 7,
			Bucket:       "us",
			Trail: []domain.TrailTier{
				{MinProfit: 0.10, Retracement: 0.15},
				{MinProfit: 0.20, Retracement: 0.10},
				{MinProfit: 0.50, Retracement: 0.08},
			},
		},
		"exiting": {
			StopPct:       0.30,
			ZombieDays:    10,
			Bucket:        "us",
			TechnicalExit: true,
			Trail:         []domain.TrailTier{{MinProfit: 0.10, Retracement: 0.15}},
		},
	}
}

func newEngine() *Engine {
	return New(DefaultConfig(), rank.New(testParams(), 1.0))
}

func bullRegimes() map[string]regime.Status {
	return map[string]regime.Status{"us": {Bucket: "us", Bull: true}}
}

func holding(symbol string, entry float64, ageDays int) *domain.Position {
	return domain.NewPosition(symbol, domain.SectorDefault, entry, asOf.AddDate(0, 0, -ageDays), 1)
}

func stateWith(cash float64, positions ...*domain.Position) *domain.State {
	st := domain.NewState(cash)
	for _, p := range positions {
		st.Positions[p.Symbol] = p
	}
	return st
}

func input(st *domain.State, snaps map[string]indicator.Snapshot) Input {
	return Input{
		AsOf:       asOf,
		State:      st,
		Snapshots:  snaps,
		Regimes:    bullRegimes(),
		HeldScores: map[string]float64{},
	}
}

func decisionFor(plan Plan, symbol string) (domain.Decision, bool) {
	for _, d := range plan.Decisions {
		if d.Symbol == symbol {
			return d, true
		}
	}
	return domain.Decision{}, false
}

func TestHardStop(t *testing.T) {
	eng := newEngine()

	t.Run("close at 69 with 30pct stop from 100 sells", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(69)}))

		d, ok := decisionFor(plan, "AAA")
		require.True(t, ok)
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonHardStop, d.Reason)
	})

	t.Run("close at 71 holds", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(71)}))

		d, ok := decisionFor(plan, "AAA")
		require.True(t, ok)
		assert.Equal(t, domain.ActionHold, d.Action)
	})

	t.Run("close exactly at the stop sells", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(70)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
	})
}

func TestStaleness(t *testing.T) {
	eng := newEngine()

	t.Run("old position at or below entry sells", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 11))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(99)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonStale, d.Reason)
	})

	t.Run("old but profitable position holds", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 11))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(105)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionHold, d.Action)
	})

	t.Run("young position at a loss holds", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 9))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(99)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionHold, d.Action)
	})
}

func TestRegimeExit(t *testing.T) {
	eng := newEngine()
	st := stateWith(0, holding("AAA", 100, 5))
	in := input(st, map[string]indicator.Snapshot{"AAA": completeSnap(105)})
	in.Regimes = map[string]regime.Status{"us": {Bucket: "us", Bull: false}}

	plan := eng.Evaluate(in)
	d, _ := decisionFor(plan, "AAA")
	assert.Equal(t, domain.ActionSell, d.Action)
	assert.Equal(t, domain.ReasonRegimeExit, d.Reason)
}

func TestTrailingStop(t *testing.T) {
	eng := newEngine()

	t.Run("shallow pullback inside the band holds", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(110)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(95)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionHold, d.Action, "95 is above 110*0.85")
	})

	t.Run("retracement past the band sells", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(110)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(93)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonTrailStop, d.Reason)
	})

	t.Run("profit tightens the band", func(t *testing.T) {
		// At +60 percent the tier allows only 8 percent retracement.
		pos := holding("AAA", 100, 5)
		pos.Observe(160)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(146)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action, "146 is below 160*0.92")
		assert.Equal(t, domain.ReasonTrailStop, d.Reason)
	})

	t.Run("stress halves the allowed retracement", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(110)
		st := stateWith(0, pos)
		in := input(st, map[string]indicator.Snapshot{"AAA": completeSnap(99)})
		in.VolProxy = 32 // above stress level, band tightens to 7.5 percent

		plan := eng.Evaluate(in)
		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonTrailStop, d.Reason)
	})

	t.Run("today's new high resets the reference", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(120)}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionHold, d.Action, "a fresh high can never trip the trail")
	})
}

func TestIntradaySettlement(t *testing.T) {
	eng := newEngine()

	t.Run("gap below the hard stop fills at the open", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(65, 80, 60, 75),
		}))

		d, ok := decisionFor(plan, "AAA")
		require.True(t, ok)
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonGapStop, d.Reason)
		assert.True(t, d.Intraday)
		assert.InDelta(t, 65, d.Price, 1e-9, "gap fills at the open, not the line")
		assert.InDelta(t, 65*(1-0.002), plan.Equity, 1e-9, "equity books the fill net of slippage")
	})

	t.Run("gap below the trail line but above the stop is a gap trail", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(120) // trail line 120*0.90 = 108, hard stop 70
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(105, 107, 104, 106),
		}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonGapTrail, d.Reason)
		assert.True(t, d.Intraday)
		assert.InDelta(t, 105, d.Price, 1e-9)
	})

	t.Run("session pierce of the trail line fills at the line", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(120)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(115, 116, 107, 112),
		}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonTrailStop, d.Reason)
		assert.True(t, d.Intraday)
		assert.InDelta(t, 108, d.Price, 1e-9, "a pierced line fills at the line")
	})

	t.Run("session pierce of the hard stop fills at the stop", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(95, 96, 69, 80),
		}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonHardStop, d.Reason)
		assert.True(t, d.Intraday)
		assert.InDelta(t, 70, d.Price, 1e-9)
	})

	t.Run("stress halves the intraday retracement", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(120) // under stress the line tightens to 120*0.95 = 114
		st := stateWith(0, pos)
		in := input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(116, 117, 113, 115),
		})
		in.VolProxy = 32

		plan := eng.Evaluate(in)
		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonTrailStop, d.Reason)
		assert.True(t, d.Intraday)
		assert.InDelta(t, 114, d.Price, 1e-9)
	})

	t.Run("clean bar holds and carries the day's high", func(t *testing.T) {
		st := stateWith(0, holding("AAA", 100, 5))
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": barSnap(101, 104, 100, 102),
		}))

		d, ok := decisionFor(plan, "AAA")
		require.True(t, ok)
		assert.Equal(t, domain.ActionHold, d.Action)
		assert.InDelta(t, 104, d.High, 1e-9)
	})

	t.Run("close-only data settles nothing intraday", func(t *testing.T) {
		pos := holding("AAA", 100, 5)
		pos.Observe(120)
		st := stateWith(0, pos)
		plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{
			"AAA": completeSnap(110),
		}))

		d, _ := decisionFor(plan, "AAA")
		assert.Equal(t, domain.ActionHold, d.Action)
		assert.False(t, d.Intraday)
	})
}

func TestTechnicalExit(t *testing.T) {
	eng := newEngine()
	pos := domain.NewPosition("AAA", "exiting", 100, asOf.AddDate(0, 0, -5), 1)
	st := stateWith(0, pos)

	snap := completeSnap(101)
	snap.MASlow = f(103) // close below slow MA

	plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": snap}))
	d, _ := decisionFor(plan, "AAA")
	assert.Equal(t, domain.ActionSell, d.Action)
	assert.Equal(t, domain.ReasonTrendBreak, d.Reason)
}

func TestMissingDataCarriesForward(t *testing.T) {
	eng := newEngine()
	st := stateWith(0, holding("AAA", 100, 20))

	plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{}))

	_, ok := decisionFor(plan, "AAA")
	assert.False(t, ok, "no decision at all without current data")
	assert.Contains(t, st.Positions, "AAA")
}

func TestPanicLiquidation(t *testing.T) {
	eng := newEngine()
	st := stateWith(1000, holding("AAA", 100, 5), holding("BBB", 50, 5))
	in := input(st, map[string]indicator.Snapshot{
		"AAA": completeSnap(105),
		"BBB": completeSnap(55),
		"CCC": completeSnap(10),
	})
	in.VolProxy = 46
	in.Candidates = []rank.Candidate{{Symbol: "CCC", Sector: domain.SectorDefault, Score: 1.0}}

	plan := eng.Evaluate(in)

	for _, sym := range []string{"AAA", "BBB"} {
		d, ok := decisionFor(plan, sym)
		require.True(t, ok)
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.ReasonPanic, d.Reason)
	}
	assert.Empty(t, plan.Buys(), "no buys during panic")
}

func TestBuyFreeze(t *testing.T) {
	eng := newEngine()
	st := stateWith(10000)
	in := input(st, map[string]indicator.Snapshot{"CCC": completeSnap(10)})
	in.VolProxy = 41
	in.Candidates = []rank.Candidate{{Symbol: "CCC", Sector: domain.SectorDefault, Score: 1.0}}

	plan := eng.Evaluate(in)

	assert.Empty(t, plan.Buys())
	d, ok := decisionFor(plan, "CCC")
	require.True(t, ok)
	assert.Equal(t, domain.ActionSkip, d.Action)
}

func TestSlotFill(t *testing.T) {
	eng := newEngine()
	st := stateWith(9000)

	snaps := map[string]indicator.Snapshot{}
	var candidates []rank.Candidate
	for i, sym := range []string{"C1", "C2", "C3", "C4", "C5"} {
		snaps[sym] = completeSnap(10)
		candidates = append(candidates, rank.Candidate{
			Symbol: sym, Sector: domain.SectorDefault, Score: 5.0 - float64(i),
		})
	}
	in := input(st, snaps)
	in.Candidates = candidates

	plan := eng.Evaluate(in)

	buys := plan.Buys()
	require.Len(t, buys, 3)
	assert.Equal(t, "C1", buys[0].Symbol)
	assert.Equal(t, "C2", buys[1].Symbol)
	assert.Equal(t, "C3", buys[2].Symbol)
	assert.InDelta(t, 3000, buys[0].AmountUSD, 1e-9, "equity split across max positions")

	for _, sym := range []string{"C4", "C5"} {
		d, ok := decisionFor(plan, sym)
		require.True(t, ok)
		assert.Equal(t, domain.ActionSkip, d.Action)
	}
}

func TestCooldownBlocksBuy(t *testing.T) {
	eng := newEngine()
	st := stateWith(9000)
	st.Cooldowns["CCC"] = asOf.Add(48 * time.Hour)

	in := input(st, map[string]indicator.Snapshot{"CCC": completeSnap(10)})
	in.Candidates = []rank.Candidate{{Symbol: "CCC", Sector: domain.SectorDefault, Score: 1.0}}

	plan := eng.Evaluate(in)
	assert.Empty(t, plan.Buys())
}

func TestSwap(t *testing.T) {
	baseInput := func(heldScore float64) Input {
		pos := holding("WEAK", 100, 10)
		st := stateWith(0, pos, holding("H2", 100, 10), holding("H3", 100, 10))
		in := input(st, map[string]indicator.Snapshot{
			"WEAK": completeSnap(100),
			"H2":   completeSnap(100),
			"H3":   completeSnap(100),
			"CAND": completeSnap(10),
		})
		in.HeldScores = map[string]float64{"WEAK": heldScore, "H2": 10, "H3": 10}
		return in
	}

	t.Run("challenger below threshold does not swap", func(t *testing.T) {
		eng := newEngine()
		in := baseInput(1.0)
		// Threshold is clamp(1.4 + 0.20*0.1, 1.4, 2.0) = 1.42.
		in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 1.41}}

		plan := eng.Evaluate(in)
		assert.Empty(t, plan.Buys())
		d, _ := decisionFor(plan, "WEAK")
		assert.Equal(t, domain.ActionHold, d.Action)
	})

	t.Run("challenger above threshold swaps the weakest", func(t *testing.T) {
		eng := newEngine()
		in := baseInput(1.0)
		in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 1.50}}

		plan := eng.Evaluate(in)

		sell, ok := decisionFor(plan, "WEAK")
		require.True(t, ok)
		require.Len(t, plan.Sells(), 1)
		assert.Equal(t, domain.ReasonSwap, sell.Reason)
		assert.Equal(t, "CAND", sell.Counterpart)

		buys := plan.Buys()
		require.Len(t, buys, 1)
		assert.Equal(t, "CAND", buys[0].Symbol)
		assert.Equal(t, "WEAK", buys[0].Counterpart)
	})

	t.Run("flat margin blocks tiny-score ratios", func(t *testing.T) {
		eng := newEngine()
		in := baseInput(0.01)
		// Ratio passes easily but the absolute improvement is under 0.05.
		in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 0.05}}

		plan := eng.Evaluate(in)
		assert.Empty(t, plan.Buys())
	})

	t.Run("minimum hold shields a young position", func(t *testing.T) {
		eng := newEngine()
		pos := holding("WEAK", 100, 1)
		st := stateWith(0, pos, holding("H2", 100, 10), holding("H3", 100, 10))
		in := input(st, map[string]indicator.Snapshot{
			"WEAK": completeSnap(100),
			"H2":   completeSnap(100),
			"H3":   completeSnap(100),
			"CAND": completeSnap(10),
		})
		in.HeldScores = map[string]float64{"WEAK": 1.0, "H2": 10, "H3": 10}
		in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 12}}

		plan := eng.Evaluate(in)

		// A score of 12 would clear WEAK's threshold of 1.42, but WEAK is
		// too young. H2 becomes the weakest and its threshold is 14.2, so
		// nothing swaps.
		assert.Empty(t, plan.Buys())
		d, _ := decisionFor(plan, "WEAK")
		assert.Equal(t, domain.ActionHold, d.Action)
	})

	t.Run("equal-score holdings yield the same victim every run", func(t *testing.T) {
		eng := newEngine()
		for i := 0; i < 10; i++ {
			st := stateWith(0, holding("BBB", 100, 10), holding("AAA", 100, 10))
			in := input(st, map[string]indicator.Snapshot{
				"AAA":  completeSnap(100),
				"BBB":  completeSnap(100),
				"CAND": completeSnap(10),
			})
			in.HeldScores = map[string]float64{"AAA": 1.0, "BBB": 1.0}
			in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 1.50}}

			plan := eng.Evaluate(in)
			sells := plan.Sells()
			require.Len(t, sells, 1)
			assert.Equal(t, "AAA", sells[0].Symbol, "tie breaks on symbol order")
		}
	})

	t.Run("unscored holdings are not swap material", func(t *testing.T) {
		eng := newEngine()
		in := baseInput(1.0)
		delete(in.HeldScores, "WEAK")
		in.HeldScores["H2"] = 10
		in.HeldScores["H3"] = 10
		in.Candidates = []rank.Candidate{{Symbol: "CAND", Sector: domain.SectorDefault, Score: 13}}

		plan := eng.Evaluate(in)
		assert.Empty(t, plan.Buys(), "threshold for H2/H3 is 14.2, WEAK is unscored")
	})
}

func TestSectorCap(t *testing.T) {
	eng := newEngine()
	st := stateWith(9000)

	snaps := map[string]indicator.Snapshot{}
	var candidates []rank.Candidate
	for i, sym := range []string{"C1", "C2", "C3"} {
		snaps[sym] = completeSnap(10)
		candidates = append(candidates, rank.Candidate{
			Symbol: sym, Sector: domain.SectorDefault, Score: 5.0 - float64(i),
		})
	}
	snaps["OTHER"] = completeSnap(10)
	candidates = append(candidates, rank.Candidate{Symbol: "OTHER", Sector: "exiting", Score: 0.5})

	in := input(st, snaps)
	in.Candidates = candidates
	in.VolProxy = 26 // above the cap level; at most two per sector

	plan := eng.Evaluate(in)

	buys := plan.Buys()
	require.Len(t, buys, 3)
	assert.Equal(t, "C1", buys[0].Symbol)
	assert.Equal(t, "C2", buys[1].Symbol)
	assert.Equal(t, "OTHER", buys[2].Symbol, "third same-sector candidate is capped out")
}

func TestSizeScaler(t *testing.T) {
	eng := newEngine()
	st := stateWith(9000)
	in := input(st, map[string]indicator.Snapshot{"C1": completeSnap(10)})
	in.Candidates = []rank.Candidate{{Symbol: "C1", Sector: domain.SectorDefault, Score: 1}}
	in.VolProxy = 22 // first step: 80 percent sizing

	plan := eng.Evaluate(in)

	assert.InDelta(t, 0.8, plan.Scaler, 1e-9)
	buys := plan.Buys()
	require.Len(t, buys, 1)
	assert.InDelta(t, 9000.0/3*0.8, buys[0].AmountUSD, 1e-9)
}

func TestEquityValuation(t *testing.T) {
	eng := newEngine()
	pos := holding("AAA", 100, 5)
	pos.Units = 10
	st := stateWith(500, pos)

	plan := eng.Evaluate(input(st, map[string]indicator.Snapshot{"AAA": completeSnap(120)}))
	assert.InDelta(t, 500+1200, plan.Equity, 1e-9)
}
