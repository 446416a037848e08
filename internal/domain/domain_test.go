package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPricePointValid(t *testing.T) {
	good := PricePoint{High: 102, Low: 99, Close: 101, Open: 100}
	assert.True(t, good.Valid())

	cases := map[string]PricePoint{
		"nan close":         {High: 102, Low: 99, Close: math.NaN()},
		"inf high":          {High: math.Inf(1), Low: 99, Close: 101},
		"zero high":         {High: 0, Low: 0, Close: 0},
		"negative low":      {High: 102, Low: -1, Close: 101},
		"high below low":    {High: 99, Low: 102, Close: 100},
		"close above high":  {High: 102, Low: 99, Close: 105},
		"close below low":   {High: 102, Low: 99, Close: 95},
	}
	for name, p := range cases {
		assert.False(t, p.Valid(), name)
	}
}

func TestSeriesClean(t *testing.T) {
	s := Series{
		{High: 102, Low: 99, Close: 101},
		{High: -1, Low: 99, Close: 101},
		{High: 105, Low: 100, Close: 104},
	}
	clean := s.Clean()
	require.Len(t, clean, 2)
	assert.InDelta(t, 101, clean[0].Close, 1e-9)
	assert.InDelta(t, 104, clean[1].Close, 1e-9)
}

func TestTrailRetracement(t *testing.T) {
	p := SectorParams{
		StopPct: 0.30,
		Trail: []TrailTier{
			{MinProfit: 0.10, Retracement: 0.15},
			{MinProfit: 0.20, Retracement: 0.10},
			{MinProfit: 0.50, Retracement: 0.08},
		},
	}

	assert.InDelta(t, 0.30, p.TrailRetracement(0.05), 1e-9, "below every tier the hard stop governs")
	assert.InDelta(t, 0.15, p.TrailRetracement(0.10), 1e-9, "tier floor is inclusive")
	assert.InDelta(t, 0.10, p.TrailRetracement(0.35), 1e-9)
	assert.InDelta(t, 0.08, p.TrailRetracement(1.50), 1e-9, "highest matching floor wins")
}

func TestPosition(t *testing.T) {
	entry := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	pos := NewPosition("NVDA", SectorUSGrowth, 100, entry, 5)

	t.Run("running high seeds at entry and only ratchets up", func(t *testing.T) {
		assert.InDelta(t, 100, pos.RunningHigh, 1e-9)
		pos.Observe(130)
		assert.InDelta(t, 130, pos.RunningHigh, 1e-9)
		pos.Observe(110)
		assert.InDelta(t, 130, pos.RunningHigh, 1e-9)
	})

	t.Run("age in whole days", func(t *testing.T) {
		assert.Equal(t, 0, pos.AgeDays(entry.Add(12*time.Hour)))
		assert.Equal(t, 10, pos.AgeDays(entry.AddDate(0, 0, 10)))
	})

	t.Run("profit ratio", func(t *testing.T) {
		assert.InDelta(t, 0.30, pos.ProfitRatio(130), 1e-9)
		assert.InDelta(t, -0.20, pos.ProfitRatio(80), 1e-9)

		broken := NewPosition("X", SectorDefault, 0, entry, 1)
		assert.Zero(t, broken.ProfitRatio(50), "zero entry price cannot divide")
	})
}

func TestStateCooldown(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	st := NewState(0)
	st.Cooldowns["TQQQ"] = asOf.AddDate(0, 0, 5)

	assert.True(t, st.InCooldown("TQQQ", asOf))
	assert.True(t, st.InCooldown("TQQQ", asOf.AddDate(0, 0, 5)), "boundary day still frozen")
	assert.False(t, st.InCooldown("TQQQ", asOf.AddDate(0, 0, 6)))
	assert.False(t, st.InCooldown("NVDA", asOf))
}

func TestStateEquity(t *testing.T) {
	entry := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	st := NewState(1000)
	st.Positions["A"] = NewPosition("A", SectorDefault, 100, entry, 2)
	st.Positions["B"] = NewPosition("B", SectorDefault, 50, entry, 4)

	t.Run("values at current closes", func(t *testing.T) {
		eq := st.Equity(map[string]float64{"A": 110, "B": 60})
		assert.InDelta(t, 1000+220+240, eq, 1e-9)
	})

	t.Run("data gaps fall back to entry price", func(t *testing.T) {
		eq := st.Equity(map[string]float64{"A": 110})
		assert.InDelta(t, 1000+220+200, eq, 1e-9)
	})

	t.Run("zero close is a gap, not a wipeout", func(t *testing.T) {
		eq := st.Equity(map[string]float64{"A": 0, "B": 60})
		assert.InDelta(t, 1000+200+240, eq, 1e-9)
	})
}
