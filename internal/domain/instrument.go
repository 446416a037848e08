package domain

// Sector classifies an instrument into a risk bucket. Every sector carries its
// own stop, staleness and trailing parameters; the mapping from symbol to
// sector is fixed reference data loaded at startup, never re-derived from the
// symbol string downstream.
type Sector string

const (
	SectorCryptoSpot Sector = "crypto_spot"
	SectorCryptoLev  Sector = "crypto_lev"
	SectorCryptoMeme Sector = "crypto_meme"
	SectorUSStock    Sector = "us_stock"
	SectorUSGrowth   Sector = "us_growth"
	SectorUSLev      Sector = "us_lev"
	SectorLev3x      Sector = "lev_3x"
	SectorTWStock    Sector = "tw_stock"
	SectorDefault    Sector = "default"
)

// Instrument is a tradable symbol with its sector tag and conviction flag.
// Immutable reference data.
type Instrument struct {
	Symbol string `yaml:"symbol"`
	Sector Sector `yaml:"sector"`
	Tier1  bool   `yaml:"tier1"` // high-conviction up-weight in scoring
}

// TrailTier maps an unrealized-profit floor to the allowed retracement from
// the running high. Tiers are evaluated highest floor first, so the trailing
// stop tightens as profit grows.
type TrailTier struct {
	MinProfit   float64 `yaml:"min_profit"`
	Retracement float64 `yaml:"retracement"`
}

// SectorParams holds the per-sector risk and scoring parameters.
type SectorParams struct {
	StopPct         float64     `yaml:"stop_pct"`         // hard stop below entry
	ZombieDays      int         `yaml:"zombie_days"`      // staleness exit threshold
	CooldownDays    int         `yaml:"cooldown_days"`    // re-entry freeze after a stop exit
	MomentumHurdle  float64     `yaml:"momentum_hurdle"`  // minimum 20d momentum for entry
	ScoreMultiplier float64     `yaml:"score_multiplier"` // cost drag / beta adjustment
	TechnicalExit   bool        `yaml:"technical_exit"`   // sell on close < slow MA
	RegimeExempt    bool        `yaml:"regime_exempt"`    // defensive sectors ignore regime exits
	Bucket          string      `yaml:"bucket"`           // macro regime bucket
	SecondaryBucket string      `yaml:"secondary_bucket"` // optional cross-asset gate
	Trail           []TrailTier `yaml:"trail"`
}

// TrailRetracement returns the allowed retracement for a given unrealized
// profit ratio. Tiers are scanned from the highest profit floor down; the
// hard-stop percentage is the fallback when no tier matches.
func (p SectorParams) TrailRetracement(profitRatio float64) float64 {
	best := p.StopPct
	bestFloor := -1.0
	for _, t := range p.Trail {
		if profitRatio >= t.MinProfit && t.MinProfit > bestFloor {
			best = t.Retracement
			bestFloor = t.MinProfit
		}
	}
	return best
}
