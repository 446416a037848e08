package regime

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
)

// BucketConfig describes how one macro bucket is classified: which proxy
// index to read and which trend window separates bull from bear. These are
// configuration constants, not derived values.
type BucketConfig struct {
	Proxy         string `yaml:"proxy"`          // proxy index symbol
	TrendWindow   int    `yaml:"trend_window"`   // e.g. 200 equities, 100 crypto, 60 regional
	ConfirmWindow int    `yaml:"confirm_window"` // 0 disables the fast-MA confirmation
	FailOpen      bool   `yaml:"fail_open"`      // insufficient history counts as bull
}

// Status is the classification of one bucket on one day.
type Status struct {
	Bucket    string    `json:"bucket"`
	Proxy     string    `json:"proxy"`
	Bull      bool      `json:"bull"`
	Defaulted bool      `json:"defaulted"` // true when history was insufficient
	Close     float64   `json:"close"`
	TrendMA   float64   `json:"trend_ma"`
	AsOf      time.Time `json:"as_of"`
}

// Classifier maps macro buckets to bull/bear flags from their proxy indexes.
type Classifier struct {
	buckets map[string]BucketConfig
}

// New creates a classifier for the configured buckets.
func New(buckets map[string]BucketConfig) *Classifier {
	return &Classifier{buckets: buckets}
}

// Classify evaluates every configured bucket against the fetched proxy
// series. A bucket whose proxy is missing or too short resolves to its
// fail-open default and is marked Defaulted.
func (c *Classifier) Classify(prices map[string]domain.Series, asOf time.Time) map[string]Status {
	out := make(map[string]Status, len(c.buckets))
	for name, cfg := range c.buckets {
		out[name] = c.classifyBucket(name, cfg, prices[cfg.Proxy], asOf)
	}
	return out
}

func (c *Classifier) classifyBucket(name string, cfg BucketConfig, series domain.Series, asOf time.Time) Status {
	st := Status{Bucket: name, Proxy: cfg.Proxy, AsOf: asOf}

	clean := series.Clean()
	last, ok := clean.Last()
	if !ok {
		st.Bull = cfg.FailOpen
		st.Defaulted = true
		log.Warn().Str("bucket", name).Str("proxy", cfg.Proxy).Bool("bull", st.Bull).
			Msg("no proxy data, using regime default")
		return st
	}

	closes := clean.Closes()
	trendMA, ok := indicator.LastSMA(closes, cfg.TrendWindow)
	if !ok {
		st.Bull = cfg.FailOpen
		st.Defaulted = true
		st.Close = last.Close
		log.Warn().Str("bucket", name).Str("proxy", cfg.Proxy).Bool("bull", st.Bull).
			Int("bars", len(closes)).Msg("insufficient proxy history, using regime default")
		return st
	}

	st.Close = last.Close
	st.TrendMA = trendMA
	st.Bull = last.Close > trendMA

	// Optional fast-MA confirmation: the shorter average must also sit above
	// the trend line for the bucket to count as bull.
	if st.Bull && cfg.ConfirmWindow > 0 {
		if confirmMA, ok := indicator.LastSMA(closes, cfg.ConfirmWindow); ok {
			st.Bull = confirmMA > trendMA
		}
	}
	return st
}

// Bull resolves a bucket name against classified statuses. Unknown buckets
// resolve to bull so a configuration gap cannot silently freeze all trading.
func Bull(statuses map[string]Status, bucket string) bool {
	if bucket == "" {
		return true
	}
	st, ok := statuses[bucket]
	if !ok {
		return true
	}
	return st.Bull
}

// Eligible applies both the primary and (when configured) secondary bucket
// gates for a sector.
func Eligible(statuses map[string]Status, params domain.SectorParams) bool {
	if !Bull(statuses, params.Bucket) {
		return false
	}
	if params.SecondaryBucket != "" && !Bull(statuses, params.SecondaryBucket) {
		return false
	}
	return true
}
