package domain

import (
	"math"
	"time"
)

// PricePoint is one daily OHLCV observation. Points failing Valid are treated
// as absent by the rest of the pipeline, never zero-filled.
type PricePoint struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Valid reports whether the observation is internally consistent:
// positive high, high >= low, and close inside [low, high].
func (p PricePoint) Valid() bool {
	for _, v := range []float64{p.Open, p.High, p.Low, p.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if p.High <= 0 || p.Low <= 0 {
		return false
	}
	if p.High < p.Low {
		return false
	}
	if p.Close < p.Low || p.Close > p.High {
		return false
	}
	return true
}

// Series is a chronological (oldest first) run of daily observations for one
// symbol.
type Series []PricePoint

// Clean returns the series with invalid points removed, preserving order.
func (s Series) Clean() Series {
	out := make(Series, 0, len(s))
	for _, p := range s {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out
}

// Closes extracts the close column.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Close
	}
	return out
}

// Last returns the most recent observation, if any.
func (s Series) Last() (PricePoint, bool) {
	if len(s) == 0 {
		return PricePoint{}, false
	}
	return s[len(s)-1], true
}
