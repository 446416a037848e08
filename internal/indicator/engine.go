package indicator

import (
	"math"
	"time"

	"github.com/quantrun/rotor/internal/domain"
)

// Params defines the moving-window lengths used by the engine.
type Params struct {
	FastWindow     int `yaml:"fast_window"`     // default 20
	SlowWindow     int `yaml:"slow_window"`     // default 50
	TrendWindow    int `yaml:"trend_window"`    // default 60
	MomentumWindow int `yaml:"momentum_window"` // default 20
	RSIPeriod      int `yaml:"rsi_period"`      // default 14
	VolWindow      int `yaml:"vol_window"`      // default 20
}

// DefaultParams returns the standard window set.
func DefaultParams() Params {
	return Params{
		FastWindow:     20,
		SlowWindow:     50,
		TrendWindow:    60,
		MomentumWindow: 20,
		RSIPeriod:      14,
		VolWindow:      20,
	}
}

// Snapshot is the derived per-day view of one symbol. Fields are nil until
// their window has warmed up; a nil field means "not computable", never zero.
// Open, High and Low are the day's raw bar, zero when the provider served a
// close-only series.
type Snapshot struct {
	Date       time.Time `json:"date"`
	Open       float64   `json:"open,omitempty"`
	High       float64   `json:"high,omitempty"`
	Low        float64   `json:"low,omitempty"`
	Close      float64   `json:"close"`
	MAFast     *float64  `json:"ma_fast,omitempty"`
	MASlow     *float64  `json:"ma_slow,omitempty"`
	MATrend    *float64  `json:"ma_trend,omitempty"`
	Momentum   *float64  `json:"momentum_20d,omitempty"`
	RSI        *float64  `json:"rsi_14,omitempty"`
	Volatility *float64  `json:"volatility_20d,omitempty"`
}

// Complete reports whether every entry-filter input is available.
func (s Snapshot) Complete() bool {
	return s.MAFast != nil && s.MASlow != nil && s.MATrend != nil &&
		s.Momentum != nil && s.Volatility != nil
}

// Engine turns a raw price series into indicator snapshots. It is a pure
// function of its input: identical series yield identical output.
type Engine struct {
	params Params
}

// New creates an indicator engine with the given window parameters.
func New(params Params) *Engine {
	return &Engine{params: params}
}

// Compute derives one snapshot per valid observation, oldest first. Invalid
// points are dropped before any window math so a bad print cannot poison the
// moving averages.
func (e *Engine) Compute(series domain.Series) []Snapshot {
	clean := series.Clean()
	if len(clean) == 0 {
		return nil
	}
	closes := clean.Closes()

	maFast := SMA(closes, e.params.FastWindow)
	maSlow := SMA(closes, e.params.SlowWindow)
	maTrend := SMA(closes, e.params.TrendWindow)
	mom := Momentum(closes, e.params.MomentumWindow)
	rsi := RSI(closes, e.params.RSIPeriod)
	vol := RealizedVol(closes, e.params.VolWindow)

	out := make([]Snapshot, len(clean))
	for i, p := range clean {
		out[i] = Snapshot{
			Date:       p.Date,
			Open:       p.Open,
			High:       p.High,
			Low:        p.Low,
			Close:      p.Close,
			MAFast:     maFast[i],
			MASlow:     maSlow[i],
			MATrend:    maTrend[i],
			Momentum:   mom[i],
			RSI:        rsi[i],
			Volatility: vol[i],
		}
	}
	return out
}

// Latest computes the most recent snapshot, if the series has any valid data.
func (e *Engine) Latest(series domain.Series) (Snapshot, bool) {
	snaps := e.Compute(series)
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	return snaps[len(snaps)-1], true
}

// SMA returns the simple moving average per index, nil during warm-up.
func SMA(closes []float64, window int) []*float64 {
	out := make([]*float64, len(closes))
	if window <= 0 || len(closes) < window {
		return out
	}
	sum := 0.0
	for i, c := range closes {
		sum += c
		if i >= window {
			sum -= closes[i-window]
		}
		if i >= window-1 {
			v := sum / float64(window)
			out[i] = &v
		}
	}
	return out
}

// LastSMA is the most recent simple moving average, false during warm-up.
func LastSMA(closes []float64, window int) (float64, bool) {
	vals := SMA(closes, window)
	if len(vals) == 0 || vals[len(vals)-1] == nil {
		return 0, false
	}
	return *vals[len(vals)-1], true
}

// Momentum returns the n-day percentage change per index.
func Momentum(closes []float64, window int) []*float64 {
	out := make([]*float64, len(closes))
	for i := window; i < len(closes); i++ {
		base := closes[i-window]
		if base <= 0 {
			continue
		}
		v := (closes[i] - base) / base
		out[i] = &v
	}
	return out
}

// RSI computes the Wilder relative strength index. The first value appears
// after period+1 observations; a zero average loss maps to 100, not a
// division by zero.
func RSI(closes []float64, period int) []*float64 {
	out := make([]*float64, len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) *float64 {
	if avgLoss == 0 {
		v := 100.0
		return &v
	}
	rs := avgGain / avgLoss
	v := 100.0 - 100.0/(1.0+rs)
	return &v
}

// RealizedVol is the annualized standard deviation of daily returns over the
// trailing window.
func RealizedVol(closes []float64, window int) []*float64 {
	out := make([]*float64, len(closes))
	if window <= 1 || len(closes) < window+1 {
		return out
	}

	returns := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			returns[i] = 0
			continue
		}
		returns[i] = closes[i]/closes[i-1] - 1
	}

	for i := window; i < len(closes); i++ {
		mean := 0.0
		for j := i - window + 1; j <= i; j++ {
			mean += returns[j]
		}
		mean /= float64(window)
		variance := 0.0
		for j := i - window + 1; j <= i; j++ {
			d := returns[j] - mean
			variance += d * d
		}
		variance /= float64(window)
		v := math.Sqrt(variance) * math.Sqrt(252)
		out[i] = &v
	}
	return out
}
