package data

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps provider calls in a circuit breaker so a dying data source
// fails fast instead of dragging the whole run through timeouts.
type Breaker struct{ cb *cb.CircuitBreaker }

// NewBreaker trips after 3 consecutive failures, or a >5% failure rate once
// at least 20 requests have been seen in the window.
func NewBreaker(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }
