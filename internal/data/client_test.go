package data

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodCSV = `Date,Open,High,Low,Close,Volume
2025-08-11,100,102,99,101,5000
2025-08-12,101,104,100,103,6200
2025-08-13,103,103,101,102,4100
`

func newTestClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:        baseURL,
		RequestsPerSec: 1000,
		Burst:          1000,
		CacheTTL:       time.Minute,
	}, nil, nil)
}

type stubMetrics struct {
	hits, misses, fetchErrors atomic.Int32
}

func (m *stubMetrics) RecordCacheHit(string)  { m.hits.Add(1) }
func (m *stubMetrics) RecordCacheMiss(string) { m.misses.Add(1) }
func (m *stubMetrics) RecordFetchError()      { m.fetchErrors.Add(1) }

func TestHistory(t *testing.T) {
	t.Run("parses daily rows and query params", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "aapl", r.URL.Query().Get("s"))
			assert.Equal(t, "d", r.URL.Query().Get("i"))
			assert.NotEmpty(t, r.URL.Query().Get("d1"))
			assert.NotEmpty(t, r.URL.Query().Get("d2"))
			w.Write([]byte(goodCSV))
		}))
		defer server.Close()

		c := newTestClient(server.URL)
		out, err := c.History(context.Background(), []string{"AAPL"}, 30)
		require.NoError(t, err)

		series := out["AAPL"]
		require.Len(t, series, 3)
		assert.InDelta(t, 101, series[0].Close, 1e-9)
		assert.InDelta(t, 102, series[2].Close, 1e-9)
		assert.Equal(t, 2025, series[0].Date.Year())
	})

	t.Run("symbol map rewrites the provider symbol", func(t *testing.T) {
		var got string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.URL.Query().Get("s")
			w.Write([]byte(goodCSV))
		}))
		defer server.Close()

		c := NewClient(ClientConfig{
			BaseURL:        server.URL,
			RequestsPerSec: 1000,
			Burst:          1000,
			SymbolMap:      map[string]string{"BTC-USD": "btcusd"},
		}, nil, nil)
		_, err := c.History(context.Background(), []string{"BTC-USD"}, 30)
		require.NoError(t, err)
		assert.Equal(t, "btcusd", got)
	})

	t.Run("failing symbol is omitted, batch still succeeds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("s") == "bad" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(goodCSV))
		}))
		defer server.Close()

		c := newTestClient(server.URL)
		out, err := c.History(context.Background(), []string{"GOOD", "BAD"}, 30)
		require.NoError(t, err)
		assert.Contains(t, out, "GOOD")
		assert.NotContains(t, out, "BAD")
	})

	t.Run("zero successes is ErrNoData", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := newTestClient(server.URL)
		_, err := c.History(context.Background(), []string{"AAA", "BBB"}, 30)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("empty body counts as no data", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Date,Open,High,Low,Close,Volume\n"))
		}))
		defer server.Close()

		c := newTestClient(server.URL)
		_, err := c.History(context.Background(), []string{"AAA"}, 30)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("second fetch hits the cache", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(goodCSV))
		}))
		defer server.Close()

		c := newTestClient(server.URL)
		ctx := context.Background()
		_, err := c.History(ctx, []string{"AAPL"}, 30)
		require.NoError(t, err)
		_, err = c.History(ctx, []string{"AAPL"}, 30)
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("records cache and fetch telemetry", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("s") == "bad" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(goodCSV))
		}))
		defer server.Close()

		m := &stubMetrics{}
		c := NewClient(ClientConfig{
			BaseURL:        server.URL,
			RequestsPerSec: 1000,
			Burst:          1000,
			CacheTTL:       time.Minute,
		}, nil, m)
		ctx := context.Background()

		_, err := c.History(ctx, []string{"GOOD", "BAD"}, 30)
		require.NoError(t, err)
		assert.Equal(t, int32(2), m.misses.Load(), "both symbols start cold")
		assert.Equal(t, int32(1), m.fetchErrors.Load(), "the failing symbol is counted")
		assert.Equal(t, int32(0), m.hits.Load())

		_, err = c.History(ctx, []string{"GOOD"}, 30)
		require.NoError(t, err)
		assert.Equal(t, int32(1), m.hits.Load(), "second fetch is served from cache")
	})
}

func TestParseCSV(t *testing.T) {
	t.Run("drops malformed and invalid rows", func(t *testing.T) {
		raw := strings.Join([]string{
			"Date,Open,High,Low,Close,Volume",
			"2025-08-11,100,102,99,101,5000",
			"not-a-date,1,2,1,1,0",
			"2025-08-12,abc,104,100,103,6200", // unparsable open
			"2025-08-13,103,-1,101,102,4100",  // negative high fails validation
			"2025-08-14,103,105,101,104,4100",
		}, "\n")

		series, err := parseCSV(strings.NewReader(raw))
		require.NoError(t, err)
		require.Len(t, series, 2)
		assert.InDelta(t, 101, series[0].Close, 1e-9)
		assert.InDelta(t, 104, series[1].Close, 1e-9)
	})

	t.Run("volume column is optional", func(t *testing.T) {
		series, err := parseCSV(strings.NewReader("2025-08-11,100,102,99,101\n"))
		require.NoError(t, err)
		require.Len(t, series, 1)
		assert.Zero(t, series[0].Volume)
	})
}
