package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/data/cache"
	"github.com/quantrun/rotor/internal/domain"
)

// ErrNoData signals that the provider returned nothing for the whole batch.
// Single-symbol gaps are not errors; they just thin the result map.
var ErrNoData = errors.New("no price data for any symbol")

// Provider returns daily OHLCV history per symbol, oldest first. Symbols the
// provider cannot serve are omitted from the result.
type Provider interface {
	History(ctx context.Context, symbols []string, lookbackDays int) (map[string]domain.Series, error)
}

// Metrics receives fetch and cache telemetry from the client. A nil Metrics
// is a no-op.
type Metrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordFetchError()
}

// ClientConfig configures the HTTP history client.
type ClientConfig struct {
	BaseURL        string            `yaml:"base_url"`
	RequestsPerSec float64           `yaml:"requests_per_sec"`
	Burst          int               `yaml:"burst"`
	CacheTTL       time.Duration     `yaml:"cache_ttl"`
	SymbolMap      map[string]string `yaml:"symbol_map"` // canonical -> provider symbol
}

// Client fetches daily candles from a Stooq-compatible CSV endpoint, guarded
// by a per-host rate limiter and a circuit breaker, with a cache in front.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	cache   cache.Cache
	limiter *Limiter
	breaker *Breaker
	metrics Metrics
	now     func() time.Time
}

// NewClient builds a history client. c may be nil, in which case an
// in-memory cache is used; metrics may be nil.
func NewClient(cfg ClientConfig, c cache.Cache, metrics Metrics) *Client {
	if c == nil {
		c = cache.NewMemory()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   c,
		limiter: NewLimiter(cfg.RequestsPerSec, cfg.Burst),
		breaker: NewBreaker("history"),
		metrics: metrics,
		now:     time.Now,
	}
}

// History fetches each symbol independently. A failing symbol is logged and
// omitted; only a batch with zero successes is an error, since no data means
// no decisions are possible this run.
func (c *Client) History(ctx context.Context, symbols []string, lookbackDays int) (map[string]domain.Series, error) {
	out := make(map[string]domain.Series, len(symbols))
	var lastErr error
	for _, sym := range symbols {
		series, err := c.fetchOne(ctx, sym, lookbackDays)
		if err != nil {
			lastErr = err
			c.recordFetchError()
			log.Warn().Str("symbol", sym).Err(err).Msg("symbol fetch failed, omitting")
			continue
		}
		if len(series) == 0 {
			log.Warn().Str("symbol", sym).Msg("symbol returned no rows, omitting")
			continue
		}
		out[sym] = series
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoData, lastErr)
		}
		return nil, ErrNoData
	}
	return out, nil
}

func (c *Client) fetchOne(ctx context.Context, symbol string, lookbackDays int) (domain.Series, error) {
	key := fmt.Sprintf("hist:%s:%d", symbol, lookbackDays)
	if b, ok := c.cache.Get(ctx, key); ok {
		series, err := parseCSV(strings.NewReader(string(b)))
		if err == nil {
			c.recordCacheHit()
			return series, nil
		}
	}
	c.recordCacheMiss()

	reqURL, err := c.buildURL(symbol, lookbackDays)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx, reqURL.Host); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	})
	if err != nil {
		return nil, err
	}
	body := res.([]byte)

	series, err := parseCSV(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", symbol, err)
	}
	c.cache.Set(ctx, key, body, c.cfg.CacheTTL)
	return series, nil
}

func (c *Client) recordCacheHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("history")
	}
}

func (c *Client) recordCacheMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("history")
	}
}

func (c *Client) recordFetchError() {
	if c.metrics != nil {
		c.metrics.RecordFetchError()
	}
}

func (c *Client) buildURL(symbol string, lookbackDays int) (*url.URL, error) {
	providerSym := symbol
	if mapped, ok := c.cfg.SymbolMap[symbol]; ok {
		providerSym = mapped
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	to := c.now().UTC()
	from := to.AddDate(0, 0, -lookbackDays)
	q := u.Query()
	q.Set("s", strings.ToLower(providerSym))
	q.Set("d1", from.Format("20060102"))
	q.Set("d2", to.Format("20060102"))
	q.Set("i", "d")
	u.RawQuery = q.Encode()
	return u, nil
}

// parseCSV reads Date,Open,High,Low,Close,Volume rows. Rows that fail to
// parse or validate are dropped: a bad print must read as absent, never as a
// zero price.
func parseCSV(r io.Reader) (domain.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	series := make(domain.Series, 0, len(rows))
	for i, row := range rows {
		if i == 0 && looksLikeHeader(row) {
			continue
		}
		if len(row) < 5 {
			continue
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			continue
		}
		vals := make([]float64, 4)
		bad := false
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				bad = true
				break
			}
			vals[j] = v
		}
		if bad {
			continue
		}
		volume := 0.0
		if len(row) > 5 {
			volume, _ = strconv.ParseFloat(row[5], 64)
		}
		p := domain.PricePoint{
			Date:   date,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: volume,
		}
		if !p.Valid() {
			continue
		}
		series = append(series, p)
	}
	return series, nil
}

func looksLikeHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "date")
}
