package application

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantrun/rotor/internal/data"
	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	"github.com/quantrun/rotor/internal/regime"
	"github.com/quantrun/rotor/internal/rotation"
)

// DataConfig configures the market-data provider and its cache.
type DataConfig struct {
	BaseURL         string            `yaml:"base_url"`
	LookbackDays    int               `yaml:"lookback_days"`
	RequestsPerSec  float64           `yaml:"requests_per_sec"`
	Burst           int               `yaml:"burst"`
	CacheTTLSeconds int               `yaml:"cache_ttl_seconds"`
	VolProxySymbol  string            `yaml:"vol_proxy_symbol"`
	SymbolMap       map[string]string `yaml:"symbol_map"`
	Redis           struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
}

// ClientConfig converts the yaml shape into the data client's config.
func (d DataConfig) ClientConfig() data.ClientConfig {
	return data.ClientConfig{
		BaseURL:        d.BaseURL,
		RequestsPerSec: d.RequestsPerSec,
		Burst:          d.Burst,
		CacheTTL:       time.Duration(d.CacheTTLSeconds) * time.Second,
		SymbolMap:      d.SymbolMap,
	}
}

// StoreConfig configures portfolio persistence.
type StoreConfig struct {
	Path         string            `yaml:"path"`
	Aliases      map[string]string `yaml:"aliases"`
	LedgerDSNEnv string            `yaml:"ledger_dsn_env"` // env var holding the Postgres DSN; empty disables the ledger
}

// ChannelConfig names the env vars carrying one channel's credentials.
// Credentials never live in the yaml file itself.
type ChannelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	RecipientEnv string `yaml:"recipient_env"`
}

// NotifyConfig configures the push channels.
type NotifyConfig struct {
	Line     ChannelConfig `yaml:"line"`
	Telegram ChannelConfig `yaml:"telegram"`
}

// Config is the full engine configuration.
type Config struct {
	InitialCash     float64                               `yaml:"initial_cash"`
	Tier1Multiplier float64                               `yaml:"tier1_multiplier"`
	Universe        []domain.Instrument                   `yaml:"universe"`
	Sectors         map[domain.Sector]domain.SectorParams `yaml:"sectors"`
	Buckets         map[string]regime.BucketConfig        `yaml:"regime_buckets"`
	Indicators      indicator.Params                      `yaml:"indicators"`
	Rotation        rotation.Config                       `yaml:"rotation"`
	Data            DataConfig                            `yaml:"data"`
	Store           StoreConfig                           `yaml:"store"`
	Notify          NotifyConfig                          `yaml:"notify"`

	sectorIndex map[string]domain.Sector
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Indicators == (indicator.Params{}) {
		c.Indicators = indicator.DefaultParams()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	c.buildIndex()
	return &c, nil
}

// Validate checks the structural invariants the engine relies on.
func (c *Config) Validate() error {
	if len(c.Universe) == 0 {
		return fmt.Errorf("universe is empty")
	}
	if c.Rotation.MaxPositions <= 0 {
		return fmt.Errorf("rotation.max_positions must be positive")
	}
	if _, ok := c.Sectors[domain.SectorDefault]; !ok {
		return fmt.Errorf("sectors must include a %q row", domain.SectorDefault)
	}
	for sector, p := range c.Sectors {
		if p.StopPct <= 0 || p.StopPct >= 1 {
			return fmt.Errorf("sector %s: stop_pct %.3f out of (0,1)", sector, p.StopPct)
		}
		for _, t := range p.Trail {
			if t.Retracement <= 0 || t.Retracement >= 1 {
				return fmt.Errorf("sector %s: trail retracement %.3f out of (0,1)", sector, t.Retracement)
			}
		}
		if p.Bucket != "" {
			if _, ok := c.Buckets[p.Bucket]; !ok {
				return fmt.Errorf("sector %s references unknown regime bucket %q", sector, p.Bucket)
			}
		}
		if p.SecondaryBucket != "" {
			if _, ok := c.Buckets[p.SecondaryBucket]; !ok {
				return fmt.Errorf("sector %s references unknown secondary bucket %q", sector, p.SecondaryBucket)
			}
		}
	}
	seen := map[string]bool{}
	for _, inst := range c.Universe {
		if inst.Symbol == "" {
			return fmt.Errorf("universe entry with empty symbol")
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("duplicate universe symbol %s", inst.Symbol)
		}
		seen[inst.Symbol] = true
	}
	if c.Data.LookbackDays <= 0 {
		return fmt.Errorf("data.lookback_days must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

func (c *Config) buildIndex() {
	c.sectorIndex = make(map[string]domain.Sector, len(c.Universe))
	for _, inst := range c.Universe {
		c.sectorIndex[inst.Symbol] = inst.Sector
	}
}

// SectorOf resolves a symbol's sector from the universe table.
func (c *Config) SectorOf(symbol string) domain.Sector {
	if s, ok := c.sectorIndex[symbol]; ok {
		return s
	}
	return domain.SectorDefault
}

// ParamsOf resolves a sector's parameter row, falling back to default.
func (c *Config) ParamsOf(sector domain.Sector) domain.SectorParams {
	if p, ok := c.Sectors[sector]; ok {
		return p
	}
	return c.Sectors[domain.SectorDefault]
}

// FetchSymbols is the deduplicated set of symbols a run needs: the universe,
// every regime proxy, and the volatility proxy.
func (c *Config) FetchSymbols() []string {
	seen := map[string]bool{}
	var out []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for _, inst := range c.Universe {
		add(inst.Symbol)
	}
	for _, b := range c.Buckets {
		add(b.Proxy)
	}
	add(c.Data.VolProxySymbol)
	return out
}
