// Package config provides configuration management for the webhook bridge.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Catalog and resolution defaults
const (
	defaultTimezone           = "Asia/Kolkata"
	defaultFetchTimeout       = 30 * time.Second
	defaultRefreshInterval    = 24 * time.Hour
	defaultInitialBackoff     = 2 * time.Second
	defaultColdStartWait      = 60 * time.Second
	defaultColdStartRetry     = 5 * time.Second
	defaultBrokerTimeout      = 10 * time.Second
	defaultSettleDelay        = 500 * time.Millisecond
	defaultFamily             = "OPTIDX"
	defaultExchange           = "NSE"
	defaultBuyKeyword         = "BUY"
	defaultExchangeSegment    = "NSE_FNO"
	defaultProductType        = "MARGIN"
	defaultDhanEndpoint       = "https://api.dhan.co/v2"
	defaultRateLimitPerSecond = 5.0
	defaultRateBurst          = 10
	// maxColdStartWait caps the blocking fallback on the request path.
	maxColdStartWait = 60 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Orders      OrdersConfig      `yaml:"orders"`
	Server      ServerConfig      `yaml:"server"`
	History     HistoryConfig     `yaml:"history"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	Timezone  string `yaml:"timezone"`   // exchange timezone, e.g. "Asia/Kolkata"
}

// BrokerConfig defines brokerage API settings.
type BrokerConfig struct {
	APIEndpoint     string `yaml:"api_endpoint"`
	ClientID        string `yaml:"client_id"`
	AccessToken     string `yaml:"access_token"`
	ExchangeSegment string `yaml:"exchange_segment"`
	ProductType     string `yaml:"product_type"`
	Timeout         string `yaml:"timeout"`
}

// CatalogConfig defines where the scrip master comes from and how it is kept fresh.
type CatalogConfig struct {
	URL             string `yaml:"url"`
	FetchTimeout    string `yaml:"fetch_timeout"`
	RefreshInterval string `yaml:"refresh_interval"`
	MaxRetries      int    `yaml:"max_retries"`
	InitialBackoff  string `yaml:"initial_backoff"`
	ColdStartWait   string `yaml:"cold_start_wait"`
	ColdStartRetry  string `yaml:"cold_start_retry"`
	StaleAfter      string `yaml:"stale_after"`
}

// InstrumentConfig defines the option family and the contract selection rules.
type InstrumentConfig struct {
	Underlying string   `yaml:"underlying"`
	Exclude    []string `yaml:"exclude"` // names containing the underlying that are different instruments
	Family     string   `yaml:"family"`
	Exchange   string   `yaml:"exchange"`
	// StrikeIncrement is the strike spacing used for rounding (100 for BANKNIFTY).
	StrikeIncrement float64 `yaml:"strike_increment"`
	// StrikeOffsetIncrements moves the traded strike away from ATM.
	// Positive is in-the-money: calls go down, puts go up. Zero trades ATM.
	StrikeOffsetIncrements int    `yaml:"strike_offset_increments"`
	RolloverDays           int    `yaml:"rollover_days"`
	DefaultLotSize         int    `yaml:"default_lot_size"`
	BuyKeyword             string `yaml:"buy_keyword"`
}

// OrdersConfig defines order dispatch behaviour.
type OrdersConfig struct {
	ReverseOnSignal bool   `yaml:"reverse_on_signal"`
	SettleDelay     string `yaml:"settle_delay"`
}

// ServerConfig defines the HTTP front door.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	AuthToken       string  `yaml:"auth_token"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`
}

// HistoryConfig defines trade history retention.
type HistoryConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch strings.ToLower(c.Environment.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}
	if c.Environment.Timezone != "" {
		if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
			return fmt.Errorf("environment.timezone invalid: %w", err)
		}
	}

	if c.Environment.Mode == "live" {
		if c.Broker.ClientID == "" {
			return fmt.Errorf("broker.client_id is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
	}

	if c.Catalog.URL == "" {
		return fmt.Errorf("catalog.url is required")
	}
	if c.Catalog.MaxRetries < 0 {
		return fmt.Errorf("catalog.max_retries must be >= 0")
	}
	durations := map[string]string{
		"catalog.fetch_timeout":    c.Catalog.FetchTimeout,
		"catalog.refresh_interval": c.Catalog.RefreshInterval,
		"catalog.initial_backoff":  c.Catalog.InitialBackoff,
		"catalog.cold_start_wait":  c.Catalog.ColdStartWait,
		"catalog.cold_start_retry": c.Catalog.ColdStartRetry,
		"catalog.stale_after":      c.Catalog.StaleAfter,
		"broker.timeout":           c.Broker.Timeout,
		"orders.settle_delay":      c.Orders.SettleDelay,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if c.GetColdStartWait() > maxColdStartWait {
		return fmt.Errorf("catalog.cold_start_wait must be <= %v", maxColdStartWait)
	}

	if c.Instrument.Underlying == "" {
		return fmt.Errorf("instrument.underlying is required")
	}
	for _, ex := range c.Instrument.Exclude {
		if strings.TrimSpace(ex) == "" {
			return fmt.Errorf("instrument.exclude must not contain empty entries")
		}
		if strings.Contains(strings.ToUpper(c.Instrument.Underlying), strings.ToUpper(ex)) {
			return fmt.Errorf("instrument.exclude entry %q would exclude the underlying %q itself",
				ex, c.Instrument.Underlying)
		}
	}
	if c.Instrument.StrikeIncrement <= 0 {
		return fmt.Errorf("instrument.strike_increment must be > 0")
	}
	if c.Instrument.RolloverDays < 0 {
		return fmt.Errorf("instrument.rollover_days must be >= 0")
	}
	if c.Instrument.DefaultLotSize <= 0 {
		return fmt.Errorf("instrument.default_lot_size must be > 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RateLimitPerSec < 0 {
		return fmt.Errorf("server.rate_limit_per_sec must be >= 0")
	}
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must be >= 0")
	}

	return nil
}

// normalize fills defaults for optional fields.
func (c *Config) normalize() {
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = defaultTimezone
	}
	if c.Broker.APIEndpoint == "" {
		c.Broker.APIEndpoint = defaultDhanEndpoint
	}
	if c.Broker.ExchangeSegment == "" {
		c.Broker.ExchangeSegment = defaultExchangeSegment
	}
	if c.Broker.ProductType == "" {
		c.Broker.ProductType = defaultProductType
	}
	if c.Instrument.Family == "" {
		c.Instrument.Family = defaultFamily
	}
	if c.Instrument.Exchange == "" {
		c.Instrument.Exchange = defaultExchange
	}
	if c.Instrument.BuyKeyword == "" {
		c.Instrument.BuyKeyword = defaultBuyKeyword
	}
	if c.Server.RateLimitPerSec == 0 {
		c.Server.RateLimitPerSec = defaultRateLimitPerSecond
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = defaultRateBurst
	}
}

// IsPaperTrading returns true if the bridge is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured exchange timezone, falling back to a fixed IST offset.
func (c *Config) Location() *time.Location {
	tz := c.Environment.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers without tzdata
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetFetchTimeout returns the per-attempt catalog download timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return durationOr(c.Catalog.FetchTimeout, defaultFetchTimeout)
}

// GetRefreshInterval returns the scheduled catalog refresh interval.
func (c *Config) GetRefreshInterval() time.Duration {
	return durationOr(c.Catalog.RefreshInterval, defaultRefreshInterval)
}

// GetInitialBackoff returns the first retry delay for catalog downloads.
func (c *Config) GetInitialBackoff() time.Duration {
	return durationOr(c.Catalog.InitialBackoff, defaultInitialBackoff)
}

// GetColdStartWait returns the total time a lookup may block waiting for a first snapshot.
func (c *Config) GetColdStartWait() time.Duration {
	return durationOr(c.Catalog.ColdStartWait, defaultColdStartWait)
}

// GetColdStartRetry returns the spacing between blocking refresh attempts.
func (c *Config) GetColdStartRetry() time.Duration {
	return durationOr(c.Catalog.ColdStartRetry, defaultColdStartRetry)
}

// GetStaleAfter returns the snapshot age that triggers a background refresh.
func (c *Config) GetStaleAfter() time.Duration {
	return durationOr(c.Catalog.StaleAfter, 2*c.GetRefreshInterval())
}

// GetBrokerTimeout returns the HTTP timeout for brokerage calls.
func (c *Config) GetBrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, defaultBrokerTimeout)
}

// GetSettleDelay returns the pause between closing opposite positions and entering.
func (c *Config) GetSettleDelay() time.Duration {
	if c.Orders.SettleDelay == "0" || c.Orders.SettleDelay == "0s" {
		return 0
	}
	return durationOr(c.Orders.SettleDelay, defaultSettleDelay)
}
