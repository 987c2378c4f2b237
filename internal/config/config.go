package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/stream"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

type Stream struct {
	Enabled   bool             `yaml:"enabled"`
	Dial      transport.Config `yaml:",inline"`
	Reconnect stream.Config    `yaml:",inline"`
}

type Prices struct {
	StaleAfter   time.Duration `yaml:"stale_after"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Cache struct {
	ProviderStatus time.Duration `yaml:"provider_status"`
	SystemMetrics  time.Duration `yaml:"system_metrics"`
	EntityDetail   time.Duration `yaml:"entity_detail"`
	Lists          time.Duration `yaml:"lists"`
}

type Admin struct {
	Enabled        bool          `yaml:"enabled"`
	PageSize       int           `yaml:"page_size"`
	SearchDebounce time.Duration `yaml:"search_debounce"`
	RatePerSec     float64       `yaml:"rate_per_sec"`
	Burst          int           `yaml:"burst"`
	Timeout        time.Duration `yaml:"timeout"`
}

type API struct {
	Addr string `yaml:"addr"`
}

type Connectivity struct {
	ProbeURL      string        `yaml:"probe_url"` // empty disables probing
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type Root struct {
	BaseURL         string       `yaml:"base_url"` // dashboard backend
	PortfolioID     string       `yaml:"portfolio_id"`
	HoldingsPath    string       `yaml:"holdings_path"`
	PreferencesPath string       `yaml:"preferences_path"`
	LogLevel        string       `yaml:"log_level"`
	Stream          Stream       `yaml:"stream"`
	Retry           retry.Config `yaml:"retry"`
	Prices          Prices       `yaml:"prices"`
	Cache           Cache        `yaml:"cache"`
	Admin           Admin        `yaml:"admin"`
	Auth            auth.Config  `yaml:"auth"`
	API             API          `yaml:"api"`
	Connectivity    Connectivity `yaml:"connectivity"`
}

func Load(path string) (Root, error) {
	c := Root{}
	// booleans that default to true; the file can still turn them off
	c.Stream.Enabled = true
	c.Stream.Reconnect.Backoff = true
	c.Admin.Enabled = true

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, nil
}

// Default is the configuration used when no file is given
func Default() Root {
	var c Root
	c.Stream.Enabled = true
	c.Stream.Reconnect.Backoff = true
	c.Admin.Enabled = true
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8091"
	}
	if c.PortfolioID == "" {
		c.PortfolioID = "default"
	}
	if c.HoldingsPath == "" {
		c.HoldingsPath = "data/holdings.json"
	}
	if c.PreferencesPath == "" {
		c.PreferencesPath = "data/preferences.json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Stream.Dial.BaseURL == "" {
		c.Stream.Dial.BaseURL = c.BaseURL
	}
	if c.Stream.Dial.Path == "" {
		c.Stream.Dial.Path = "/api/market-data/stream"
	}
	if c.Stream.Dial.Transport == "" {
		c.Stream.Dial.Transport = "sse"
	}
	if c.Stream.Dial.DialTimeout == 0 {
		c.Stream.Dial.DialTimeout = 10 * time.Second
	}
	if c.Stream.Reconnect.MaxReconnectAttempts == 0 {
		c.Stream.Reconnect.MaxReconnectAttempts = 5
	}
	if c.Stream.Reconnect.ReconnectDelay == 0 {
		c.Stream.Reconnect.ReconnectDelay = 5 * time.Second
	}
	if c.Stream.Reconnect.MaxReconnectDelay == 0 {
		c.Stream.Reconnect.MaxReconnectDelay = 60 * time.Second
	}
	if c.Stream.Reconnect.LivenessTimeout == 0 {
		c.Stream.Reconnect.LivenessTimeout = 45 * time.Second
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}

	if c.Prices.StaleAfter == 0 {
		c.Prices.StaleAfter = 30 * time.Minute
	}
	if c.Prices.PollInterval == 0 {
		c.Prices.PollInterval = 15 * time.Minute
	}
	if c.Prices.RatePerSec == 0 {
		c.Prices.RatePerSec = 2
	}
	if c.Prices.Burst == 0 {
		c.Prices.Burst = 4
	}
	if c.Prices.Timeout == 0 {
		c.Prices.Timeout = 10 * time.Second
	}

	if c.Cache.ProviderStatus == 0 {
		c.Cache.ProviderStatus = 60 * time.Second
	}
	if c.Cache.SystemMetrics == 0 {
		c.Cache.SystemMetrics = 30 * time.Second
	}
	if c.Cache.EntityDetail == 0 {
		c.Cache.EntityDetail = 120 * time.Second
	}
	if c.Cache.Lists == 0 {
		c.Cache.Lists = 30 * time.Second
	}

	if c.Admin.PageSize == 0 {
		c.Admin.PageSize = 25
	}
	if c.Admin.SearchDebounce == 0 {
		c.Admin.SearchDebounce = 300 * time.Millisecond
	}
	if c.Admin.RatePerSec == 0 {
		c.Admin.RatePerSec = 5
	}
	if c.Admin.Burst == 0 {
		c.Admin.Burst = 10
	}
	if c.Admin.Timeout == 0 {
		c.Admin.Timeout = 10 * time.Second
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8090"
	}
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 15 * time.Second
	}
}
