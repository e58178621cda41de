// Package config defines all configuration for the feed core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via FEED_* environment variables. Every knob has a default, so
// a missing or empty file yields a usable testnet configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mainnet and testnet endpoint bases. WS bases point at the combined-stream
// endpoint; individual stream names are sent in the SUBSCRIBE frame.
const (
	MainnetRESTBase = "https://fapi.binance.com"
	TestnetRESTBase = "https://testnet.binancefuture.com"
	MainnetWSBase   = "wss://fstream.binance.com/stream"
	TestnetWSBase   = "wss://stream.binancefuture.com/stream"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Testnet    bool             `mapstructure:"testnet"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	WS         WSConfig         `mapstructure:"ws"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Tiering    TieringConfig    `mapstructure:"tiering"`
	Diag       DiagConfig       `mapstructure:"diagnostics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ExchangeConfig holds REST endpoints and the optional API key. The key is
// only needed for the signed-request utility; the core issues public calls.
type ExchangeConfig struct {
	RESTBaseURL string        `mapstructure:"rest_base_url"` // empty = derived from Testnet
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	RecvWindow  int64         `mapstructure:"recv_window"` // ms, for signed requests
	Timeout     time.Duration `mapstructure:"timeout"`     // per-request REST timeout
}

// WSConfig tunes the stream transport.
//
//   - PongTimeout: the liveness window; any inbound message resets it. 70s
//     matches a server that pings us, 10m a server we must ping.
//   - SessionRefresh: proactive reconnect before the 24h server eviction.
//   - MaxControlPerSec: outgoing control-frame cap; excess frames are dropped.
//   - InboundBudget: messages/s above which sustained excess is logged.
type WSConfig struct {
	BaseURL          string        `mapstructure:"base_url"` // empty = derived from Testnet
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	SessionRefresh   time.Duration `mapstructure:"session_refresh"`
	MaxControlPerSec int           `mapstructure:"max_control_per_sec"`
	InboundBudget    int           `mapstructure:"inbound_budget"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

// BackoffConfig tunes the reconnect delay policy.
type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Network      string        `mapstructure:"network"` // wired | wifi | mobile | none
}

// AggregatorConfig tunes the time-windowed merge.
type AggregatorConfig struct {
	MergeWindow     time.Duration `mapstructure:"merge_window"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	WeightedPricing bool          `mapstructure:"weighted_pricing"`
	BookImmediate   bool          `mapstructure:"book_immediate"` // emit book/depth events on arrival
}

// RepositoryConfig tunes de-duplication and filter caches.
type RepositoryConfig struct {
	MaxSeenIDs    int           `mapstructure:"max_seen_ids"`
	MaxPerFilter  int           `mapstructure:"max_per_filter"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	Threshold     int64         `mapstructure:"threshold"` // initial active filter class
}

// AnalyticsConfig tunes the indicator engine timers.
type AnalyticsConfig struct {
	AnalysisInterval   time.Duration `mapstructure:"analysis_interval"`
	PredictionInterval time.Duration `mapstructure:"prediction_interval"`
}

// TieringConfig governs how many symbols get which streams.
// Profile selects a preset top-N (conservative=1, standard=20, intensive=50);
// TopN overrides the preset when positive. MidTier symbols receive ticker only.
type TieringConfig struct {
	Profile string `mapstructure:"profile"`
	TopN    int    `mapstructure:"top_n"`
	MidTier int    `mapstructure:"mid_tier"`
}

// DiagConfig controls the diagnostics HTTP server (status JSON + /metrics).
type DiagConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MaxStreams caps the total number of combined streams on one connection.
const MaxStreams = 1024

func setDefaults(v *viper.Viper) {
	v.SetDefault("testnet", true)
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("ws.pong_timeout", 70*time.Second)
	v.SetDefault("ws.session_refresh", 23*time.Hour+55*time.Minute)
	v.SetDefault("ws.max_control_per_sec", 5)
	v.SetDefault("ws.inbound_budget", 10)
	v.SetDefault("ws.connect_timeout", 15*time.Second)
	v.SetDefault("backoff.initial_delay", 2*time.Second)
	v.SetDefault("backoff.max_delay", 5*time.Minute)
	v.SetDefault("backoff.max_retries", 10)
	v.SetDefault("backoff.network", "wired")
	v.SetDefault("aggregator.merge_window", 500*time.Millisecond)
	v.SetDefault("aggregator.flush_interval", 100*time.Millisecond)
	v.SetDefault("aggregator.weighted_pricing", true)
	v.SetDefault("aggregator.book_immediate", true)
	v.SetDefault("repository.max_seen_ids", 5000)
	v.SetDefault("repository.max_per_filter", 100)
	v.SetDefault("repository.batch_interval", 100*time.Millisecond)
	v.SetDefault("repository.threshold", 100_000)
	v.SetDefault("analytics.analysis_interval", 2*time.Second)
	v.SetDefault("analytics.prediction_interval", 5*time.Second)
	v.SetDefault("tiering.profile", "conservative")
	v.SetDefault("tiering.mid_tier", 50)
	v.SetDefault("diagnostics.enabled", false)
	v.SetDefault("diagnostics.port", 9090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides (FEED_ prefix,
// dots replaced by underscores: ws.pong_timeout → FEED_WS_PONG_TIMEOUT).
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Sensitive fields from env only
	if key := os.Getenv("FEED_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("FEED_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	if cfg.Exchange.RESTBaseURL == "" {
		if cfg.Testnet {
			cfg.Exchange.RESTBaseURL = TestnetRESTBase
		} else {
			cfg.Exchange.RESTBaseURL = MainnetRESTBase
		}
	}
	if cfg.WS.BaseURL == "" {
		if cfg.Testnet {
			cfg.WS.BaseURL = TestnetWSBase
		} else {
			cfg.WS.BaseURL = MainnetWSBase
		}
	}

	return &cfg, nil
}

// ResolveTopN resolves the tiering profile to a symbol count.
func (t TieringConfig) ResolveTopN() int {
	if t.TopN > 0 {
		return t.TopN
	}
	switch t.Profile {
	case "intensive":
		return 50
	case "standard":
		return 20
	default: // conservative
		return 1
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.WS.PongTimeout <= 0 {
		return fmt.Errorf("ws.pong_timeout must be > 0")
	}
	if c.WS.MaxControlPerSec <= 0 {
		return fmt.Errorf("ws.max_control_per_sec must be > 0")
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("backoff delays must satisfy 0 < initial_delay <= max_delay")
	}
	switch c.Backoff.Network {
	case "wired", "wifi", "mobile", "none":
	default:
		return fmt.Errorf("backoff.network must be one of: wired, wifi, mobile, none")
	}
	if c.Aggregator.MergeWindow <= 0 || c.Aggregator.FlushInterval <= 0 {
		return fmt.Errorf("aggregator windows must be > 0")
	}
	if c.Repository.MaxSeenIDs <= 0 || c.Repository.MaxPerFilter <= 0 {
		return fmt.Errorf("repository bounds must be > 0")
	}
	if c.Analytics.AnalysisInterval <= 0 || c.Analytics.PredictionInterval <= 0 {
		return fmt.Errorf("analytics intervals must be > 0")
	}
	switch c.Tiering.Profile {
	case "conservative", "standard", "intensive":
	default:
		return fmt.Errorf("tiering.profile must be one of: conservative, standard, intensive")
	}
	n := c.Tiering.ResolveTopN()
	if n*3+n+c.Tiering.MidTier > MaxStreams {
		return fmt.Errorf("tiering would exceed %d streams", MaxStreams)
	}
	return nil
}
