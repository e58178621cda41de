package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Testnet {
		t.Error("default must be testnet")
	}
	if cfg.Exchange.RESTBaseURL != TestnetRESTBase {
		t.Errorf("rest base = %s", cfg.Exchange.RESTBaseURL)
	}
	if cfg.WS.BaseURL != TestnetWSBase {
		t.Errorf("ws base = %s", cfg.WS.BaseURL)
	}
	if cfg.WS.PongTimeout != 70*time.Second {
		t.Errorf("pong timeout = %s", cfg.WS.PongTimeout)
	}
	if cfg.Aggregator.MergeWindow != 500*time.Millisecond {
		t.Errorf("merge window = %s", cfg.Aggregator.MergeWindow)
	}
	if cfg.Repository.MaxSeenIDs != 5000 || cfg.Repository.MaxPerFilter != 100 {
		t.Errorf("repository bounds = %d/%d", cfg.Repository.MaxSeenIDs, cfg.Repository.MaxPerFilter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_FileAndMainnetEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("testnet: false\nws:\n  pong_timeout: 10m\ntiering:\n  profile: standard\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Exchange.RESTBaseURL != MainnetRESTBase || cfg.WS.BaseURL != MainnetWSBase {
		t.Errorf("mainnet endpoints not derived: %s, %s", cfg.Exchange.RESTBaseURL, cfg.WS.BaseURL)
	}
	if cfg.WS.PongTimeout != 10*time.Minute {
		t.Errorf("pong timeout override = %s", cfg.WS.PongTimeout)
	}
	if cfg.Tiering.ResolveTopN() != 20 {
		t.Errorf("standard profile top-n = %d", cfg.Tiering.ResolveTopN())
	}
}

func TestTiering_ProfileResolution(t *testing.T) {
	cases := []struct {
		profile string
		topN    int
		want    int
	}{
		{"conservative", 0, 1},
		{"standard", 0, 20},
		{"intensive", 0, 50},
		{"conservative", 7, 7}, // explicit top_n wins
	}
	for _, tc := range cases {
		cfg := TieringConfig{Profile: tc.profile, TopN: tc.topN}
		if got := cfg.ResolveTopN(); got != tc.want {
			t.Errorf("profile %s top_n %d → %d, want %d", tc.profile, tc.topN, got, tc.want)
		}
	}
}

func TestValidate_Rejections(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pong timeout", func(c *Config) { c.WS.PongTimeout = 0 }},
		{"zero control cap", func(c *Config) { c.WS.MaxControlPerSec = 0 }},
		{"inverted backoff delays", func(c *Config) { c.Backoff.MaxDelay = time.Second; c.Backoff.InitialDelay = time.Minute }},
		{"bad network class", func(c *Config) { c.Backoff.Network = "satellite" }},
		{"zero merge window", func(c *Config) { c.Aggregator.MergeWindow = 0 }},
		{"zero repo bounds", func(c *Config) { c.Repository.MaxSeenIDs = 0 }},
		{"bad profile", func(c *Config) { c.Tiering.Profile = "extreme" }},
		{"stream cap exceeded", func(c *Config) { c.Tiering.TopN = 400; c.Tiering.MidTier = 400 }},
	}
	for _, tc := range mutations {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", tc.name)
		}
	}
}
