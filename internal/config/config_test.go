package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

const validConfig = `
query:
  base_url: "http://queryd:8080"
  timeout: 5s

defaults:
  interval: 1m
  window: 2h
  sensitivity: 2.5

series:
  - name: api_latency_p99
    labels:
      service: checkout
    query: 'histogram_quantile(0.99, ...)'
  - name: error_rate
    query: 'sum(rate(errors_total[5m]))'
    interval: 5m
    window: 24h
    seasonal_bucket: 0s

scheduler:
  max_workers: 4

storage:
  db_path: "./data/test.db"

logging:
  level: "debug"
  format: "text"
`

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Query.BaseURL != "http://queryd:8080" {
		t.Errorf("Unexpected base URL: %s", cfg.Query.BaseURL)
	}
	if cfg.Query.Timeout != 5*time.Second {
		t.Errorf("Unexpected timeout: %v", cfg.Query.Timeout)
	}
	if cfg.Defaults.Interval != time.Minute {
		t.Errorf("Unexpected default interval: %v", cfg.Defaults.Interval)
	}
	if len(cfg.Series) != 2 {
		t.Fatalf("Expected 2 series, got %d", len(cfg.Series))
	}
	if cfg.Scheduler.MaxWorkers != 4 {
		t.Errorf("Unexpected max workers: %d", cfg.Scheduler.MaxWorkers)
	}

	// Untouched settings keep their defaults.
	if cfg.Query.MaxRetries != 3 {
		t.Errorf("Unexpected default max retries: %d", cfg.Query.MaxRetries)
	}
	if cfg.Defaults.OpenThreshold != 3 || cfg.Defaults.CloseThreshold != 2 {
		t.Errorf("Unexpected hysteresis defaults: %d/%d", cfg.Defaults.OpenThreshold, cfg.Defaults.CloseThreshold)
	}
	if cfg.Server.ListenAddr != ":9478" {
		t.Errorf("Unexpected listen addr: %s", cfg.Server.ListenAddr)
	}
	if cfg.Notify.QueueSize != 256 {
		t.Errorf("Unexpected queue size: %d", cfg.Notify.QueueSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestSeriesConfigsApplyDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	series := cfg.SeriesConfigs()
	if len(series) != 2 {
		t.Fatalf("Expected 2 series, got %d", len(series))
	}

	first := series[0]
	if first.Interval != time.Minute {
		t.Errorf("Default interval not applied: %v", first.Interval)
	}
	if first.Window != 2*time.Hour {
		t.Errorf("Default window not applied: %v", first.Window)
	}
	if first.Sensitivity != 2.5 {
		t.Errorf("Default sensitivity not applied: %f", first.Sensitivity)
	}
	if first.SeasonalBucket != time.Hour {
		t.Errorf("Default seasonal bucket not applied: %v", first.SeasonalBucket)
	}
	if first.Labels["service"] != "checkout" {
		t.Errorf("Labels lost: %v", first.Labels)
	}

	second := series[1]
	if second.Interval != 5*time.Minute {
		t.Errorf("Per-series interval override lost: %v", second.Interval)
	}
	if second.Window != 24*time.Hour {
		t.Errorf("Per-series window override lost: %v", second.Window)
	}
	// An explicit zero disables seasonal adjustment even though the default
	// is nonzero.
	if second.SeasonalBucket != 0 {
		t.Errorf("Explicit seasonal_bucket 0 overridden: %v", second.SeasonalBucket)
	}

	for _, s := range series {
		if err := s.Validate(); err != nil {
			t.Errorf("Series %s invalid after defaults: %v", s.ID(), err)
		}
	}
}

func TestValidateRejectsBadGlobals(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.Query.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.Query.Timeout = 0 }},
		{"no series", func(c *Config) { c.Series = nil }},
		{"zero workers", func(c *Config) { c.Scheduler.MaxWorkers = 0 }},
		{"empty db path", func(c *Config) { c.Storage.DBPath = "" }},
		{"webhook without url", func(c *Config) { c.Notify.Webhook.Enabled = true }},
		{"telegram without token", func(c *Config) { c.Notify.Telegram.Enabled = true }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}
