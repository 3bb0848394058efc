// Package models defines the core domain entities: series, samples, baselines,
// incidents, and notification events.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dedupNamespace seeds stable dedup key derivation. Changing it invalidates
// every persisted dedup key, so it never changes.
var dedupNamespace = uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")

// SeriesConfig describes one watched metric series. It is immutable once
// loaded into a registry snapshot.
type SeriesConfig struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`

	// Query is the range-query definition passed verbatim to the query
	// service. Opaque to the pipeline.
	Query string `json:"query"`

	Interval time.Duration `json:"interval"`
	Window   time.Duration `json:"window"`

	// Detector parameters.
	Sensitivity float64 `json:"sensitivity"`
	MinHistory  int     `json:"min_history"`
	// Alpha is the EWMA decay factor. Zero means "derive from window length".
	Alpha float64 `json:"alpha,omitempty"`
	// SeasonalBucket is the time-of-day bucketing granularity for the
	// seasonal offset. Zero disables seasonal adjustment.
	SeasonalBucket time.Duration `json:"seasonal_bucket,omitempty"`

	// Hysteresis parameters.
	OpenThreshold  int `json:"open_threshold"`
	CloseThreshold int `json:"close_threshold"`

	// Retention is how long a resolved incident stays queryable before it
	// is purged from the archive.
	Retention time.Duration `json:"retention"`
}

// ID returns the canonical series identity: name plus sorted label set.
func (c SeriesConfig) ID() string {
	if len(c.Labels) == 0 {
		return c.Name
	}
	keys := make([]string, 0, len(c.Labels))
	for k := range c.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, c.Labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// DedupKey returns the stable incident dedup key for this series. It is
// derived from the series identity and query definition, never from time, so
// re-opening the same condition reuses the same key.
func (c SeriesConfig) DedupKey() string {
	return uuid.NewSHA1(dedupNamespace, []byte(c.ID()+"\x00"+c.Query)).String()
}

// Step returns the query resolution for this series' window: short windows
// are fetched at 15s, medium at 1m, long at 5m.
func (c SeriesConfig) Step() time.Duration {
	switch {
	case c.Window <= time.Hour:
		return 15 * time.Second
	case c.Window <= 6*time.Hour:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}

// Validate checks the per-series constraints. A failure isolates this entry;
// it never invalidates the rest of a registry snapshot.
func (c SeriesConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Series: c.ID(), Reason: "series name is required"}
	}
	if c.Query == "" {
		return &ConfigError{Series: c.ID(), Reason: "query is required"}
	}
	if c.Interval <= 0 {
		return &ConfigError{Series: c.ID(), Reason: "evaluation interval must be positive"}
	}
	if c.Window <= 0 {
		return &ConfigError{Series: c.ID(), Reason: "window must be positive"}
	}
	if c.Window < c.Interval {
		return &ConfigError{Series: c.ID(), Reason: "window must be at least one evaluation interval"}
	}
	if c.Sensitivity <= 0 {
		return &ConfigError{Series: c.ID(), Reason: "sensitivity must be positive"}
	}
	if c.MinHistory < 1 {
		return &ConfigError{Series: c.ID(), Reason: "min_history must be at least 1"}
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return &ConfigError{Series: c.ID(), Reason: "alpha must be within [0, 1]"}
	}
	if c.SeasonalBucket < 0 {
		return &ConfigError{Series: c.ID(), Reason: "seasonal_bucket must not be negative"}
	}
	if c.SeasonalBucket > 0 && c.SeasonalBucket < time.Second {
		return &ConfigError{Series: c.ID(), Reason: "seasonal_bucket must be at least 1s (0 disables)"}
	}
	if c.OpenThreshold < 1 {
		return &ConfigError{Series: c.ID(), Reason: "open_threshold must be at least 1"}
	}
	if c.CloseThreshold < 1 {
		return &ConfigError{Series: c.ID(), Reason: "close_threshold must be at least 1"}
	}
	if c.Retention < 0 {
		return &ConfigError{Series: c.ID(), Reason: "retention must not be negative"}
	}
	return nil
}
