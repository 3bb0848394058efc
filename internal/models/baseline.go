package models

import "time"

// SeasonalBucket accumulates the incremental mean of residuals observed in
// one time-of-week bucket.
type SeasonalBucket struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
}

// BaselineModel is the incremental per-series baseline: an exponentially
// weighted mean and variance plus optional seasonal residual buckets. It is
// exclusively owned by its series' evaluation unit and only ever updated in
// timestamp order.
type BaselineModel struct {
	SeriesID string `json:"series_id"`

	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`

	// LastTimestamp is the newest sample folded in. Samples at or before it
	// are rejected, which keeps updates monotonic and makes re-fetched
	// windows idempotent.
	LastTimestamp time.Time `json:"last_timestamp"`

	// Seasonal maps a time-of-week bucket index to its residual statistics.
	// Nil when seasonal adjustment is disabled for the series.
	Seasonal map[int]SeasonalBucket `json:"seasonal,omitempty"`
}

// NewBaselineModel returns an empty model for the given series.
func NewBaselineModel(seriesID string) *BaselineModel {
	return &BaselineModel{SeriesID: seriesID}
}

// Clone returns a deep copy. Evaluation units mutate a clone and commit it
// only after the whole batch is accepted, so a rejected batch leaves the
// original untouched.
func (m *BaselineModel) Clone() *BaselineModel {
	cp := *m
	if m.Seasonal != nil {
		cp.Seasonal = make(map[int]SeasonalBucket, len(m.Seasonal))
		for k, v := range m.Seasonal {
			cp.Seasonal[k] = v
		}
	}
	return &cp
}

// Equal reports whether two models carry bit-identical numeric state.
func (m *BaselineModel) Equal(other *BaselineModel) bool {
	if m.SeriesID != other.SeriesID ||
		m.Count != other.Count ||
		m.Mean != other.Mean ||
		m.Variance != other.Variance ||
		!m.LastTimestamp.Equal(other.LastTimestamp) ||
		len(m.Seasonal) != len(other.Seasonal) {
		return false
	}
	for k, v := range m.Seasonal {
		if other.Seasonal[k] != v {
			return false
		}
	}
	return true
}
