// Package detector maintains the per-series baseline model and scores new
// samples against it. Scoring always happens before the sample is folded in,
// so a sample is judged against history, not against itself.
package detector

import (
	"math"
	"time"

	"github.com/wideobs/widewatch/internal/models"
)

// Epsilon floors the standard deviation in the deviation formula.
const Epsilon = 1e-9

const (
	minAlpha = 0.01
	maxAlpha = 0.5
)

// Detector evaluates samples for one series. It is a pure transformation;
// all state lives in the BaselineModel.
type Detector struct {
	cfg   models.SeriesConfig
	alpha float64
}

// New creates a detector for the series. When the series does not pin an
// explicit alpha, the EWMA decay is derived from the window length: with N
// expected samples per window, alpha = 2/(N+1), clamped to [0.01, 0.5].
func New(cfg models.SeriesConfig) *Detector {
	alpha := cfg.Alpha
	if alpha == 0 {
		n := float64(cfg.Window / cfg.Step())
		alpha = 2 / (n + 1)
	}
	alpha = math.Min(math.Max(alpha, minAlpha), maxAlpha)
	return &Detector{cfg: cfg, alpha: alpha}
}

// Alpha returns the effective EWMA decay factor.
func (d *Detector) Alpha() float64 {
	return d.alpha
}

// Score judges one sample against the model state before that sample is
// folded in. Until the model has absorbed at least MinHistory samples the
// verdict is forced normal, so newly registered series cannot flap.
func (d *Detector) Score(m *models.BaselineModel, s models.Sample) models.AnomalyScore {
	expected := m.Mean
	if d.cfg.SeasonalBucket > 0 {
		if b, ok := m.Seasonal[BucketKey(s.Timestamp, d.cfg.SeasonalBucket)]; ok && b.Count > 0 {
			expected += b.Mean
		}
	}

	std := math.Sqrt(m.Variance)
	deviation := (s.Value - expected) / math.Max(std, Epsilon)

	verdict := models.VerdictNormal
	if m.Count >= int64(d.cfg.MinHistory) {
		switch {
		case deviation > d.cfg.Sensitivity:
			verdict = models.VerdictHigh
		case deviation < -d.cfg.Sensitivity:
			verdict = models.VerdictLow
		}
	}

	return models.AnomalyScore{
		Timestamp: s.Timestamp,
		Value:     s.Value,
		Expected:  expected,
		Deviation: deviation,
		Verdict:   verdict,
	}
}

// Update folds one sample into the model. Samples at or before the model's
// watermark are rejected and leave the model untouched.
func (d *Detector) Update(m *models.BaselineModel, s models.Sample) error {
	if !m.LastTimestamp.IsZero() && !s.Timestamp.After(m.LastTimestamp) {
		return &models.ModelError{
			Series: m.SeriesID,
			Reason: "sample timestamp not after model watermark",
		}
	}

	if m.Count == 0 {
		m.Mean = s.Value
		m.Variance = 0
	} else {
		diff := s.Value - m.Mean
		m.Mean += d.alpha * diff
		m.Variance = (1 - d.alpha) * (m.Variance + d.alpha*diff*diff)
	}

	if d.cfg.SeasonalBucket > 0 {
		if m.Seasonal == nil {
			m.Seasonal = make(map[int]models.SeasonalBucket)
		}
		k := BucketKey(s.Timestamp, d.cfg.SeasonalBucket)
		b := m.Seasonal[k]
		b.Count++
		residual := s.Value - m.Mean
		b.Mean += (residual - b.Mean) / float64(b.Count)
		m.Seasonal[k] = b
	}

	m.Count++
	m.LastTimestamp = s.Timestamp
	return nil
}

// Evaluate scores and folds in a batch. The whole batch is validated up
// front (strictly increasing, entirely after the watermark); a malformed
// batch returns a ModelError with the model numerically unchanged.
func (d *Detector) Evaluate(m *models.BaselineModel, samples []models.Sample) ([]models.AnomalyScore, error) {
	if err := models.ValidateBatch(samples); err != nil {
		return nil, &models.ModelError{Series: m.SeriesID, Reason: "batch is not strictly increasing in time"}
	}
	if len(samples) > 0 && !m.LastTimestamp.IsZero() && !samples[0].Timestamp.After(m.LastTimestamp) {
		return nil, &models.ModelError{Series: m.SeriesID, Reason: "batch overlaps model watermark"}
	}

	scores := make([]models.AnomalyScore, 0, len(samples))
	for _, s := range samples {
		scores = append(scores, d.Score(m, s))
		if err := d.Update(m, s); err != nil {
			// Unreachable after batch validation; surfaced for safety.
			return nil, err
		}
	}
	return scores, nil
}

// BucketKey maps a timestamp to its time-of-week bucket: weekday crossed
// with the time-of-day slot at the configured granularity. UTC so restarts
// in different zones reproduce identical verdicts.
func BucketKey(t time.Time, bucket time.Duration) int {
	if bucket < time.Second {
		bucket = time.Second
	}
	t = t.UTC()
	perDay := int(24 * time.Hour / bucket)
	if perDay < 1 {
		perDay = 1
	}
	secOfDay := t.Hour()*3600 + t.Minute()*60 + t.Second()
	slot := secOfDay / int(bucket/time.Second)
	if slot >= perDay {
		slot = perDay - 1
	}
	return int(t.Weekday())*perDay + slot
}
