package models

import "time"

// Sample is one observed (timestamp, value) point of a series.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ValidateBatch checks that a fetched batch is strictly increasing in time.
// Duplicate or out-of-order timestamps make the whole batch malformed.
func ValidateBatch(samples []Sample) error {
	for i := 1; i < len(samples); i++ {
		if !samples[i].Timestamp.After(samples[i-1].Timestamp) {
			return &ModelError{
				Reason: "samples are not strictly increasing in time",
			}
		}
	}
	return nil
}

// Verdict classifies one sample against its baseline.
type Verdict string

const (
	VerdictNormal Verdict = "normal"
	VerdictHigh   Verdict = "high"
	VerdictLow    Verdict = "low"
)

// AnomalyScore is the detector's judgement of one sample, computed against
// the baseline state before that sample is folded in.
type AnomalyScore struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	// Expected is the (seasonally adjusted) baseline mean the value was
	// judged against.
	Expected float64 `json:"expected"`
	// Deviation is the normalized distance from the baseline, in stddevs.
	// Signed: negative means below the baseline.
	Deviation float64 `json:"deviation"`
	Verdict   Verdict `json:"verdict"`
}

// Breach reports whether the verdict is non-normal.
func (s AnomalyScore) Breach() bool {
	return s.Verdict != VerdictNormal
}
