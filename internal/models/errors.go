package models

import "fmt"

// FetchErrorKind partitions fetch failures into the retry taxonomy.
type FetchErrorKind string

const (
	// FetchTimeout means the per-call deadline elapsed. Transient.
	FetchTimeout FetchErrorKind = "timeout"
	// FetchUnavailable means the query service could not serve the call
	// (connection failure or 5xx). Transient.
	FetchUnavailable FetchErrorKind = "unavailable"
	// FetchBadData means the response was malformed (non-monotonic
	// timestamps, schema mismatch). Permanent for this tick.
	FetchBadData FetchErrorKind = "bad_data"
)

// FetchError is a typed failure from the query service.
type FetchError struct {
	Kind   FetchErrorKind
	Series string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Series, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Series, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTimeout || e.Kind == FetchUnavailable
}

// ConfigError marks one malformed series definition. It isolates that entry;
// the rest of a registry snapshot stays usable.
type ConfigError struct {
	Series string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Series == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config %s: %s", e.Series, e.Reason)
}

// ModelError marks a sample batch the baseline must not absorb, e.g.
// non-monotonic timestamps slipping past fetch validation.
type ModelError struct {
	Series string
	Reason string
}

func (e *ModelError) Error() string {
	if e.Series == "" {
		return fmt.Sprintf("model: %s", e.Reason)
	}
	return fmt.Sprintf("model %s: %s", e.Series, e.Reason)
}
