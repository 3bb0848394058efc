package models

import (
	"fmt"
	"time"
)

// Severity ranks an incident by how far its peak deviation exceeds the
// series sensitivity.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityPage     Severity = "page"
)

var severityRank = map[Severity]int{
	SeverityWarning:  1,
	SeverityCritical: 2,
	SeverityPage:     3,
}

// Rank returns the ordering of a severity; unknown severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SeverityFor derives severity from peak deviation as multiples of the
// series sensitivity: >=1x warning, >=2x critical, >=3x page.
func SeverityFor(peakDeviation, sensitivity float64) Severity {
	if peakDeviation < 0 {
		peakDeviation = -peakDeviation
	}
	switch {
	case peakDeviation >= 3*sensitivity:
		return SeverityPage
	case peakDeviation >= 2*sensitivity:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// IncidentState is the lifecycle state of an incident record.
type IncidentState string

const (
	IncidentOpen     IncidentState = "open"
	IncidentResolved IncidentState = "resolved"
)

// Incident is one anomalous episode of a series. Identity combines the
// series' stable dedup key with a fresh lifecycle instance ID, so re-opening
// the same condition reuses identity semantics but gets a new instance.
type Incident struct {
	ID       string `json:"id"`
	SeriesID string `json:"series_id"`
	DedupKey string `json:"dedup_key"`

	State      IncidentState `json:"state"`
	OpenedAt   time.Time     `json:"opened_at"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`

	BreachStreak int `json:"breach_streak"`
	NormalStreak int `json:"normal_streak"`

	PeakDeviation float64  `json:"peak_deviation"`
	Severity      Severity `json:"severity"`
}

// TransitionKind names an incident state transition visible to the outside.
type TransitionKind string

const (
	TransitionOpened    TransitionKind = "opened"
	TransitionEscalated TransitionKind = "escalated"
	TransitionResolved  TransitionKind = "resolved"
)

// NotificationEvent is the immutable record of one incident transition.
// Exactly one is produced per transition and handed once to the dispatcher.
type NotificationEvent struct {
	ID         string `json:"id"`
	SeriesID   string `json:"series_id"`
	IncidentID string `json:"incident_id"`
	DedupKey   string `json:"dedup_key"`

	Kind      TransitionKind `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`

	Severity      Severity `json:"severity"`
	PeakDeviation float64  `json:"peak_deviation"`
	Value         float64  `json:"value"`
	Expected      float64  `json:"expected"`
	Message       string   `json:"message"`
}

// FormatTransitionMessage renders the human-readable alert line.
func FormatTransitionMessage(seriesID string, kind TransitionKind, value, expected, deviation float64) string {
	verb := map[TransitionKind]string{
		TransitionOpened:    "OPENED",
		TransitionEscalated: "ESCALATED",
		TransitionResolved:  "RESOLVED",
	}[kind]
	return fmt.Sprintf("Anomaly '%s': %s (value=%.2f, expected=%.2f, deviation=%.1fσ)",
		seriesID, verb, value, expected, deviation)
}
