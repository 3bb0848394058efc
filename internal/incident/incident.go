// Package incident turns per-series verdict sequences into deduplicated,
// hysteresis-controlled incidents.
package incident

import (
	"math"

	"github.com/google/uuid"

	"github.com/wideobs/widewatch/internal/models"
)

// State is the per-series machine state.
type State string

const (
	Idle      State = "idle"
	Pending   State = "pending"
	Firing    State = "firing"
	Resolving State = "resolving"
)

// Manager is the state machine for one series. It is never shared between
// evaluation units, so no locking is needed: the scheduler guarantees at
// most one in-flight evaluation per series.
type Manager struct {
	cfg      models.SeriesConfig
	seriesID string
	dedupKey string

	state        State
	active       *models.Incident
	breachStreak int
	normalStreak int
	// peak tracks the largest |deviation| of the current breach streak
	// before an incident exists, so the incident opens with the true peak.
	peak float64
	// resolved holds the most recently closed incident until the caller
	// collects it for archival.
	resolved *models.Incident

	newID func() string
}

// New creates an idle manager for the series.
func New(cfg models.SeriesConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		seriesID: cfg.ID(),
		dedupKey: cfg.DedupKey(),
		state:    Idle,
		newID:    func() string { return uuid.New().String() },
	}
}

// Snapshot is the persistable machine state.
type Snapshot struct {
	SeriesID     string           `json:"series_id"`
	State        State            `json:"state"`
	BreachStreak int              `json:"breach_streak"`
	NormalStreak int              `json:"normal_streak"`
	Peak         float64          `json:"peak"`
	Active       *models.Incident `json:"active,omitempty"`
}

// Snapshot captures the machine state for checkpointing.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		SeriesID:     m.seriesID,
		State:        m.state,
		BreachStreak: m.breachStreak,
		NormalStreak: m.normalStreak,
		Peak:         m.peak,
	}
	if m.active != nil {
		cp := *m.active
		s.Active = &cp
	}
	return s
}

// Restore creates a manager resuming from a persisted snapshot, so a
// restarted process reproduces the same transitions an uninterrupted run
// would have produced.
func Restore(cfg models.SeriesConfig, snap Snapshot) *Manager {
	m := New(cfg)
	if snap.State != "" {
		m.state = snap.State
	}
	m.breachStreak = snap.BreachStreak
	m.normalStreak = snap.NormalStreak
	m.peak = snap.Peak
	if snap.Active != nil {
		cp := *snap.Active
		m.active = &cp
	}
	return m
}

// State returns the current machine state.
func (m *Manager) State() State { return m.state }

// Active returns a copy of the open incident, if any.
func (m *Manager) Active() *models.Incident {
	if m.active == nil {
		return nil
	}
	cp := *m.active
	return &cp
}

// TakeResolved returns the most recently closed incident and clears it, or
// nil if no incident closed since the last call.
func (m *Manager) TakeResolved() *models.Incident {
	inc := m.resolved
	m.resolved = nil
	return inc
}

// Observe feeds one score through the transition table and returns the
// notification events it produced, in order. Each transition yields exactly
// one event.
func (m *Manager) Observe(score models.AnomalyScore) []models.NotificationEvent {
	var events []models.NotificationEvent
	breach := score.Breach()
	dev := math.Abs(score.Deviation)

	switch m.state {
	case Idle:
		if breach {
			m.state = Pending
			m.breachStreak = 1
			m.peak = dev
		}

	case Pending:
		if !breach {
			m.state = Idle
			m.breachStreak = 0
			m.peak = 0
			break
		}
		m.breachStreak++
		if dev > m.peak {
			m.peak = dev
		}
		if m.breachStreak >= m.cfg.OpenThreshold {
			m.state = Firing
			m.active = &models.Incident{
				ID:            m.newID(),
				SeriesID:      m.seriesID,
				DedupKey:      m.dedupKey,
				State:         models.IncidentOpen,
				OpenedAt:      score.Timestamp,
				LastSeenAt:    score.Timestamp,
				BreachStreak:  m.breachStreak,
				PeakDeviation: m.peak,
				Severity:      models.SeverityFor(m.peak, m.cfg.Sensitivity),
			}
			events = append(events, m.event(models.TransitionOpened, score))
		}

	case Firing:
		m.active.LastSeenAt = score.Timestamp
		if breach {
			m.breachStreak++
			m.active.BreachStreak = m.breachStreak
			if ev := m.raisePeak(dev, score); ev != nil {
				events = append(events, *ev)
			}
		} else {
			m.state = Resolving
			m.normalStreak = 1
			m.active.NormalStreak = 1
		}

	case Resolving:
		m.active.LastSeenAt = score.Timestamp
		if breach {
			// Breach streak continues from where it left off.
			m.state = Firing
			m.normalStreak = 0
			m.active.NormalStreak = 0
			m.breachStreak++
			m.active.BreachStreak = m.breachStreak
			if ev := m.raisePeak(dev, score); ev != nil {
				events = append(events, *ev)
			}
			break
		}
		m.normalStreak++
		m.active.NormalStreak = m.normalStreak
		if m.normalStreak >= m.cfg.CloseThreshold {
			m.active.State = models.IncidentResolved
			m.active.ResolvedAt = score.Timestamp
			events = append(events, m.event(models.TransitionResolved, score))
			m.resolved = m.active
			m.state = Idle
			m.active = nil
			m.breachStreak = 0
			m.normalStreak = 0
			m.peak = 0
		}
	}

	return events
}

// raisePeak updates peak deviation and severity while an incident is open.
// Severity never lowers; raising it emits an escalation event.
func (m *Manager) raisePeak(dev float64, score models.AnomalyScore) *models.NotificationEvent {
	if dev <= m.active.PeakDeviation {
		return nil
	}
	m.active.PeakDeviation = dev
	m.peak = dev
	next := models.SeverityFor(dev, m.cfg.Sensitivity)
	if next.Rank() <= m.active.Severity.Rank() {
		return nil
	}
	m.active.Severity = next
	ev := m.event(models.TransitionEscalated, score)
	return &ev
}

func (m *Manager) event(kind models.TransitionKind, score models.AnomalyScore) models.NotificationEvent {
	return models.NotificationEvent{
		ID:            m.newID(),
		SeriesID:      m.seriesID,
		IncidentID:    m.active.ID,
		DedupKey:      m.dedupKey,
		Kind:          kind,
		Timestamp:     score.Timestamp,
		Severity:      m.active.Severity,
		PeakDeviation: m.active.PeakDeviation,
		Value:         score.Value,
		Expected:      score.Expected,
		Message: models.FormatTransitionMessage(
			m.seriesID, kind, score.Value, score.Expected, m.active.PeakDeviation),
	}
}
