// Package storage provides SQLite-backed persistence for baseline models,
// incident state, and notification events.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wideobs/widewatch/internal/incident"
	"github.com/wideobs/widewatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/widewatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "widewatch", "data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS baseline_state (
			series_id  TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0,
			mean       REAL NOT NULL DEFAULT 0,
			variance   REAL NOT NULL DEFAULT 0,
			last_ts    INTEGER NOT NULL DEFAULT 0,
			seasonal   TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incident_machine (
			series_id     TEXT PRIMARY KEY,
			state         TEXT NOT NULL,
			breach_streak INTEGER NOT NULL DEFAULT 0,
			normal_streak INTEGER NOT NULL DEFAULT 0,
			peak          REAL NOT NULL DEFAULT 0,
			active        TEXT NOT NULL DEFAULT '',
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id             TEXT PRIMARY KEY,
			series_id      TEXT NOT NULL,
			dedup_key      TEXT NOT NULL,
			state          TEXT NOT NULL,
			opened_at      INTEGER NOT NULL,
			last_seen_at   INTEGER NOT NULL,
			resolved_at    INTEGER NOT NULL DEFAULT 0,
			breach_streak  INTEGER NOT NULL DEFAULT 0,
			normal_streak  INTEGER NOT NULL DEFAULT 0,
			peak_deviation REAL NOT NULL DEFAULT 0,
			severity       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_series ON incidents(series_id, opened_at DESC)`,
		`CREATE TABLE IF NOT EXISTS notification_events (
			id             TEXT PRIMARY KEY,
			incident_id    TEXT NOT NULL,
			series_id      TEXT NOT NULL,
			dedup_key      TEXT NOT NULL,
			kind           TEXT NOT NULL,
			severity       TEXT NOT NULL,
			peak_deviation REAL NOT NULL,
			value          REAL NOT NULL,
			expected       REAL NOT NULL,
			message        TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notification_events(created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveBaseline upserts one series' baseline model.
func (s *Storage) SaveBaseline(m *models.BaselineModel) error {
	seasonal := m.Seasonal
	if seasonal == nil {
		seasonal = map[int]models.SeasonalBucket{}
	}
	seasonalJSON, err := json.Marshal(seasonal)
	if err != nil {
		return fmt.Errorf("failed to marshal seasonal buckets: %w", err)
	}
	var lastTS int64
	if !m.LastTimestamp.IsZero() {
		lastTS = m.LastTimestamp.UnixNano()
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO baseline_state
			(series_id, count, mean, variance, last_ts, seasonal, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		m.SeriesID, m.Count, m.Mean, m.Variance, lastTS, string(seasonalJSON),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// LoadAllBaselines returns every persisted baseline model keyed by series.
func (s *Storage) LoadAllBaselines() (map[string]*models.BaselineModel, error) {
	rows, err := s.db.Query(`SELECT series_id, count, mean, variance, last_ts, seasonal FROM baseline_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.BaselineModel)
	for rows.Next() {
		var m models.BaselineModel
		var lastTS int64
		var seasonalJSON string
		if err := rows.Scan(&m.SeriesID, &m.Count, &m.Mean, &m.Variance, &lastTS, &seasonalJSON); err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		if err := json.Unmarshal([]byte(seasonalJSON), &m.Seasonal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal seasonal buckets: %w", err)
		}
		if len(m.Seasonal) == 0 {
			m.Seasonal = nil
		}
		if lastTS != 0 {
			m.LastTimestamp = time.Unix(0, lastTS).UTC()
		}
		out[m.SeriesID] = &m
	}
	return out, rows.Err()
}

// SaveMachine upserts one series' incident machine snapshot.
func (s *Storage) SaveMachine(snap incident.Snapshot) error {
	active := ""
	if snap.Active != nil {
		b, err := json.Marshal(snap.Active)
		if err != nil {
			return fmt.Errorf("failed to marshal active incident: %w", err)
		}
		active = string(b)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO incident_machine
			(series_id, state, breach_streak, normal_streak, peak, active, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		snap.SeriesID, string(snap.State), snap.BreachStreak, snap.NormalStreak,
		snap.Peak, active, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save incident machine: %w", err)
	}
	return nil
}

// LoadAllMachines returns every persisted incident machine snapshot.
func (s *Storage) LoadAllMachines() (map[string]incident.Snapshot, error) {
	rows, err := s.db.Query(`SELECT series_id, state, breach_streak, normal_streak, peak, active FROM incident_machine`)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident machines: %w", err)
	}
	defer rows.Close()

	out := make(map[string]incident.Snapshot)
	for rows.Next() {
		var snap incident.Snapshot
		var state, active string
		if err := rows.Scan(&snap.SeriesID, &state, &snap.BreachStreak, &snap.NormalStreak, &snap.Peak, &active); err != nil {
			return nil, fmt.Errorf("failed to scan incident machine: %w", err)
		}
		snap.State = incident.State(state)
		if active != "" {
			var inc models.Incident
			if err := json.Unmarshal([]byte(active), &inc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal active incident: %w", err)
			}
			snap.Active = &inc
		}
		out[snap.SeriesID] = snap
	}
	return out, rows.Err()
}

// UpsertIncident writes one incident row; resolved incidents stay queryable
// until purged by retention.
func (s *Storage) UpsertIncident(inc models.Incident) error {
	var resolvedAt int64
	if !inc.ResolvedAt.IsZero() {
		resolvedAt = inc.ResolvedAt.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO incidents
			(id, series_id, dedup_key, state, opened_at, last_seen_at, resolved_at,
			 breach_streak, normal_streak, peak_deviation, severity)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.SeriesID, inc.DedupKey, string(inc.State),
		inc.OpenedAt.UnixNano(), inc.LastSeenAt.UnixNano(), resolvedAt,
		inc.BreachStreak, inc.NormalStreak, inc.PeakDeviation, string(inc.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert incident: %w", err)
	}
	return nil
}

// ListIncidents returns the newest incidents first.
func (s *Storage) ListIncidents(limit int) ([]models.Incident, error) {
	rows, err := s.db.Query(`
		SELECT id, series_id, dedup_key, state, opened_at, last_seen_at, resolved_at,
		       breach_streak, normal_streak, peak_deviation, severity
		FROM incidents ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		var inc models.Incident
		var state, severity string
		var openedAt, lastSeenAt, resolvedAt int64
		if err := rows.Scan(&inc.ID, &inc.SeriesID, &inc.DedupKey, &state,
			&openedAt, &lastSeenAt, &resolvedAt,
			&inc.BreachStreak, &inc.NormalStreak, &inc.PeakDeviation, &severity); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.State = models.IncidentState(state)
		inc.Severity = models.Severity(severity)
		inc.OpenedAt = time.Unix(0, openedAt).UTC()
		inc.LastSeenAt = time.Unix(0, lastSeenAt).UTC()
		if resolvedAt != 0 {
			inc.ResolvedAt = time.Unix(0, resolvedAt).UTC()
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// PurgeResolved deletes a series' resolved incidents whose resolution is
// older than the cutoff. Open incidents are never purged.
func (s *Storage) PurgeResolved(seriesID string, before time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM incidents
		WHERE series_id = ? AND state = ? AND resolved_at != 0 AND resolved_at < ?`,
		seriesID, string(models.IncidentResolved), before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge resolved incidents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddNotification appends one notification event.
func (s *Storage) AddNotification(ev models.NotificationEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_events
			(id, incident_id, series_id, dedup_key, kind, severity,
			 peak_deviation, value, expected, message, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.SeriesID, ev.DedupKey, string(ev.Kind), string(ev.Severity),
		ev.PeakDeviation, ev.Value, ev.Expected, ev.Message, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification event: %w", err)
	}
	return nil
}

// ListNotifications returns the newest notification events first.
func (s *Storage) ListNotifications(limit int) ([]models.NotificationEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, incident_id, series_id, dedup_key, kind, severity,
		       peak_deviation, value, expected, message, created_at
		FROM notification_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification events: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationEvent
	for rows.Next() {
		var ev models.NotificationEvent
		var kind, severity string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.SeriesID, &ev.DedupKey, &kind, &severity,
			&ev.PeakDeviation, &ev.Value, &ev.Expected, &ev.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification event: %w", err)
		}
		ev.Kind = models.TransitionKind(kind)
		ev.Severity = models.Severity(severity)
		ev.Timestamp = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
