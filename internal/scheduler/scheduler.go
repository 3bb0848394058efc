// Package scheduler drives periodic evaluation of every registered series:
// fetch, score, and incident transition, with bounded concurrency and
// per-series exclusive ownership of all mutable state.
package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wideobs/widewatch/internal/detector"
	"github.com/wideobs/widewatch/internal/incident"
	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/metrics"
	"github.com/wideobs/widewatch/internal/models"
	"github.com/wideobs/widewatch/internal/registry"
)

// Fetcher retrieves one series' sample window from the query service.
type Fetcher interface {
	FetchRange(ctx context.Context, series models.SeriesConfig, from, to time.Time) ([]models.Sample, error)
}

// Notifier receives every incident transition exactly once.
type Notifier interface {
	Dispatch(ev models.NotificationEvent)
}

// Store persists evaluation state between runs.
type Store interface {
	SaveBaseline(m *models.BaselineModel) error
	SaveMachine(snap incident.Snapshot) error
	UpsertIncident(inc models.Incident) error
	AddNotification(ev models.NotificationEvent) error
	PurgeResolved(seriesID string, before time.Time) (int64, error)
}

// Config tunes the driver.
type Config struct {
	MaxWorkers int
	// ShutdownGrace bounds how long in-flight evaluations may finish after
	// cancellation before their results are abandoned.
	ShutdownGrace time.Duration
	// CheckpointInterval is measured in driver ticks.
	CheckpointInterval int
}

// unit is the exclusively-owned evaluation state of one series. While
// inflight is set, only the evaluation goroutine touches model and inc;
// committed model and manager values are never mutated afterward, so
// checkpoint reads under the scheduler lock are safe.
type unit struct {
	cfg      models.SeriesConfig
	det      *detector.Detector
	model    *models.BaselineModel
	inc      *incident.Manager
	inflight bool
	nextDue  time.Time
}

// Scheduler sequences Fetcher → Detector → Incident Manager per series.
type Scheduler struct {
	reg        *registry.Registry
	fetcher    Fetcher
	store      Store
	dispatcher Notifier
	cfg        Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	now func() time.Time

	mu    sync.Mutex
	units map[string]*unit
	cycle int

	restoredModels   map[string]*models.BaselineModel
	restoredMachines map[string]incident.Snapshot
}

// New creates a scheduler. The restored maps re-seed per-series state from a
// previous run; pass nil maps for a cold start.
func New(
	reg *registry.Registry,
	fetcher Fetcher,
	store Store,
	dispatcher Notifier,
	cfg Config,
	restoredModels map[string]*models.BaselineModel,
	restoredMachines map[string]incident.Snapshot,
) *Scheduler {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = 1
	}
	return &Scheduler{
		reg:              reg,
		fetcher:          fetcher,
		store:            store,
		dispatcher:       dispatcher,
		cfg:              cfg,
		sem:              semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		now:              time.Now,
		units:            make(map[string]*unit),
		restoredModels:   restoredModels,
		restoredMachines: restoredMachines,
	}
}

// driverTick is the base cadence for due checks. Per-series intervals are
// multiples of wall time, not of this tick; a series is only evaluated when
// its own interval has elapsed.
const driverTick = time.Second

// Run drives the evaluation loop until ctx is cancelled, then waits up to
// the shutdown grace period for in-flight units and checkpoints all state.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("Scheduler started (workers=%d, series=%d)",
		s.cfg.MaxWorkers, len(s.reg.Snapshot().Series))

	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.Checkpoint()
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one driver pass: sync units with the current registry snapshot,
// then launch an evaluation for every due, idle series.
func (s *Scheduler) tick(ctx context.Context) {
	metrics.TicksTotal.Inc()
	snap := s.reg.Snapshot()
	now := s.now()

	s.mu.Lock()
	s.syncUnitsLocked(snap, now)

	var due []*unit
	for _, cfg := range snap.Series {
		u, ok := s.units[cfg.ID()]
		if !ok || now.Before(u.nextDue) {
			continue
		}
		u.nextDue = now.Add(u.cfg.Interval)
		if u.inflight {
			// Previous tick still outstanding: skip, no backlog.
			metrics.EvaluationsTotal.WithLabelValues(u.cfg.ID(), "skipped").Inc()
			logger.Debug("Skipping %s: previous evaluation still running", u.cfg.ID())
			continue
		}
		u.inflight = true
		due = append(due, u)
	}

	s.cycle++
	checkpointDue := s.cycle%s.cfg.CheckpointInterval == 0
	s.mu.Unlock()

	for _, u := range due {
		s.wg.Add(1)
		go s.evaluate(ctx, u)
	}

	if checkpointDue {
		s.Checkpoint()
	}
}

// syncUnitsLocked reconciles units with the snapshot: new series get fresh
// or restored state, changed definitions are re-applied between their
// evaluations, and removed series are dropped.
func (s *Scheduler) syncUnitsLocked(snap *registry.Snapshot, now time.Time) {
	for _, cfg := range snap.Series {
		id := cfg.ID()
		u, ok := s.units[id]
		if !ok {
			nu := &unit{
				cfg:     cfg,
				det:     detector.New(cfg),
				model:   models.NewBaselineModel(id),
				inc:     incident.New(cfg),
				nextDue: now,
			}
			if m, ok := s.restoredModels[id]; ok {
				nu.model = m
				delete(s.restoredModels, id)
			}
			if ms, ok := s.restoredMachines[id]; ok {
				nu.inc = incident.Restore(cfg, ms)
				delete(s.restoredMachines, id)
			}
			s.units[id] = nu
			logger.Info("Watching series %s (interval=%v, window=%v)", id, cfg.Interval, cfg.Window)
			continue
		}
		if u.inflight || reflect.DeepEqual(u.cfg, cfg) {
			continue
		}
		u.cfg = cfg
		u.det = detector.New(cfg)
		u.inc = incident.Restore(cfg, u.inc.Snapshot())
		logger.Info("Series %s definition updated", id)
	}
	for id, u := range s.units {
		if _, ok := snap.Lookup(id); !ok && !u.inflight {
			delete(s.units, id)
			logger.Info("Series %s removed from registry", id)
		}
	}
}

// evaluate runs one unit of work: fetch, score, transition, commit. A
// failure anywhere before commit leaves the series' state exactly as it
// was; a gap in fetched data is "no new information".
func (s *Scheduler) evaluate(ctx context.Context, u *unit) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.clearInflight(u)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	id := u.cfg.ID()
	to := s.now()
	from := to.Add(-u.cfg.Window)

	samples, err := s.fetcher.FetchRange(ctx, u.cfg, from, to)
	if err != nil {
		kind := "error"
		var fe *models.FetchError
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		metrics.FetchFailuresTotal.WithLabelValues(id, kind).Inc()
		metrics.EvaluationsTotal.WithLabelValues(id, "fetch_error").Inc()
		logger.Warn("Fetch failed for %s (%s): %v", id, kind, err)
		s.clearInflight(u)
		return
	}

	// Work on copies; commit only after the whole batch is accepted.
	model := u.model.Clone()
	mgr := incident.Restore(u.cfg, u.inc.Snapshot())

	fresh := samples
	for len(fresh) > 0 && !model.LastTimestamp.IsZero() && !fresh[0].Timestamp.After(model.LastTimestamp) {
		fresh = fresh[1:]
	}
	if len(fresh) == 0 {
		metrics.EvaluationsTotal.WithLabelValues(id, "no_data").Inc()
		logger.Debug("No new samples for %s", id)
		s.clearInflight(u)
		return
	}

	scores, err := u.det.Evaluate(model, fresh)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues(id, "bad_batch").Inc()
		logger.Warn("Rejected sample batch for %s: %v", id, err)
		s.clearInflight(u)
		return
	}

	var events []models.NotificationEvent
	for _, sc := range scores {
		logger.Debug("Evaluated %s @ %s: value=%.2f expected=%.2f deviation=%.1fσ verdict=%s",
			id, sc.Timestamp.Format(time.RFC3339), sc.Value, sc.Expected, sc.Deviation, sc.Verdict)
		events = append(events, mgr.Observe(sc)...)
	}

	last := scores[len(scores)-1]
	metrics.EvaluationsTotal.WithLabelValues(id, string(last.Verdict)).Inc()

	s.mu.Lock()
	u.model = model
	u.inc = mgr
	open := 0
	for _, other := range s.units {
		if other.inc.Active() != nil {
			open++
		}
	}
	s.mu.Unlock()
	metrics.OpenIncidents.Set(float64(open))

	// Persist and hand off transitions. The dispatcher handoff is the
	// at-least-once boundary; persistence failures are logged, not fatal.
	if inc := mgr.Active(); inc != nil {
		if err := s.store.UpsertIncident(*inc); err != nil {
			logger.Warn("Failed to persist incident for %s: %v", id, err)
		}
	}
	if inc := mgr.TakeResolved(); inc != nil {
		if err := s.store.UpsertIncident(*inc); err != nil {
			logger.Warn("Failed to persist resolved incident for %s: %v", id, err)
		}
		if _, err := s.store.PurgeResolved(id, s.now().Add(-u.cfg.Retention)); err != nil {
			logger.Warn("Failed to purge archived incidents for %s: %v", id, err)
		}
	}
	for _, ev := range events {
		if err := s.store.AddNotification(ev); err != nil {
			logger.Warn("Failed to persist notification %s for %s: %v", ev.ID, id, err)
		}
		s.dispatcher.Dispatch(ev)
	}

	metrics.EvaluationDurationSeconds.Observe(time.Since(start).Seconds())

	// The unit stays marked in flight until its events are handed off, so
	// the next evaluation of this series cannot enqueue ahead of them.
	s.clearInflight(u)
}

func (s *Scheduler) clearInflight(u *unit) {
	s.mu.Lock()
	u.inflight = false
	s.mu.Unlock()
}

// Checkpoint persists every idle series' baseline and incident machine and
// enforces the archive retention. In-flight units are skipped; they are
// checkpointed on a later cycle.
func (s *Scheduler) Checkpoint() {
	now := s.now()

	s.mu.Lock()
	type entry struct {
		model     *models.BaselineModel
		snap      incident.Snapshot
		retention time.Duration
	}
	var entries []entry
	for _, u := range s.units {
		if u.inflight {
			continue
		}
		entries = append(entries, entry{model: u.model, snap: u.inc.Snapshot(), retention: u.cfg.Retention})
	}
	s.mu.Unlock()

	for _, e := range entries {
		if err := s.store.SaveBaseline(e.model); err != nil {
			logger.Warn("Failed to checkpoint baseline for %s: %v", e.model.SeriesID, err)
		}
		if err := s.store.SaveMachine(e.snap); err != nil {
			logger.Warn("Failed to checkpoint incident machine for %s: %v", e.snap.SeriesID, err)
		}
		if _, err := s.store.PurgeResolved(e.snap.SeriesID, now.Add(-e.retention)); err != nil {
			logger.Warn("Failed to purge archived incidents for %s: %v", e.snap.SeriesID, err)
		}
	}
}

// drain waits for in-flight evaluations up to the shutdown grace period.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if s.cfg.ShutdownGrace <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		logger.Warn("Shutdown grace period elapsed with evaluations still in flight")
	}
}
