package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wideobs/widewatch/internal/incident"
	"github.com/wideobs/widewatch/internal/models"
	"github.com/wideobs/widewatch/internal/registry"
)

func series(name string) models.SeriesConfig {
	return models.SeriesConfig{
		Name:           name,
		Query:          "sum(rate(" + name + "[5m]))",
		Interval:       30 * time.Second,
		Window:         time.Hour,
		Sensitivity:    3.0,
		MinHistory:     1,
		Alpha:          0.5,
		OpenThreshold:  1,
		CloseThreshold: 1,
		Retention:      72 * time.Hour,
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string][]models.Sample
	errs    map[string]error
	block   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		results: make(map[string][]models.Sample),
		errs:    make(map[string]error),
	}
}

func (f *fakeFetcher) FetchRange(_ context.Context, s models.SeriesConfig, _, _ time.Time) ([]models.Sample, error) {
	f.mu.Lock()
	f.calls[s.ID()]++
	res := f.results[s.ID()]
	err := f.errs[s.ID()]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return res, err
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeStore struct {
	mu            sync.Mutex
	baselines     map[string]*models.BaselineModel
	machines      map[string]incident.Snapshot
	incidents     map[string]models.Incident
	notifications []models.NotificationEvent
	purged        map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		baselines: make(map[string]*models.BaselineModel),
		machines:  make(map[string]incident.Snapshot),
		incidents: make(map[string]models.Incident),
		purged:    make(map[string]int),
	}
}

func (s *fakeStore) SaveBaseline(m *models.BaselineModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[m.SeriesID] = m.Clone()
	return nil
}

func (s *fakeStore) SaveMachine(snap incident.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[snap.SeriesID] = snap
	return nil
}

func (s *fakeStore) UpsertIncident(inc models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc
	return nil
}

func (s *fakeStore) AddNotification(ev models.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, ev)
	return nil
}

func (s *fakeStore) PurgeResolved(seriesID string, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged[seriesID]++
	return 0, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.NotificationEvent
	block  chan struct{}
}

func (n *fakeNotifier) Dispatch(ev models.NotificationEvent) {
	n.mu.Lock()
	block := n.block
	n.mu.Unlock()
	if block != nil {
		<-block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) all() []models.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.NotificationEvent{}, n.events...)
}

func samplesAt(start time.Time, step time.Duration, values ...float64) []models.Sample {
	out := make([]models.Sample, len(values))
	for i, v := range values {
		out[i] = models.Sample{Timestamp: start.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func newTestScheduler(t *testing.T, fetcher *fakeFetcher, store *fakeStore, notifier *fakeNotifier, cfgs ...models.SeriesConfig) *Scheduler {
	t.Helper()
	reg, err := registry.New(func() ([]models.SeriesConfig, error) { return cfgs, nil })
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return New(reg, fetcher, store, notifier, Config{
		MaxWorkers:         4,
		ShutdownGrace:      time.Second,
		CheckpointInterval: 1000, // keep automatic checkpoints out of the way
	}, nil, nil)
}

func TestTickEvaluatesAndOpensIncident(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	s := newTestScheduler(t, fetcher, store, notifier, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// A flat baseline followed by a spike: the last sample breaches.
	fetcher.results[cfg.ID()] = samplesAt(now.Add(-time.Hour), time.Minute, 10, 10, 10, 10, 1000)

	s.tick(context.Background())
	s.wg.Wait()

	events := notifier.all()
	if len(events) != 1 {
		t.Fatalf("Expected one dispatched event, got %d", len(events))
	}
	if events[0].Kind != models.TransitionOpened {
		t.Errorf("Expected opened, got %s", events[0].Kind)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.notifications) != 1 {
		t.Errorf("Expected 1 persisted notification, got %d", len(store.notifications))
	}
	if len(store.incidents) != 1 {
		t.Errorf("Expected 1 persisted incident, got %d", len(store.incidents))
	}

	s.mu.Lock()
	u := s.units[cfg.ID()]
	s.mu.Unlock()
	if u.model.Count != 5 {
		t.Errorf("Expected model count 5, got %d", u.model.Count)
	}
	if u.inc.State() != incident.Firing {
		t.Errorf("Expected firing machine, got %s", u.inc.State())
	}
}

func TestSkipWhileEvaluationInFlight(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	fetcher.block = make(chan struct{})
	store := newFakeStore()
	s := newTestScheduler(t, fetcher, store, &fakeNotifier{}, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())

	// Wait for the fetch call to be in flight.
	deadline := time.After(2 * time.Second)
	for fetcher.callCount(cfg.ID()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Fetch never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The series comes due again while still running: no second fetch.
	now = now.Add(cfg.Interval + time.Second)
	s.tick(context.Background())
	if got := fetcher.callCount(cfg.ID()); got != 1 {
		t.Errorf("Expected 1 fetch while in flight, got %d", got)
	}

	close(fetcher.block)
	s.wg.Wait()

	// Once idle again, the next due tick evaluates normally.
	now = now.Add(cfg.Interval + time.Second)
	s.tick(context.Background())
	s.wg.Wait()
	if got := fetcher.callCount(cfg.ID()); got != 2 {
		t.Errorf("Expected 2 fetches after unblocking, got %d", got)
	}
}

func TestUnitStaysInFlightUntilDispatchFinishes(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{block: make(chan struct{})}
	s := newTestScheduler(t, fetcher, newFakeStore(), notifier, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// The spike opens an incident, so the evaluation blocks handing its
	// event to the notifier.
	fetcher.results[cfg.ID()] = samplesAt(now.Add(-time.Hour), time.Minute, 10, 10, 10, 1000)
	s.tick(context.Background())

	deadline := time.After(2 * time.Second)
	for fetcher.callCount(cfg.ID()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Evaluation never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(10 * time.Millisecond)

	// Due again while the previous unit is still dispatching: must skip, or
	// its events could enqueue ahead of the blocked ones.
	now = now.Add(cfg.Interval + time.Second)
	s.tick(context.Background())
	if got := fetcher.callCount(cfg.ID()); got != 1 {
		t.Errorf("Expected 1 fetch while dispatch in flight, got %d", got)
	}

	close(notifier.block)
	s.wg.Wait()

	s.mu.Lock()
	inflight := s.units[cfg.ID()].inflight
	s.mu.Unlock()
	if inflight {
		t.Error("Unit left marked in flight after dispatch finished")
	}
	if len(notifier.all()) != 1 {
		t.Errorf("Expected 1 dispatched event, got %d", len(notifier.all()))
	}
}

func TestNotDueSeriesIsNotEvaluated(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	s := newTestScheduler(t, fetcher, newFakeStore(), &fakeNotifier{}, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()

	// Half an interval later the series is not due.
	now = now.Add(cfg.Interval / 2)
	s.tick(context.Background())
	s.wg.Wait()
	if got := fetcher.callCount(cfg.ID()); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}
}

func TestFetchFailureIsolatedPerSeries(t *testing.T) {
	a := series("a")
	b := series("b")
	fetcher := newFakeFetcher()
	store := newFakeStore()
	s := newTestScheduler(t, fetcher, store, &fakeNotifier{}, a, b)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fetcher.errs[a.ID()] = &models.FetchError{Kind: models.FetchTimeout, Series: a.ID()}
	fetcher.results[b.ID()] = samplesAt(now.Add(-time.Hour), time.Minute, 10, 11)

	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	ua, ub := s.units[a.ID()], s.units[b.ID()]
	s.mu.Unlock()

	if ua.model.Count != 0 {
		t.Errorf("Failed series absorbed samples: count %d", ua.model.Count)
	}
	if ub.model.Count != 2 {
		t.Errorf("Healthy series not evaluated: count %d", ub.model.Count)
	}
}

func TestBadBatchLeavesModelUntouched(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	s := newTestScheduler(t, fetcher, newFakeStore(), &fakeNotifier{}, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fetcher.results[cfg.ID()] = samplesAt(now.Add(-time.Hour), time.Minute, 10, 11)
	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	before := s.units[cfg.ID()].model.Clone()
	s.mu.Unlock()

	// Non-monotonic batch on the next cycle.
	bad := []models.Sample{
		{Timestamp: now.Add(time.Minute), Value: 12},
		{Timestamp: now.Add(30 * time.Second), Value: 13},
	}
	fetcher.results[cfg.ID()] = bad
	now = now.Add(cfg.Interval + time.Second)
	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	after := s.units[cfg.ID()].model
	s.mu.Unlock()
	if !before.Equal(after) {
		t.Error("Model changed after rejected batch")
	}
}

func TestWatermarkFiltersOverlappingWindow(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	s := newTestScheduler(t, fetcher, newFakeStore(), &fakeNotifier{}, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	start := now.Add(-time.Hour)
	fetcher.results[cfg.ID()] = samplesAt(start, time.Minute, 10, 11, 12)
	s.tick(context.Background())
	s.wg.Wait()

	// The next window overlaps everything already absorbed plus one fresh
	// sample; only the fresh one may be folded in.
	fetcher.results[cfg.ID()] = samplesAt(start, time.Minute, 10, 11, 12, 13)
	now = now.Add(cfg.Interval + time.Second)
	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	u := s.units[cfg.ID()]
	s.mu.Unlock()
	if u.model.Count != 4 {
		t.Errorf("Expected count 4 after overlap filtering, got %d", u.model.Count)
	}
	if !u.model.LastTimestamp.Equal(start.Add(3 * time.Minute)) {
		t.Errorf("Unexpected watermark %v", u.model.LastTimestamp)
	}
}

func TestEmptyFetchIsNoData(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	notifier := &fakeNotifier{}
	s := newTestScheduler(t, fetcher, newFakeStore(), notifier, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	u := s.units[cfg.ID()]
	s.mu.Unlock()
	if u.model.Count != 0 {
		t.Errorf("Empty fetch changed the model: count %d", u.model.Count)
	}
	if len(notifier.all()) != 0 {
		t.Error("Empty fetch produced events")
	}
	if u.inflight {
		t.Error("Unit left marked in flight")
	}
}

func TestCheckpointPersistsIdleUnits(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	store := newFakeStore()
	s := newTestScheduler(t, fetcher, store, &fakeNotifier{}, cfg)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fetcher.results[cfg.ID()] = samplesAt(now.Add(-time.Hour), time.Minute, 10, 11)
	s.tick(context.Background())
	s.wg.Wait()

	s.Checkpoint()

	store.mu.Lock()
	defer store.mu.Unlock()
	m, ok := store.baselines[cfg.ID()]
	if !ok {
		t.Fatal("Baseline not checkpointed")
	}
	if m.Count != 2 {
		t.Errorf("Checkpointed stale baseline: count %d", m.Count)
	}
	if _, ok := store.machines[cfg.ID()]; !ok {
		t.Error("Incident machine not checkpointed")
	}
	if store.purged[cfg.ID()] == 0 {
		t.Error("Retention not enforced at checkpoint")
	}
}

func TestRestoredStateSeedsUnits(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	reg, err := registry.New(func() ([]models.SeriesConfig, error) { return []models.SeriesConfig{cfg}, nil })
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	restored := models.NewBaselineModel(cfg.ID())
	restored.Count = 10
	restored.Mean = 42
	machine := incident.Snapshot{SeriesID: cfg.ID(), State: incident.Pending, BreachStreak: 1, Peak: 4}

	s := New(reg, fetcher, newFakeStore(), &fakeNotifier{}, Config{MaxWorkers: 1, CheckpointInterval: 1000},
		map[string]*models.BaselineModel{cfg.ID(): restored},
		map[string]incident.Snapshot{cfg.ID(): machine},
	)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	u := s.units[cfg.ID()]
	s.mu.Unlock()
	if u.model.Count != 10 || u.model.Mean != 42 {
		t.Errorf("Baseline not restored: %+v", u.model)
	}
	if u.inc.State() != incident.Pending {
		t.Errorf("Machine not restored: %s", u.inc.State())
	}
}

func TestRegistryReloadAddsAndRemovesUnits(t *testing.T) {
	cfgs := []models.SeriesConfig{series("a")}
	var mu sync.Mutex
	reg, err := registry.New(func() ([]models.SeriesConfig, error) {
		mu.Lock()
		defer mu.Unlock()
		return cfgs, nil
	})
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	fetcher := newFakeFetcher()
	s := New(reg, fetcher, newFakeStore(), &fakeNotifier{}, Config{MaxWorkers: 1, CheckpointInterval: 1000}, nil, nil)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()
	if len(s.units) != 1 {
		t.Fatalf("Expected 1 unit, got %d", len(s.units))
	}

	mu.Lock()
	cfgs = []models.SeriesConfig{series("b")}
	mu.Unlock()
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	now = now.Add(time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	s.mu.Lock()
	_, hasA := s.units[series("a").ID()]
	_, hasB := s.units[series("b").ID()]
	s.mu.Unlock()
	if hasA {
		t.Error("Removed series still has a unit")
	}
	if !hasB {
		t.Error("Added series has no unit")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := series("s1")
	fetcher := newFakeFetcher()
	store := newFakeStore()
	s := newTestScheduler(t, fetcher, store, &fakeNotifier{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
