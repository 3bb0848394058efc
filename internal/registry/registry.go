// Package registry holds the configured set of watched series as an
// immutable snapshot that is swapped atomically on reload.
package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/models"
)

// Loader produces the raw series definitions from the configuration source.
type Loader func() ([]models.SeriesConfig, error)

// Snapshot is one immutable, validated view of the series set. In-flight
// evaluation cycles keep using the snapshot they started with.
type Snapshot struct {
	Series   []models.SeriesConfig
	LoadedAt time.Time

	byID map[string]models.SeriesConfig
}

// Lookup returns the config for a series identity.
func (s *Snapshot) Lookup(id string) (models.SeriesConfig, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Registry provides atomic access to the current snapshot.
type Registry struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
}

// New builds a registry from the loader. Malformed entries are rejected
// individually; having no valid series at all is fatal so the process
// refuses to start instead of running as a no-op.
func New(loader Loader) (*Registry, error) {
	r := &Registry{loader: loader}
	snap, errs, err := r.build()
	if err != nil {
		return nil, err
	}
	logRejected(errs)
	if len(snap.Series) == 0 {
		return nil, fmt.Errorf("registry: no valid series configured (%d rejected)", len(errs))
	}
	r.current.Store(snap)
	return r, nil
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload rebuilds the snapshot from the source and swaps it in atomically.
// The next scheduler cycle picks it up. If the reload produces no valid
// series the previous snapshot is kept and an error is returned.
func (r *Registry) Reload() error {
	snap, errs, err := r.build()
	if err != nil {
		return fmt.Errorf("registry reload: %w", err)
	}
	logRejected(errs)
	if len(snap.Series) == 0 {
		return fmt.Errorf("registry reload: no valid series (%d rejected), keeping previous snapshot", len(errs))
	}
	r.current.Store(snap)
	logger.Info("Registry reloaded: %d series (%d rejected)", len(snap.Series), len(errs))
	return nil
}

func (r *Registry) build() (*Snapshot, []error, error) {
	entries, err := r.loader()
	if err != nil {
		return nil, nil, err
	}

	snap := &Snapshot{
		LoadedAt: time.Now(),
		byID:     make(map[string]models.SeriesConfig, len(entries)),
	}
	var errs []error
	for _, c := range entries {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		id := c.ID()
		if _, dup := snap.byID[id]; dup {
			errs = append(errs, &models.ConfigError{Series: id, Reason: "duplicate series identity"})
			continue
		}
		snap.byID[id] = c
		snap.Series = append(snap.Series, c)
	}
	return snap, errs, nil
}

func logRejected(errs []error) {
	for _, err := range errs {
		logger.Warn("Rejected series definition: %v", err)
	}
}
