package mirror

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Fetcher is the slice of the bus gateway the mirror needs to populate
// itself: resolve a unit name to an object path, fetch its properties.
type Fetcher interface {
	LoadUnit(ctx context.Context, name string) (dbus.ObjectPath, error)
	GetAllProperties(ctx context.Context, path dbus.ObjectPath) (domain.PropertyMap, error)
}

// Mirror is the in-memory authoritative view of every tracked unit: the
// resolved object path, the typed snapshot, and the full property map.
//
// Each key has its own entry with its own mutex, held across the whole
// resolve-fetch-store sequence and across delta application. That is what
// keeps a property fetch from clobbering a newer value a signal already
// applied (and vice versa). Different keys never block each other.
type Mirror struct {
	mu      sync.RWMutex
	entries map[domain.UnitKey]*entry
	limit   int
	log     logger.Logger
}

type entry struct {
	mu    sync.Mutex
	name  string
	path  dbus.ObjectPath
	snap  domain.Snapshot
	props domain.PropertyMap
	ready bool
}

// New creates an empty mirror. limit bounds concurrent per-key fetches
// during Populate.
func New(log logger.Logger, limit int) *Mirror {
	if limit <= 0 {
		limit = 1
	}
	return &Mirror{
		entries: make(map[domain.UnitKey]*entry),
		limit:   limit,
		log:     log,
	}
}

// Populate resolves and fetches every given key concurrently. Object paths
// are resolved once and cached; property sets are fetched fresh and replace
// whatever the entry held. A failure on one key never aborts the others;
// the returned map carries the per-key failures (empty on full success).
//
// Keys absent from the catalog fail with ErrUnknownUnitKey; they are a
// configuration error, not a bus fault.
func (m *Mirror) Populate(ctx context.Context, catalog domain.Catalog, keys []domain.UnitKey, f Fetcher) map[domain.UnitKey]error {
	failed := make(map[domain.UnitKey]error)
	var failedMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)

	for _, key := range keys {
		key := key
		name, err := catalog.Resolve(key)
		if err != nil {
			failedMu.Lock()
			failed[key] = err
			failedMu.Unlock()
			continue
		}

		ent := m.entry(key, name)
		g.Go(func() error {
			if err := ent.populate(ctx, f); err != nil {
				m.log.Warn("failed to populate unit",
					logger.String("key", string(key)),
					logger.String("unit", name),
					logger.Error(err))
				failedMu.Lock()
				failed[key] = err
				failedMu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return failed
}

// entry returns the entry for key, creating it on first use.
func (m *Mirror) entry(key domain.UnitKey, name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.entries[key]
	if !ok {
		ent = &entry{name: name}
		m.entries[key] = ent
	}
	return ent
}

// populate runs the serialized resolve-fetch-store sequence for one entry.
func (e *entry) populate(ctx context.Context, f Fetcher) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.path == "" {
		path, err := f.LoadUnit(ctx, e.name)
		if err != nil {
			return err
		}
		e.path = path
	}

	props, err := f.GetAllProperties(ctx, e.path)
	if err != nil {
		return err
	}

	e.props = props
	e.snap = domain.NewSnapshot(e.name, props)
	e.ready = true
	return nil
}

// ApplyDelta merges a property delta into the entry for key and returns the
// updated snapshot. A delta for a key that has no snapshot yet (signal
// raced population) fails with ErrUnknownUnitKey; the caller logs and drops.
func (m *Mirror) ApplyDelta(key domain.UnitKey, delta domain.PropertyDelta) (domain.Snapshot, error) {
	m.mu.RLock()
	ent, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return domain.Snapshot{}, domain.ErrUnknownUnitKey
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.ready {
		return domain.Snapshot{}, domain.ErrUnknownUnitKey
	}

	for name, value := range delta {
		ent.props[name] = value
	}
	ent.snap.Apply(delta)
	return ent.snap, nil
}

// Handle returns the resolved object path for key.
func (m *Mirror) Handle(key domain.UnitKey) (dbus.ObjectPath, bool) {
	m.mu.RLock()
	ent, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.path == "" {
		return "", false
	}
	return ent.path, true
}

// Snapshot returns the typed view for the given keys, or every tracked unit
// when no keys are given. Keys without a snapshot are omitted.
func (m *Mirror) Snapshot(keys ...domain.UnitKey) map[domain.UnitKey]domain.Snapshot {
	out := make(map[domain.UnitKey]domain.Snapshot)
	for key, ent := range m.selected(keys) {
		ent.mu.Lock()
		if ent.ready {
			out[key] = ent.snap
		}
		ent.mu.Unlock()
	}
	return out
}

// Properties returns a copy of the full property map for the given keys, or
// every tracked unit when no keys are given. Keys without a snapshot are
// omitted.
func (m *Mirror) Properties(keys ...domain.UnitKey) map[domain.UnitKey]domain.PropertyMap {
	out := make(map[domain.UnitKey]domain.PropertyMap)
	for key, ent := range m.selected(keys) {
		ent.mu.Lock()
		if ent.ready {
			props := make(domain.PropertyMap, len(ent.props))
			for name, value := range ent.props {
				props[name] = value
			}
			out[key] = props
		}
		ent.mu.Unlock()
	}
	return out
}

// Count returns the number of units with a populated snapshot.
func (m *Mirror) Count() int {
	n := 0
	for _, ent := range m.selected(nil) {
		ent.mu.Lock()
		if ent.ready {
			n++
		}
		ent.mu.Unlock()
	}
	return n
}

func (m *Mirror) selected(keys []domain.UnitKey) map[domain.UnitKey]*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[domain.UnitKey]*entry)
	if len(keys) == 0 {
		for key, ent := range m.entries {
			out[key] = ent
		}
		return out
	}
	for _, key := range keys {
		if ent, ok := m.entries[key]; ok {
			out[key] = ent
		}
	}
	return out
}
