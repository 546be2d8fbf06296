package bridge

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
	"github.com/unitbridge/unitbridge/internal/mirror"
)

// Gateway is everything the bridge needs from the local bus adapter.
type Gateway interface {
	mirror.Fetcher

	SubscribeLifecycleEvents() error
	SubscribeChanges(path dbus.ObjectPath, fn func(domain.PropertyDelta)) error
	StartUnit(ctx context.Context, name string) (int, error)
	StopUnit(ctx context.Context, name string) (int, error)
	EnableUnit(ctx context.Context, name string) (domain.EnableResult, error)
	DisableUnit(ctx context.Context, name string) ([]domain.UnitFileChange, error)
}

// Sink receives the flattened last-known view of a unit whenever it changes.
// Writes are best effort; a sink failure never affects bridge behavior.
type Sink interface {
	SaveSnapshot(ctx context.Context, key domain.UnitKey, snap domain.Snapshot) error
}

// Bridge is the synchronization core: it owns the mirror, drives initial
// population, routes change signals into mirror updates and outbound
// notifications, and serves the remotely callable operations.
type Bridge struct {
	catalog  domain.Catalog
	gw       Gateway
	mirror   *mirror.Mirror
	notifier *Notifier
	sink     Sink // nil when no sink is configured
	log      logger.Logger
}

// New wires a bridge. sink may be nil.
func New(catalog domain.Catalog, gw Gateway, m *mirror.Mirror, n *Notifier, sink Sink, log logger.Logger) *Bridge {
	return &Bridge{
		catalog:  catalog,
		gw:       gw,
		mirror:   m,
		notifier: n,
		sink:     sink,
		log:      log,
	}
}

// Start runs the startup sequence, strictly in order: manager-level signal
// subscription, full mirror population, one change subscription per resolved
// unit. A single unit failing to populate is tolerated (logged, its
// subscription skipped); everything else is fatal because the bridge cannot
// serve correctly without an active mirror and subscriptions.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.gw.SubscribeLifecycleEvents(); err != nil {
		return fmt.Errorf("subscribe to lifecycle events: %w", err)
	}

	keys := b.catalog.Keys()
	failed := b.mirror.Populate(ctx, b.catalog, keys, b.gw)
	if len(failed) == len(keys) {
		return fmt.Errorf("population failed for all %d units", len(keys))
	}

	for key, snap := range b.mirror.Snapshot() {
		b.saveSnapshot(ctx, key, snap)
	}

	for _, key := range keys {
		if _, ok := failed[key]; ok {
			continue
		}
		path, ok := b.mirror.Handle(key)
		if !ok {
			continue
		}

		if err := b.gw.SubscribeChanges(path, func(delta domain.PropertyDelta) {
			b.onChange(key, delta)
		}); err != nil {
			return fmt.Errorf("subscribe to changes of %q: %w", key, err)
		}

		b.log.Debug("watching unit",
			logger.String("key", string(key)),
			logger.String("path", string(path)))
	}

	b.log.Info("bridge started",
		logger.Int("tracked", len(keys)),
		logger.Int("failed", len(failed)))
	return nil
}

// onChange is the per-signal path: apply the delta to the mirror, then hand
// it to the notifier. A delta for a key without a snapshot means the signal
// raced population; it is logged and dropped, nothing is published.
func (b *Bridge) onChange(key domain.UnitKey, delta domain.PropertyDelta) {
	snap, err := b.mirror.ApplyDelta(key, delta)
	if err != nil {
		b.log.Warn("dropping change signal for unpopulated unit",
			logger.String("key", string(key)),
			logger.Error(err))
		return
	}

	b.saveSnapshot(context.Background(), key, snap)
	b.notifier.Notify(key, delta)
}

// Attach marks the session live. Called by the RPC endpoint once procedures
// are registered.
func (b *Bridge) Attach(p Publisher) {
	b.notifier.Attach(p)
}

// Detach clears the session. reason is informational only.
func (b *Bridge) Detach(reason string) {
	b.notifier.Detach()
	b.log.Info("session detached", logger.String("reason", reason))
}

// Attached reports whether an RPC session is currently live.
func (b *Bridge) Attached() bool {
	return b.notifier.Attached()
}

// ListUnits re-populates every tracked unit and returns the typed snapshot
// per key. The fresh fetch is intentional: callers get current truth at the
// cost of a bus round trip per unit.
func (b *Bridge) ListUnits(ctx context.Context) (map[domain.UnitKey]domain.Snapshot, error) {
	keys := b.catalog.Keys()
	failed := b.mirror.Populate(ctx, b.catalog, keys, b.gw)
	if len(failed) == len(keys) {
		return nil, fmt.Errorf("%w: refresh failed for all units", domain.ErrBusCallFailed)
	}

	snaps := b.mirror.Snapshot()
	for key, snap := range snaps {
		b.saveSnapshot(ctx, key, snap)
	}
	return snaps, nil
}

// Query re-fetches properties for exactly the requested keys (all tracked
// keys when none are given) and returns the full property map per key. Keys
// that are unknown or failed to fetch are silently omitted, never errors.
func (b *Bridge) Query(ctx context.Context, keys ...domain.UnitKey) map[domain.UnitKey]domain.PropertyMap {
	if len(keys) == 0 {
		keys = b.catalog.Keys()
	}

	known := keys[:0:0]
	for _, key := range keys {
		if _, err := b.catalog.Resolve(key); err == nil {
			known = append(known, key)
		}
	}
	if len(known) == 0 {
		return map[domain.UnitKey]domain.PropertyMap{}
	}

	b.mirror.Populate(ctx, b.catalog, known, b.gw)
	return b.mirror.Properties(known...)
}

// StartUnit queues a start job for the unit behind key and returns the
// manager's job id verbatim.
func (b *Bridge) StartUnit(ctx context.Context, key domain.UnitKey) (int, error) {
	name, err := b.catalog.Resolve(key)
	if err != nil {
		return 0, err
	}
	return b.gw.StartUnit(ctx, name)
}

// StopUnit queues a stop job for the unit behind key.
func (b *Bridge) StopUnit(ctx context.Context, key domain.UnitKey) (int, error) {
	name, err := b.catalog.Resolve(key)
	if err != nil {
		return 0, err
	}
	return b.gw.StopUnit(ctx, name)
}

// Enable enables the unit file behind key, reload included.
func (b *Bridge) Enable(ctx context.Context, key domain.UnitKey) (domain.EnableResult, error) {
	name, err := b.catalog.Resolve(key)
	if err != nil {
		return domain.EnableResult{}, err
	}
	return b.gw.EnableUnit(ctx, name)
}

// Disable disables the unit file behind key, reload included.
func (b *Bridge) Disable(ctx context.Context, key domain.UnitKey) ([]domain.UnitFileChange, error) {
	name, err := b.catalog.Resolve(key)
	if err != nil {
		return nil, err
	}
	return b.gw.DisableUnit(ctx, name)
}

// Mirror exposes the read-only view used by the HTTP introspection routes.
func (b *Bridge) Mirror() *mirror.Mirror {
	return b.mirror
}

func (b *Bridge) saveSnapshot(ctx context.Context, key domain.UnitKey, snap domain.Snapshot) {
	if b.sink == nil {
		return
	}
	if err := b.sink.SaveSnapshot(ctx, key, snap); err != nil {
		b.log.Warn("failed to save snapshot to sink",
			logger.String("key", string(key)),
			logger.Error(err))
	}
}
