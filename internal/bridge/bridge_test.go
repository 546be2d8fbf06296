package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
	"github.com/unitbridge/unitbridge/internal/mirror"
)

// fakeGateway implements Gateway against canned unit data and records every
// call in order.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	props         map[string]domain.PropertyMap
	failLoad      map[string]error
	lifecycleErr  error
	subscribeErr  error
	watchers      map[dbus.ObjectPath]func(domain.PropertyDelta)
	startedUnits  []string
	stoppedUnits  []string
	enabledUnits  []string
	disabledUnits []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		props:    make(map[string]domain.PropertyMap),
		failLoad: make(map[string]error),
		watchers: make(map[dbus.ObjectPath]func(domain.PropertyDelta)),
	}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGateway) SubscribeLifecycleEvents() error {
	g.record("subscribe_lifecycle")
	return g.lifecycleErr
}

func (g *fakeGateway) LoadUnit(ctx context.Context, name string) (dbus.ObjectPath, error) {
	g.record("load:" + name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failLoad[name]; err != nil {
		return "", err
	}
	return dbus.ObjectPath("/unit/" + name), nil
}

func (g *fakeGateway) GetAllProperties(ctx context.Context, path dbus.ObjectPath) (domain.PropertyMap, error) {
	g.record("getall:" + string(path))
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, props := range g.props {
		if dbus.ObjectPath("/unit/"+name) == path {
			out := make(domain.PropertyMap, len(props))
			for k, v := range props {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, errors.New("no such object")
}

func (g *fakeGateway) SubscribeChanges(path dbus.ObjectPath, fn func(domain.PropertyDelta)) error {
	g.record("watch:" + string(path))
	if g.subscribeErr != nil {
		return g.subscribeErr
	}
	g.mu.Lock()
	g.watchers[path] = fn
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) StartUnit(ctx context.Context, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startedUnits = append(g.startedUnits, name)
	return 101, nil
}

func (g *fakeGateway) StopUnit(ctx context.Context, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppedUnits = append(g.stoppedUnits, name)
	return 102, nil
}

func (g *fakeGateway) EnableUnit(ctx context.Context, name string) (domain.EnableResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabledUnits = append(g.enabledUnits, name)
	return domain.EnableResult{
		CarriesInstallInfo: true,
		Changes: []domain.UnitFileChange{
			{Type: "symlink", File: "/etc/systemd/system/multi-user.target.wants/" + name, Destination: "/usr/lib/systemd/system/" + name},
		},
	}, nil
}

func (g *fakeGateway) DisableUnit(ctx context.Context, name string) ([]domain.UnitFileChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabledUnits = append(g.disabledUnits, name)
	return []domain.UnitFileChange{
		{Type: "unlink", File: "/etc/systemd/system/multi-user.target.wants/" + name},
	}, nil
}

// fakePublisher records published changes.
type fakePublisher struct {
	mu        sync.Mutex
	published []domain.UnitKey
	err       error
}

func (p *fakePublisher) PublishChange(key domain.UnitKey, delta domain.PropertyDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, key)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestBridge(gw *fakeGateway) *Bridge {
	log := logger.New("error", false)
	catalog := domain.NewCatalog(map[string]string{
		"web":   "nginx.service",
		"cache": "redis.service",
	})
	m := mirror.New(log, 1)
	return New(catalog, gw, m, NewNotifier(log), nil, log)
}

func TestStartSequence(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "active"}

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Lifecycle subscription must come before everything else, and per-unit
	// watches only after population.
	if gw.calls[0] != "subscribe_lifecycle" {
		t.Errorf("first call = %v, want subscribe_lifecycle", gw.calls[0])
	}
	firstWatch := -1
	lastGetAll := -1
	for i, call := range gw.calls {
		if firstWatch == -1 && len(call) > 5 && call[:6] == "watch:" {
			firstWatch = i
		}
		if len(call) > 6 && call[:7] == "getall:" {
			lastGetAll = i
		}
	}
	if firstWatch == -1 {
		t.Fatal("no change subscription was registered")
	}
	if lastGetAll > firstWatch {
		t.Errorf("property fetch at %d after first watch at %d, population must finish first", lastGetAll, firstWatch)
	}

	if len(gw.watchers) != 2 {
		t.Errorf("watchers = %v, want 2", len(gw.watchers))
	}
}

func TestStartSkipsFailedUnits(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.failLoad["redis.service"] = errors.New("connection reset")

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, partial population should be tolerated", err)
	}

	if len(gw.watchers) != 1 {
		t.Errorf("watchers = %v, want 1 (failed unit gets no subscription)", len(gw.watchers))
	}
	if _, ok := gw.watchers["/unit/nginx.service"]; !ok {
		t.Error("healthy unit should be watched")
	}
}

func TestStartAllUnitsFailed(t *testing.T) {
	gw := newFakeGateway()
	gw.failLoad["nginx.service"] = errors.New("boom")
	gw.failLoad["redis.service"] = errors.New("boom")

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when every unit fails to populate")
	}
}

func TestStartLifecycleSubscribeFails(t *testing.T) {
	gw := newFakeGateway()
	gw.lifecycleErr = errors.New("access denied")

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the lifecycle subscription fails")
	}
	for _, call := range gw.calls {
		if call != "subscribe_lifecycle" {
			t.Errorf("unexpected call %v after failed lifecycle subscription", call)
		}
	}
}

func TestChangeSignalPublishedWhileAttached(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "active"}

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pub := &fakePublisher{}
	b.Attach(pub)

	gw.watchers["/unit/nginx.service"](domain.PropertyDelta{"ActiveState": "inactive"})

	if pub.count() != 1 {
		t.Fatalf("published %v changes, want 1", pub.count())
	}

	// The mirror must reflect the change regardless of the session.
	snaps := b.Mirror().Snapshot("web")
	if snaps["web"].ActiveState != "inactive" {
		t.Errorf("mirror ActiveState = %v, want inactive", snaps["web"].ActiveState)
	}
}

func TestChangeSignalDroppedWhileDetached(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "active"}

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pub := &fakePublisher{}
	b.Attach(pub)
	b.Detach("test")

	gw.watchers["/unit/nginx.service"](domain.PropertyDelta{"ActiveState": "inactive"})

	if pub.count() != 0 {
		t.Errorf("published %v changes while detached, want 0", pub.count())
	}

	// Still applied to the mirror: state maintenance is independent of the session.
	snaps := b.Mirror().Snapshot("web")
	if snaps["web"].ActiveState != "inactive" {
		t.Errorf("mirror ActiveState = %v, want inactive", snaps["web"].ActiveState)
	}
}

func TestChangeSignalForUnpopulatedUnitDropped(t *testing.T) {
	gw := newFakeGateway()
	b := newTestBridge(gw)

	pub := &fakePublisher{}
	b.Attach(pub)

	// Signal racing population: nothing in the mirror yet.
	b.onChange("web", domain.PropertyDelta{"ActiveState": "active"})

	if pub.count() != 0 {
		t.Errorf("published %v changes for unpopulated unit, want 0", pub.count())
	}
}

func TestStartUnit(t *testing.T) {
	gw := newFakeGateway()
	b := newTestBridge(gw)

	job, err := b.StartUnit(context.Background(), "web")
	if err != nil {
		t.Fatalf("StartUnit() error = %v", err)
	}
	if job != 101 {
		t.Errorf("StartUnit() job = %v, want 101", job)
	}
	if len(gw.startedUnits) != 1 || gw.startedUnits[0] != "nginx.service" {
		t.Errorf("started units = %v, want [nginx.service]", gw.startedUnits)
	}
}

func TestOperationsRejectUnknownKey(t *testing.T) {
	gw := newFakeGateway()
	b := newTestBridge(gw)
	ctx := context.Background()

	ops := []struct {
		name string
		call func() error
	}{
		{"start", func() error { _, err := b.StartUnit(ctx, "ghost"); return err }},
		{"stop", func() error { _, err := b.StopUnit(ctx, "ghost"); return err }},
		{"enable", func() error { _, err := b.Enable(ctx, "ghost"); return err }},
		{"disable", func() error { _, err := b.Disable(ctx, "ghost"); return err }},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if err := op.call(); !errors.Is(err, domain.ErrUnknownUnitKey) {
				t.Errorf("%s(ghost) error = %v, want ErrUnknownUnitKey", op.name, err)
			}
		})
	}

	if len(gw.calls) != 0 {
		t.Errorf("unknown keys must never reach the bus, got calls %v", gw.calls)
	}
}

func TestEnableDisable(t *testing.T) {
	gw := newFakeGateway()
	b := newTestBridge(gw)
	ctx := context.Background()

	result, err := b.Enable(ctx, "cache")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !result.CarriesInstallInfo {
		t.Error("Enable() CarriesInstallInfo = false, want true")
	}
	if len(result.Changes) != 1 || result.Changes[0].Type != "symlink" {
		t.Errorf("Enable() changes = %v, want one symlink", result.Changes)
	}

	changes, err := b.Disable(ctx, "cache")
	if err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if len(changes) != 1 || changes[0].Type != "unlink" {
		t.Errorf("Disable() changes = %v, want one unlink", changes)
	}

	if gw.enabledUnits[0] != "redis.service" || gw.disabledUnits[0] != "redis.service" {
		t.Errorf("enable/disable resolved to %v/%v, want redis.service", gw.enabledUnits, gw.disabledUnits)
	}
}

func TestListUnitsRefetches(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "active"}

	b := newTestBridge(gw)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// State changes behind the bridge's back; a missed signal, effectively.
	gw.mu.Lock()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "failed"}
	gw.mu.Unlock()

	snaps, err := b.ListUnits(context.Background())
	if err != nil {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if snaps["web"].ActiveState != "failed" {
		t.Errorf("ListUnits() web ActiveState = %v, want failed (fresh fetch)", snaps["web"].ActiveState)
	}
}

func TestListUnitsAllFail(t *testing.T) {
	gw := newFakeGateway()
	gw.failLoad["nginx.service"] = errors.New("boom")
	gw.failLoad["redis.service"] = errors.New("boom")

	b := newTestBridge(gw)
	_, err := b.ListUnits(context.Background())
	if !errors.Is(err, domain.ErrBusCallFailed) {
		t.Errorf("ListUnits() error = %v, want ErrBusCallFailed", err)
	}
}

func TestQuery(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active", "MainPID": uint32(42)}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "inactive"}

	b := newTestBridge(gw)

	props := b.Query(context.Background(), "web")
	if len(props) != 1 {
		t.Fatalf("Query(web) returned %v units, want 1", len(props))
	}
	if props["web"]["MainPID"] != uint32(42) {
		t.Errorf("Query(web) MainPID = %v, want 42", props["web"]["MainPID"])
	}
}

func TestQueryNoArgsReturnsAll(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "inactive"}

	b := newTestBridge(gw)

	props := b.Query(context.Background())
	if len(props) != 2 {
		t.Errorf("Query() returned %v units, want 2", len(props))
	}
}

func TestQueryIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active", "SubState": "running"}
	gw.props["redis.service"] = domain.PropertyMap{"ActiveState": "inactive"}

	b := newTestBridge(gw)

	first := b.Query(context.Background())
	second := b.Query(context.Background())

	if len(first) != len(second) {
		t.Fatalf("back-to-back Query() sizes differ: %v vs %v", len(first), len(second))
	}
	for key, props := range first {
		for name, value := range props {
			if second[key][name] != value {
				t.Errorf("Query() not idempotent: %v.%v = %v then %v", key, name, value, second[key][name])
			}
		}
	}
}

func TestQueryUnknownKeysOnly(t *testing.T) {
	gw := newFakeGateway()
	b := newTestBridge(gw)

	props := b.Query(context.Background(), "ghost", "phantom")
	if len(props) != 0 {
		t.Errorf("Query(ghost, phantom) returned %v units, want 0", len(props))
	}
	if len(gw.calls) != 0 {
		t.Errorf("Query with only unknown keys must not hit the bus, got %v", gw.calls)
	}
}
