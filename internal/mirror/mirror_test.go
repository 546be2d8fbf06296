package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// fakeFetcher serves canned properties per unit name and records call counts.
type fakeFetcher struct {
	mu        sync.Mutex
	props     map[string]domain.PropertyMap
	failLoad  map[string]error
	failFetch map[string]error
	loadCalls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		props:     make(map[string]domain.PropertyMap),
		failLoad:  make(map[string]error),
		failFetch: make(map[string]error),
		loadCalls: make(map[string]int),
	}
}

func (f *fakeFetcher) LoadUnit(ctx context.Context, name string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls[name]++
	if err := f.failLoad[name]; err != nil {
		return "", err
	}
	return dbus.ObjectPath("/org/freedesktop/systemd1/unit/" + name), nil
}

func (f *fakeFetcher) GetAllProperties(ctx context.Context, path dbus.ObjectPath) (domain.PropertyMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, props := range f.props {
		if dbus.ObjectPath("/org/freedesktop/systemd1/unit/"+name) == path {
			if err := f.failFetch[name]; err != nil {
				return nil, err
			}
			out := make(domain.PropertyMap, len(props))
			for k, v := range props {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("no unit at %s", path)
}

func testCatalog() domain.Catalog {
	return domain.NewCatalog(map[string]string{
		"web":   "nginx.service",
		"cache": "redis.service",
	})
}

func TestPopulate(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active", "SubState": "running"}
	f.props["redis.service"] = domain.PropertyMap{"ActiveState": "inactive", "SubState": "dead"}

	m := New(logger.New("error", false), 4)
	catalog := testCatalog()

	failed := m.Populate(context.Background(), catalog, catalog.Keys(), f)
	if len(failed) != 0 {
		t.Fatalf("Populate() failed = %v, want none", failed)
	}

	snaps := m.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("Snapshot() returned %v units, want 2", len(snaps))
	}
	if snaps["web"].ActiveState != "active" {
		t.Errorf("web ActiveState = %v, want active", snaps["web"].ActiveState)
	}
	if snaps["web"].Name != "nginx.service" {
		t.Errorf("web Name = %v, want nginx.service", snaps["web"].Name)
	}
	if snaps["cache"].ActiveState != "inactive" {
		t.Errorf("cache ActiveState = %v, want inactive", snaps["cache"].ActiveState)
	}
}

func TestPopulatePartialFailure(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	f.failLoad["redis.service"] = errors.New("connection reset")

	m := New(logger.New("error", false), 4)
	catalog := testCatalog()

	failed := m.Populate(context.Background(), catalog, catalog.Keys(), f)
	if len(failed) != 1 {
		t.Fatalf("Populate() failed = %v, want exactly one failure", failed)
	}
	if _, ok := failed["cache"]; !ok {
		t.Errorf("Populate() failed = %v, want cache to have failed", failed)
	}

	// The healthy unit must still be populated.
	snaps := m.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("Snapshot() returned %v units, want 1", len(snaps))
	}
	if _, ok := snaps["web"]; !ok {
		t.Error("web should be populated despite cache failing")
	}
}

func TestPopulateUnknownKey(t *testing.T) {
	f := newFakeFetcher()
	m := New(logger.New("error", false), 4)

	failed := m.Populate(context.Background(), testCatalog(), []domain.UnitKey{"ghost"}, f)
	if err, ok := failed["ghost"]; !ok || !errors.Is(err, domain.ErrUnknownUnitKey) {
		t.Errorf("Populate(ghost) failed = %v, want ErrUnknownUnitKey", failed)
	}
}

func TestPopulateResolvesPathOnce(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}

	m := New(logger.New("error", false), 1)
	catalog := testCatalog()
	keys := []domain.UnitKey{"web"}

	m.Populate(context.Background(), catalog, keys, f)
	m.Populate(context.Background(), catalog, keys, f)
	m.Populate(context.Background(), catalog, keys, f)

	if f.loadCalls["nginx.service"] != 1 {
		t.Errorf("LoadUnit called %v times, want 1 (path is cached)", f.loadCalls["nginx.service"])
	}
}

func TestApplyDelta(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active", "SubState": "running"}

	m := New(logger.New("error", false), 1)
	catalog := testCatalog()
	m.Populate(context.Background(), catalog, []domain.UnitKey{"web"}, f)

	snap, err := m.ApplyDelta("web", domain.PropertyDelta{"ActiveState": "deactivating", "SubState": "stop"})
	if err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if snap.ActiveState != "deactivating" {
		t.Errorf("ApplyDelta() ActiveState = %v, want deactivating", snap.ActiveState)
	}

	props := m.Properties("web")
	if props["web"]["ActiveState"] != "deactivating" {
		t.Errorf("Properties() ActiveState = %v, want deactivating", props["web"]["ActiveState"])
	}
	if props["web"]["SubState"] != "stop" {
		t.Errorf("Properties() SubState = %v, want stop", props["web"]["SubState"])
	}
}

func TestApplyDeltaUnpopulated(t *testing.T) {
	m := New(logger.New("error", false), 1)

	_, err := m.ApplyDelta("web", domain.PropertyDelta{"ActiveState": "active"})
	if !errors.Is(err, domain.ErrUnknownUnitKey) {
		t.Errorf("ApplyDelta() on unpopulated mirror error = %v, want ErrUnknownUnitKey", err)
	}
}

func TestPropertiesReturnsCopy(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}

	m := New(logger.New("error", false), 1)
	catalog := testCatalog()
	m.Populate(context.Background(), catalog, []domain.UnitKey{"web"}, f)

	first := m.Properties("web")
	first["web"]["ActiveState"] = "tampered"

	second := m.Properties("web")
	if second["web"]["ActiveState"] != "active" {
		t.Errorf("mutating a returned property map leaked into the mirror, got %v", second["web"]["ActiveState"])
	}
}

func TestCount(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}
	f.failLoad["redis.service"] = errors.New("boom")

	m := New(logger.New("error", false), 4)
	catalog := testCatalog()

	if m.Count() != 0 {
		t.Errorf("Count() on empty mirror = %v, want 0", m.Count())
	}

	m.Populate(context.Background(), catalog, catalog.Keys(), f)
	if m.Count() != 1 {
		t.Errorf("Count() = %v, want 1", m.Count())
	}
}

func TestConcurrentApplyAndRead(t *testing.T) {
	f := newFakeFetcher()
	f.props["nginx.service"] = domain.PropertyMap{"ActiveState": "active"}

	m := New(logger.New("error", false), 1)
	catalog := testCatalog()
	m.Populate(context.Background(), catalog, []domain.UnitKey{"web"}, f)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.ApplyDelta("web", domain.PropertyDelta{"ActiveState": "active"})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Properties("web")
			_ = m.Snapshot("web")
		}()
	}
	wg.Wait()

	if m.Count() != 1 {
		t.Errorf("Count() after concurrent access = %v, want 1", m.Count())
	}
}
