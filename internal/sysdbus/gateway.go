package sysdbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

const (
	systemdDest  = "org.freedesktop.systemd1"
	managerPath  = godbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface = "org.freedesktop.systemd1.Manager"

	propsIface          = "org.freedesktop.DBus.Properties"
	propsChangedMember  = "PropertiesChanged"
	propsChangedSignal  = propsIface + "." + propsChangedMember
	noSuchUnitError     = "org.freedesktop.systemd1.NoSuchUnit"
	fileNotFoundError   = "org.freedesktop.DBus.Error.FileNotFound"
	invalidArgsError    = "org.freedesktop.DBus.Error.InvalidArgs"
	unitModeReplace     = "replace"
)

// Gateway is the thin adapter over the local bus. Every method maps 1:1 to
// one bus call or signal subscription; it caches nothing and never retries.
type Gateway struct {
	conn *godbus.Conn // object access + signal delivery
	mgr  *sd.Conn     // manager lifecycle and unit-file operations
	log  logger.Logger

	signals chan *godbus.Signal

	mu       sync.RWMutex
	watchers map[godbus.ObjectPath]func(domain.PropertyDelta)
}

func newGateway(conn *godbus.Conn, mgr *sd.Conn, log logger.Logger) *Gateway {
	g := &Gateway{
		conn:     conn,
		mgr:      mgr,
		log:      log,
		signals:  make(chan *godbus.Signal, 64),
		watchers: make(map[godbus.ObjectPath]func(domain.PropertyDelta)),
	}
	g.conn.Signal(g.signals)
	return g
}

// Close tears down both bus connections.
func (g *Gateway) Close() {
	g.conn.Close()
	g.mgr.Close()
}

// SubscribeLifecycleEvents issues the manager-level Subscribe call. Without
// it systemd does not emit unit signals at all, so this must complete before
// any per-unit subscription is registered.
func (g *Gateway) SubscribeLifecycleEvents() error {
	if err := g.mgr.Subscribe(); err != nil {
		return busErr("subscribe", err)
	}
	return nil
}

// LoadUnit resolves a unit name to its object path, loading the unit into
// the manager if necessary. This works for units that are not currently
// loaded, unlike computing the path client-side.
func (g *Gateway) LoadUnit(ctx context.Context, name string) (godbus.ObjectPath, error) {
	var path godbus.ObjectPath
	obj := g.conn.Object(systemdDest, managerPath)
	err := obj.CallWithContext(ctx, managerIface+".LoadUnit", 0, name).Store(&path)
	if err != nil {
		return "", fmt.Errorf("%w: load unit %q: %w", domain.ErrServiceUnavailable, name, err)
	}
	return path, nil
}

// GetAllProperties fetches the full property set of the unit object in one
// round trip. The empty interface string asks for properties across all of
// the object's interfaces.
func (g *Gateway) GetAllProperties(ctx context.Context, path godbus.ObjectPath) (domain.PropertyMap, error) {
	var raw map[string]godbus.Variant
	obj := g.conn.Object(systemdDest, path)
	err := obj.CallWithContext(ctx, propsIface+".GetAll", 0, "").Store(&raw)
	if err != nil {
		return nil, busErr(fmt.Sprintf("get properties of %s", path), err)
	}
	return decodeVariants(raw), nil
}

// SubscribeChanges registers fn to be called with the property delta of
// every PropertiesChanged signal emitted by the unit object at path.
// Deliveries run on the gateway's signal pump; Run must be active.
func (g *Gateway) SubscribeChanges(path godbus.ObjectPath, fn func(domain.PropertyDelta)) error {
	err := g.conn.AddMatchSignal(
		godbus.WithMatchSender(systemdDest),
		godbus.WithMatchObjectPath(path),
		godbus.WithMatchInterface(propsIface),
		godbus.WithMatchMember(propsChangedMember),
	)
	if err != nil {
		return busErr(fmt.Sprintf("match signals of %s", path), err)
	}

	g.mu.Lock()
	g.watchers[path] = fn
	g.mu.Unlock()
	return nil
}

// Run consumes the signal channel and routes each PropertiesChanged to the
// watcher registered for its object path. Blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-g.signals:
			if !ok {
				return
			}
			g.dispatch(sig)
		}
	}
}

func (g *Gateway) dispatch(sig *godbus.Signal) {
	if sig.Name != propsChangedSignal {
		return
	}

	g.mu.RLock()
	fn := g.watchers[sig.Path]
	g.mu.RUnlock()
	if fn == nil {
		return
	}

	delta, ok := changedProperties(sig)
	if !ok {
		g.log.Warn("malformed PropertiesChanged signal",
			logger.String("path", string(sig.Path)))
		return
	}
	if len(delta) == 0 {
		return
	}
	fn(delta)
}

// changedProperties extracts the changed-property map from a
// PropertiesChanged body: (interface s, changed a{sv}, invalidated as).
func changedProperties(sig *godbus.Signal) (domain.PropertyDelta, bool) {
	if len(sig.Body) < 2 {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]godbus.Variant)
	if !ok {
		return nil, false
	}
	return domain.PropertyDelta(decodeVariants(changed)), true
}

// StartUnit queues a start job with replace semantics and returns the job id.
func (g *Gateway) StartUnit(ctx context.Context, name string) (int, error) {
	job, err := g.mgr.StartUnitContext(ctx, name, unitModeReplace, nil)
	if err != nil {
		return 0, busErr(fmt.Sprintf("start %s", name), err)
	}
	return job, nil
}

// StopUnit queues a stop job with replace semantics and returns the job id.
func (g *Gateway) StopUnit(ctx context.Context, name string) (int, error) {
	job, err := g.mgr.StopUnitContext(ctx, name, unitModeReplace, nil)
	if err != nil {
		return 0, busErr(fmt.Sprintf("stop %s", name), err)
	}
	return job, nil
}

// EnableUnit enables the unit file persistently and then reloads the manager
// so its view of on-disk state is current before we reply.
func (g *Gateway) EnableUnit(ctx context.Context, name string) (domain.EnableResult, error) {
	install, changes, err := g.mgr.EnableUnitFilesContext(ctx, []string{name}, false, true)
	if err != nil {
		if isNameRejected(err) {
			return domain.EnableResult{}, fmt.Errorf("%w: %q: %w", domain.ErrInvalidUnitName, name, err)
		}
		return domain.EnableResult{}, busErr(fmt.Sprintf("enable %s", name), err)
	}

	if err := g.mgr.ReloadContext(ctx); err != nil {
		return domain.EnableResult{}, busErr("reload", err)
	}

	result := domain.EnableResult{CarriesInstallInfo: install}
	for _, c := range changes {
		result.Changes = append(result.Changes, domain.UnitFileChange{
			Type:        c.Type,
			File:        c.Filename,
			Destination: c.Destination,
		})
	}
	return result, nil
}

// DisableUnit disables the unit file persistently, followed by the same
// unconditional manager reload.
func (g *Gateway) DisableUnit(ctx context.Context, name string) ([]domain.UnitFileChange, error) {
	changes, err := g.mgr.DisableUnitFilesContext(ctx, []string{name}, false)
	if err != nil {
		return nil, busErr(fmt.Sprintf("disable %s", name), err)
	}

	if err := g.mgr.ReloadContext(ctx); err != nil {
		return nil, busErr("reload", err)
	}

	out := make([]domain.UnitFileChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, domain.UnitFileChange{
			Type:        c.Type,
			File:        c.Filename,
			Destination: c.Destination,
		})
	}
	return out, nil
}

func busErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrBusCallFailed, op, err)
}

// isNameRejected reports whether the manager refused the unit name itself,
// as opposed to failing the operation for transport or internal reasons.
func isNameRejected(err error) bool {
	var dbErr godbus.Error
	if !errors.As(err, &dbErr) {
		return false
	}
	switch dbErr.Name {
	case noSuchUnitError, fileNotFoundError, invalidArgsError:
		return true
	}
	return false
}

func decodeVariants(raw map[string]godbus.Variant) domain.PropertyMap {
	props := make(domain.PropertyMap, len(raw))
	for name, variant := range raw {
		props[name] = variant.Value()
	}
	return props
}
