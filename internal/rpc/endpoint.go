package rpc

import (
	"context"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/unitbridge/unitbridge/internal/bridge"
	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Config holds the endpoint's connection settings.
type Config struct {
	URL             string // router transport URL, ex: "ws://127.0.0.1:8080/ws"
	Realm           string
	Prefix          string // URI prefix for procedures and topics
	RetryInterval   time.Duration
	MaxWait         time.Duration
	ResponseTimeout time.Duration
}

// Endpoint owns the WAMP session lifecycle: connect, register the bridge's
// procedures, mark the session attached, and on loss detach and reconnect
// with exponential backoff. Unit state maintenance is untouched by session
// churn; only outbound publications are gated on attachment.
type Endpoint struct {
	cfg    Config
	bridge *bridge.Bridge
	uris   URIs
	log    logger.Logger
}

// New creates an endpoint for the given bridge.
func New(cfg Config, b *bridge.Bridge, log logger.Logger) *Endpoint {
	return &Endpoint{
		cfg:    cfg,
		bridge: b,
		uris:   NewURIs(cfg.Prefix),
		log:    log,
	}
}

// Run drives the session loop until ctx is done. It never returns an error
// for a lost or unreachable router; it just keeps retrying.
func (e *Endpoint) Run(ctx context.Context) {
	wait := e.cfg.RetryInterval

	for {
		sess, err := e.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("wamp router unreachable, retrying",
				logger.String("url", e.cfg.URL),
				logger.Duration("next_retry_in", wait),
				logger.Error(err))
			if !sleep(ctx, wait) {
				return
			}
			wait *= 2
			if wait > e.cfg.MaxWait {
				wait = e.cfg.MaxWait
			}
			continue
		}
		wait = e.cfg.RetryInterval

		e.log.Info("connected to wamp router",
			logger.String("url", e.cfg.URL),
			logger.String("realm", e.cfg.Realm))

		if err := e.register(sess); err != nil {
			e.log.Error("failed to register procedures", logger.Error(err))
			_ = sess.Close()
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		e.bridge.Attach(&session{cl: sess, uris: e.uris})
		e.log.Info("session attached, procedures registered")

		select {
		case <-ctx.Done():
			e.bridge.Detach("shutting down")
			_ = sess.Close()
			return
		case <-sess.Done():
			e.bridge.Detach("router connection lost")
		}
	}
}

func (e *Endpoint) connect(ctx context.Context) (*client.Client, error) {
	return client.ConnectNet(ctx, e.cfg.URL, client.Config{
		Realm:           e.cfg.Realm,
		ResponseTimeout: e.cfg.ResponseTimeout,
		Logger:          e.log.Std(),
	})
}

func (e *Endpoint) register(sess *client.Client) error {
	handlers := []struct {
		name string
		fn   client.InvocationHandler
	}{
		{ProcListUnits, e.listUnits},
		{ProcQuery, e.query},
		{ProcStart, e.start},
		{ProcStop, e.stop},
		{ProcEnable, e.enable},
		{ProcDisable, e.disable},
	}

	for _, h := range handlers {
		if err := sess.Register(e.uris.Procedure(h.name), h.fn, nil); err != nil {
			return err
		}
		e.log.Debug("registered procedure",
			logger.String("uri", e.uris.Procedure(h.name)))
	}
	return nil
}

func (e *Endpoint) listUnits(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	snaps, err := e.bridge.ListUnits(ctx)
	if err != nil {
		return e.errResult(err)
	}

	out := make(map[string]any, len(snaps))
	for key, snap := range snaps {
		out[string(key)] = snap.View()
	}
	return client.InvokeResult{Args: wamp.List{out}}
}

func (e *Endpoint) query(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	var keys []domain.UnitKey
	for _, arg := range inv.Arguments {
		if s, ok := wamp.AsString(arg); ok {
			keys = append(keys, domain.UnitKey(s))
		}
	}

	props := e.bridge.Query(ctx, keys...)
	out := make(map[string]any, len(props))
	for key, p := range props {
		out[string(key)] = map[string]any(p)
	}
	return client.InvokeResult{Args: wamp.List{out}}
}

func (e *Endpoint) start(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	key, res := unitKeyArg(inv)
	if res != nil {
		return *res
	}
	job, err := e.bridge.StartUnit(ctx, key)
	if err != nil {
		return e.errResult(err)
	}
	return client.InvokeResult{Args: wamp.List{job}}
}

func (e *Endpoint) stop(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	key, res := unitKeyArg(inv)
	if res != nil {
		return *res
	}
	job, err := e.bridge.StopUnit(ctx, key)
	if err != nil {
		return e.errResult(err)
	}
	return client.InvokeResult{Args: wamp.List{job}}
}

func (e *Endpoint) enable(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	key, res := unitKeyArg(inv)
	if res != nil {
		return *res
	}
	result, err := e.bridge.Enable(ctx, key)
	if err != nil {
		return e.errResult(err)
	}
	return client.InvokeResult{Args: wamp.List{map[string]any{
		"carries_install_info": result.CarriesInstallInfo,
		"changes":              changesList(result.Changes),
	}}}
}

func (e *Endpoint) disable(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	key, res := unitKeyArg(inv)
	if res != nil {
		return *res
	}
	changes, err := e.bridge.Disable(ctx, key)
	if err != nil {
		return e.errResult(err)
	}
	return client.InvokeResult{Args: wamp.List{changesList(changes)}}
}

func (e *Endpoint) errResult(err error) client.InvokeResult {
	return client.InvokeResult{
		Err:  e.uris.ErrorURI(err),
		Args: wamp.List{err.Error()},
	}
}

// unitKeyArg extracts the mandatory unit key argument. A missing or
// non-string key is a caller error, reported as invalid_argument.
func unitKeyArg(inv *wamp.Invocation) (domain.UnitKey, *client.InvokeResult) {
	if len(inv.Arguments) > 0 {
		if s, ok := wamp.AsString(inv.Arguments[0]); ok && s != "" {
			return domain.UnitKey(s), nil
		}
	}
	return "", &client.InvokeResult{
		Err:  wamp.ErrInvalidArgument,
		Args: wamp.List{"unit key argument required"},
	}
}

func changesList(changes []domain.UnitFileChange) []any {
	out := make([]any, 0, len(changes))
	for _, c := range changes {
		out = append(out, map[string]any{
			"type":        c.Type,
			"file":        c.File,
			"destination": c.Destination,
		})
	}
	return out
}

// session adapts an attached client to the bridge's publisher contract.
type session struct {
	cl   *client.Client
	uris URIs
}

// PublishChange pushes the delta on the unit's topic, delta as the single
// positional payload.
func (s *session) PublishChange(key domain.UnitKey, delta domain.PropertyDelta) error {
	return s.cl.Publish(s.uris.UnitTopic(key), nil, wamp.List{map[string]any(delta)}, nil)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
