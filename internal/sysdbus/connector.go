package sysdbus

import (
	"context"
	"fmt"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/unitbridge/unitbridge/internal/logger"
)

// ConnectOptions defines how the gateway reaches the bus and how long it
// keeps retrying at startup. systemd may come up slower than this daemon
// does, so the first connection attempt is allowed to fail for a while.
type ConnectOptions struct {
	Bus            string        // "system" or "session"
	ConnectTimeout time.Duration // total time allowed for connection attempts
	RetryInterval  time.Duration // initial wait between retries, grows exponentially
	MaxWait        time.Duration // cap on the wait between retries
	WarnThreshold  int           // escalate log level after this many attempts
}

// Connect establishes both bus connections (object access and manager
// operations) with retry and exponential backoff, and returns a ready
// Gateway. Returns an error once ConnectTimeout is exhausted.
func Connect(ctx context.Context, opts ConnectOptions, log logger.Logger) (*Gateway, error) {
	if opts.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("ConnectTimeout must be > 0, got %v", opts.ConnectTimeout)
	}
	if opts.RetryInterval <= 0 {
		return nil, fmt.Errorf("RetryInterval must be > 0, got %v", opts.RetryInterval)
	}
	if opts.MaxWait <= 0 {
		return nil, fmt.Errorf("MaxWait must be > 0, got %v", opts.MaxWait)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	log.Info("connecting to d-bus",
		logger.String("bus", opts.Bus),
		logger.Duration("timeout", opts.ConnectTimeout))

	attempt := 0
	wait := opts.RetryInterval

	for {
		attempt++

		gw, err := dial(ctx, opts.Bus, log)
		if err == nil {
			if attempt > 1 {
				log.Warn("connected to d-bus after retry",
					logger.String("bus", opts.Bus),
					logger.Int("attempts", attempt))
			} else {
				log.Info("connected to d-bus", logger.String("bus", opts.Bus))
			}
			return gw, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Error("d-bus unavailable - failed to connect after timeout",
				logger.String("bus", opts.Bus),
				logger.Int("attempts", attempt),
				logger.Error(err))
			return nil, fmt.Errorf("d-bus (%s) unavailable after %d attempts (timeout: %v): %w",
				opts.Bus, attempt, opts.ConnectTimeout, err)

		case <-timer.C:
			if attempt <= opts.WarnThreshold {
				log.Warn("d-bus connection failed, retrying",
					logger.String("bus", opts.Bus),
					logger.Int("attempt", attempt),
					logger.Duration("next_retry_in", wait),
					logger.Error(err))
			} else {
				log.Error("d-bus still unavailable - connection attempts failing",
					logger.String("bus", opts.Bus),
					logger.Int("attempt", attempt),
					logger.Duration("next_retry_in", wait),
					logger.Error(err))
			}
			wait *= 2
			if wait > opts.MaxWait {
				wait = opts.MaxWait
			}
		}
	}
}

// dial opens the two connections a Gateway runs on. The object connection
// (godbus) serves LoadUnit, GetAll and signal delivery; the manager
// connection (go-systemd) serves lifecycle and unit-file operations.
func dial(ctx context.Context, bus string, log logger.Logger) (*Gateway, error) {
	var (
		conn *godbus.Conn
		mgr  *sd.Conn
		err  error
	)

	switch bus {
	case "session":
		conn, err = godbus.ConnectSessionBus()
	default:
		conn, err = godbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("object bus: %w", err)
	}

	switch bus {
	case "session":
		mgr, err = sd.NewUserConnectionContext(ctx)
	default:
		mgr, err = sd.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("manager bus: %w", err)
	}

	return newGateway(conn, mgr, log), nil
}
