package bridge

import (
	"sync/atomic"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Publisher is the outbound half of an attached RPC session: it can push a
// property delta for one unit to whoever is listening on that unit's topic.
type Publisher interface {
	PublishChange(key domain.UnitKey, delta domain.PropertyDelta) error
}

// Notifier fans a unit change out to the attached session, if there is one.
//
// Delivery is deliberately at-most-once with no buffering: a change arriving
// while no session is attached is dropped, and a reattaching client must
// re-query to recover state it missed. The session reference is swapped
// atomically, so a notify racing a detach either publishes or drops; a
// publish that fails because the session is already gone is logged and
// swallowed, never propagated.
type Notifier struct {
	session atomic.Pointer[Publisher]
	log     logger.Logger
}

// NewNotifier creates a detached notifier.
func NewNotifier(log logger.Logger) *Notifier {
	return &Notifier{log: log}
}

// Attach makes p the live session.
func (n *Notifier) Attach(p Publisher) {
	n.session.Store(&p)
}

// Detach clears the live session. Changes arriving from now on are dropped.
func (n *Notifier) Detach() {
	n.session.Store(nil)
}

// Attached reports whether a session is currently live.
func (n *Notifier) Attached() bool {
	return n.session.Load() != nil
}

// Notify publishes delta on the topic for key, or drops it when detached.
func (n *Notifier) Notify(key domain.UnitKey, delta domain.PropertyDelta) {
	p := n.session.Load()
	if p == nil {
		n.log.Debug("no session attached, dropping change",
			logger.String("key", string(key)))
		return
	}

	if err := (*p).PublishChange(key, delta); err != nil {
		n.log.Warn("failed to publish change, dropping",
			logger.String("key", string(key)),
			logger.Error(err))
	}
}
