package scheduler

import (
	"context"
	"time"

	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Target is what the refresher drives: a full re-population of the unit
// mirror (and whatever sinks hang off it).
type Target interface {
	ListUnits(ctx context.Context) (map[domain.UnitKey]domain.Snapshot, error)
}

// Refresher periodically re-fetches every tracked unit so the mirror
// converges even if a change signal was missed. The interval is optional
// (0 disables the ticker); the manual trigger channel stays active either
// way and is shared with the HTTP refresh route.
type Refresher struct {
	target        Target
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}
}

// NewRefresher creates a refresher. manualTrigger may be nil.
func NewRefresher(target Target, log logger.Logger, interval time.Duration, manualTrigger chan struct{}) *Refresher {
	return &Refresher{
		target:        target,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start begins the refresh loop. The initial population has already happened
// during bridge startup, so there is no immediate refresh here.
func (r *Refresher) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Refresher) run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			r.refresh(ctx)
		case <-r.manualTrigger:
			r.logger.Info("manual refresh triggered")
			r.refresh(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the refresher.
func (r *Refresher) Stop() {
	close(r.stopCh)
}

func (r *Refresher) refresh(ctx context.Context) {
	snaps, err := r.target.ListUnits(ctx)
	if err != nil {
		r.logger.Error("failed to refresh units", logger.Error(err))
		return
	}
	r.logger.Debug("refreshed units", logger.Int("count", len(snaps)))
}
