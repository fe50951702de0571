package service

import (
	"context"
	"time"

	"github.com/smallbiznis/applykit/internal/config"
	"go.uber.org/zap"
)

// Sweeper drops sessions nobody has touched within the idle TTL.
type Sweeper struct {
	tracker  *Tracker
	log      *zap.Logger
	ttl      time.Duration
	interval time.Duration
}

func NewSweeper(cfg config.Config, tracker *Tracker, log *zap.Logger) *Sweeper {
	ttl := cfg.Interview.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	interval := cfg.Interview.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tracker:  tracker,
		log:      log.Named("interview.sweeper"),
		ttl:      ttl,
		interval: interval,
	}
}

func (w *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

func (w *Sweeper) RunOnce() int {
	removed := w.tracker.Sweep(w.tracker.clock.Now().Add(-w.ttl))
	if removed > 0 {
		w.log.Info("idle interview sessions dropped",
			zap.Int("removed", removed),
			zap.Int("remaining", w.tracker.Len()),
		)
	}
	return removed
}
