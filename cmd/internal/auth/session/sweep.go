package session

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Sweeper periodically deletes credential tombstones older than the retention
// window. It takes no locks beyond the rows it deletes, so it never blocks a
// rotation.
type Sweeper struct {
	log      *slog.Logger
	store    Store
	metrics  *Metrics
	interval time.Duration
	retain   time.Duration
}

// NewSweeper constructs a Sweeper from the session config.
func NewSweeper(log *slog.Logger, store Store, cfg Config, metrics *Metrics) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	retain := cfg.SweepRetention
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	return &Sweeper{log: log, store: store, metrics: metrics, interval: interval, retain: retain}
}

// Run blocks until ctx is cancelled, sweeping once per interval with a small
// jitter so replicas do not all fire together.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweepOnce(ctx)
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	n, err := s.store.SweepTombstones(ctx, now, s.retain)
	if err != nil {
		s.log.Error("auth.sweep.fail", "err", err)
		return
	}
	s.metrics.swept(n)
	if n > 0 {
		s.log.Info("auth.sweep.done", "deleted", n, "retention", s.retain.String())
	}
}

func (s *Sweeper) nextInterval() time.Duration {
	// Up to 10% jitter.
	jitter := time.Duration(rand.Int63n(int64(s.interval)/10 + 1))
	return s.interval + jitter
}
