package sweeper

import (
	"context"
	"time"

	"log/slog"
)

// Reclaimer removes expired projects and reports how many it reclaimed.
type Reclaimer interface {
	Sweep(ctx context.Context) int
}

// Sweeper periodically reclaims expired projects. One pass runs at startup so
// a restart does not leave expired projects lingering until the first tick.
type Sweeper struct {
	service  Reclaimer
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// New constructs a sweeper running every interval.
func New(service Reclaimer, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		service:  service,
		logger:   logger.With("component", "sweeper"),
		interval: interval,
		timeout:  interval,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Each pass
// gets its own deadline so a wedged teardown cannot stall the loop forever.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval)
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	reclaimed := s.service.Sweep(passCtx)
	if reclaimed > 0 {
		s.logger.Info("sweep pass finished", "reclaimed", reclaimed, "duration", time.Since(started))
	}
}
