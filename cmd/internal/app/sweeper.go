package app

import (
	"context"
	"log/slog"
	"time"
)

// SweepFunc expires or deletes stale records as of now and reports how many.
type SweepFunc func(ctx context.Context, now time.Time) (int64, error)

type sweepTarget struct {
	name string
	fn   SweepFunc
}

// Sweeper runs every registered SweepFunc on a fixed interval.
type Sweeper struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time
	targets  []sweepTarget
}

// NewSweeper builds a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(log *slog.Logger, interval time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		log:      log,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add registers fn under name. Not safe to call once Run has started.
func (s *Sweeper) Add(name string, fn SweepFunc) {
	if fn == nil {
		return
	}
	s.targets = append(s.targets, sweepTarget{name: name, fn: fn})
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every target. One failing target does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	now := s.now()
	var total int64
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return total
		}
		n, err := t.fn(ctx, now)
		if err != nil {
			s.log.Error("sweeper.fail", "target", t.name, "err", err)
			continue
		}
		if n > 0 {
			s.log.Info("sweeper.swept", "target", t.name, "count", n)
		}
		total += n
	}
	return total
}
