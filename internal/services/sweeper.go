package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/docworkshop/internal/config"
	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/gorhill/cronexpr"
	"golang.org/x/sync/errgroup"
)

// SweepTarget is a storage root whose aged entries can be removed.
type SweepTarget interface {
	Name() string
	Sweep(ctx context.Context, ttl time.Duration, now time.Time) (int, error)
}

// Sweeper removes expired sessions and artifacts on its own schedule.
type Sweeper struct {
	targets  []SweepTarget
	ttl      time.Duration
	interval time.Duration
	schedule *cronexpr.Expression
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewSweeper(cfg config.SweepConfig, ttl time.Duration, m *metrics.Metrics, targets ...SweepTarget) (*Sweeper, error) {
	s := &Sweeper{
		targets:  targets,
		ttl:      ttl,
		interval: cfg.Interval,
		metrics:  m,
		now:      time.Now,
	}
	if cfg.Schedule != "" {
		expr, err := cronexpr.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sweep schedule: %w", err)
		}
		s.schedule = expr
	}
	return s, nil
}

// SweepOnce sweeps every target concurrently and returns the number of entries
// removed per target. A failing target does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]int, error) {
	now := s.now()
	var (
		mu      sync.Mutex
		removed = make(map[string]int, len(s.targets))
		errs    []error
	)
	var eg errgroup.Group
	for _, t := range s.targets {
		target := t
		eg.Go(func() error {
			n, err := target.Sweep(ctx, s.ttl, now)
			mu.Lock()
			defer mu.Unlock()
			removed[target.Name()] = n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", target.Name(), err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	for name, n := range removed {
		s.metrics.ObserveSweep(name, n)
	}
	err := errors.Join(errs...)
	if err != nil {
		slog.Error("Sweep finished with errors.", "removed", removed, "error", err)
	} else {
		slog.Info("Sweep complete.", "removed", removed)
	}
	return removed, err
}

// next returns how long to wait before the sweep after now.
func (s *Sweeper) next(now time.Time) time.Duration {
	if s.schedule != nil {
		if at := s.schedule.Next(now); !at.IsZero() {
			return at.Sub(now)
		}
	}
	return s.interval
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Sweeper started.", "ttl", s.ttl.String(), "interval", s.interval.String(), "cron", s.schedule != nil)
	for {
		timer := time.NewTimer(s.next(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Sweeper stopped.")
			return
		case <-timer.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
