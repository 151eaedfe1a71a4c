// Package poller drives the fixed-interval refresh of every dashboard
// resource. Each tick fans out to all fetchers concurrently; a slow or
// failing fetcher never delays or aborts its siblings.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Fetcher refreshes one resource. Refresh reports the outcome; the
// fetcher itself is responsible for folding results into shared state
// through its reconciler.
type Fetcher struct {
	Name    string
	Refresh func(ctx context.Context) error
}

// Scheduler ticks at a fixed interval and dispatches all fetchers. The
// first cycle runs immediately so state is populated before the first
// interval elapses.
type Scheduler struct {
	interval time.Duration
	fetchers []Fetcher
	metrics  *Metrics

	busy []atomic.Bool
	wg   sync.WaitGroup
}

func New(interval time.Duration, fetchers []Fetcher, metrics *Metrics) *Scheduler {
	return &Scheduler{
		interval: interval,
		fetchers: fetchers,
		metrics:  metrics,
		busy:     make([]atomic.Bool, len(fetchers)),
	}
}

// Run blocks until ctx is done, then waits for in-flight refreshes to
// settle. In-flight work is never cancelled by the next tick; a tick
// simply skips any resource whose previous refresh is still running.
func (s *Scheduler) Run(ctx context.Context) {
	s.cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	s.metrics.IncCycles()
	for i := range s.fetchers {
		if !s.busy[i].CompareAndSwap(false, true) {
			s.metrics.IncSkippedBusy(s.fetchers[i].Name)
			continue
		}
		s.wg.Add(1)
		go s.fetch(ctx, i)
	}
}

func (s *Scheduler) fetch(ctx context.Context, i int) {
	defer s.wg.Done()
	defer s.busy[i].Store(false)

	f := s.fetchers[i]
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncPanics(f.Name)
			slog.Error("poller: refresh panicked", "resource", f.Name, "panic", r)
		}
	}()

	err := f.Refresh(ctx)
	s.metrics.ObserveFetch(f.Name, time.Since(start), err)
	if err != nil && ctx.Err() == nil {
		slog.Warn("poller: refresh failed", "resource", f.Name, "err", err)
	}
}
