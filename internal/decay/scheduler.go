// Package decay runs the periodic aging pass over long-term memory.
package decay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 12 * time.Hour

// Decayer is the contract a DecayingStore satisfies: a single, idempotent
// pass over every collection that ages lifetimes by elapsed whole days.
type Decayer interface {
	DecayAll(ctx context.Context) error
}

// Metrics receives per-pass scheduler metrics. A nil sink disables
// recording; metrics.Collector satisfies it.
type Metrics interface {
	RecordDecayRun(duration time.Duration, err error)
}

// Scheduler drives periodic DecayAll calls. A failing pass is logged and the
// scheduler continues on its next tick rather than stopping.
type Scheduler struct {
	store    Decayer
	interval time.Duration
	metrics  Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler builds a Scheduler. interval <= 0 defaults to 12h per the
// documented decay cadence.
func NewScheduler(store Decayer, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("component", "decay_scheduler")),
	}
}

// SetMetrics attaches a metrics sink. Call before Start.
func (s *Scheduler) SetMetrics(m Metrics) {
	s.metrics = m
}

// Start launches the periodic loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels the periodic loop and waits for the in-flight pass, if any,
// to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	err := s.store.DecayAll(ctx)
	if s.metrics != nil {
		s.metrics.RecordDecayRun(time.Since(start), err)
	}
	if err != nil {
		s.logger.Error("decay pass failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	s.logger.Info("decay pass complete", zap.Duration("elapsed", time.Since(start)))
}

// RunOnce forces an immediate decay pass outside the ticker, used on startup
// to pick up any interval missed while the process was down.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := s.store.DecayAll(ctx)
	if s.metrics != nil {
		s.metrics.RecordDecayRun(time.Since(start), err)
	}
	return err
}
