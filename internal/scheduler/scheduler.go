// Package scheduler drives the dispatch core on a fixed cadence and owns
// its lifecycle. Unlike the UI-session-bound loop this replaces, the
// scheduler's liveness is a process-wide concern with explicit
// Start/Stop/IsRunning controls.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Dispatcher is the core the scheduler ticks.
type Dispatcher interface {
	Tick(ctx context.Context, now time.Time) error
	ReconcileOnStartup(ctx context.Context) error
}

// Scheduler manages the periodic dispatch job.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	dispatcher Dispatcher
	log        *zap.Logger
	interval   time.Duration
	loc        *time.Location

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New creates a new scheduler instance.
func New(d Dispatcher, interval time.Duration, loc *time.Location, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		scheduler:  gocron.NewScheduler(loc),
		dispatcher: d,
		log:        log,
		interval:   interval,
		loc:        loc,
	}
}

// Start reconciles leftover in-flight records and begins ticking. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	tickCtx, cancel := context.WithCancel(ctx)
	if err := s.dispatcher.ReconcileOnStartup(tickCtx); err != nil {
		cancel()
		return err
	}

	if _, err := s.scheduler.Every(s.interval).Do(func() {
		if err := s.dispatcher.Tick(tickCtx, time.Now().In(s.loc)); err != nil {
			s.log.Error("dispatch tick failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.scheduler.StartAsync()
	s.running = true
	s.log.Info("dispatch scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts ticking and cancels any in-flight dispatches; their records
// roll back to pending. Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.cancel()
	s.scheduler.Stop()
	s.scheduler.Clear()
	s.running = false
	s.log.Info("dispatch scheduler stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunManualTick forces one dispatch cycle immediately, independent of the
// cadence.
func (s *Scheduler) RunManualTick(ctx context.Context) error {
	return s.dispatcher.Tick(ctx, time.Now().In(s.loc))
}
