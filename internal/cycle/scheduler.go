package cycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"panelsync.org/internal/obs"
)

// Runner is what the scheduler ticks.
type Runner interface {
	Run(ctx context.Context, k Kind) (Result, error)
}

// Schedule is one kind run on a fixed interval. Timeout bounds a single run.
type Schedule struct {
	Kind     Kind
	Interval time.Duration
	Timeout  time.Duration
}

// Scheduler ticks the orchestrator on fixed intervals until stopped.
type Scheduler struct {
	runner    Runner
	schedules []Schedule
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(runner Runner, schedules ...Schedule) *Scheduler {
	return &Scheduler{runner: runner, schedules: schedules, log: obs.Component("scheduler")}
}

// Start launches one loop per schedule. Each loop runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, sc := range s.schedules {
		if sc.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, sc)
	}
	s.log.Info().Int("schedules", len(s.schedules)).Msg("scheduler started")
	return nil
}

// Stop cancels in-flight runs and waits for the loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, sc Schedule) {
	defer s.wg.Done()
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()

	s.tick(ctx, sc)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, sc)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sc Schedule) {
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("kind", string(sc.Kind)).Msg("cycle panicked")
		}
	}()
	// outcome is already logged and counted by the orchestrator
	_, _ = s.runner.Run(ctx, sc.Kind)
}
