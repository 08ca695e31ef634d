package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// SchedulerState is the scheduler's two-state machine.
type SchedulerState string

const (
	StateIdle    SchedulerState = "idle"
	StateRunning SchedulerState = "running"
)

// CycleRunner runs one full sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) CycleResult
}

// Scheduler drives the orchestrator on a backoff-to-constant cadence: the
// next cycle is armed at completion time plus the interval, so a slow cycle
// pushes the next one back instead of overlapping it.
type Scheduler struct {
	runner CycleRunner
	logger *log.Logger

	mu             sync.Mutex
	interval       time.Duration
	state          SchedulerState
	lastCompletion time.Time
	lastResult     *CycleResult
}

// NewScheduler creates a scheduler. A nil logger gets a stderr default.
func NewScheduler(runner CycleRunner, interval time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		state:    StateIdle,
		logger:   logger,
	}
}

// Run executes cycles until the context is canceled. The first cycle starts
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		s.setState(StateRunning)
		result := s.runner.RunCycle(ctx)
		s.recordResult(result)
		s.setState(StateIdle)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("cycle finished in %s, next in %s", result.Duration.Round(time.Millisecond), s.Interval())
		timer.Reset(s.Interval())
	}
}

// SetInterval changes the cadence; it takes effect when the next cycle is
// armed.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

// Interval returns the current cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// State returns the scheduler's current state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the most recent cycle result and its completion time,
// or nil before the first cycle finishes.
func (s *Scheduler) LastResult() (*CycleResult, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult, s.lastCompletion
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Scheduler) recordResult(result CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = &result
	s.lastCompletion = time.Now()
}
