package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckFunc is what the scheduler invokes on every tick.
type CheckFunc func(ctx context.Context, targetID string)

// Scheduler owns one repeating timer per running target. Each target runs
// in its own goroutine and performs its checks inline, so a tick that
// comes due while the previous check is still running is dropped (the
// underlying time.Ticker never queues more than one tick). Checks started
// from elsewhere for the same target are serialized by the Pipeline.
type Scheduler struct {
	check  CheckFunc
	logger *zap.Logger
	ilogOn bool

	mu     sync.Mutex
	runs   map[string]*run
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type run struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(check CheckFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		check:  check,
		logger: logger,
		runs:   make(map[string]*run),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start (re)arms the timer for t: any existing timer for t.ID is cancelled
// first, one check runs immediately, then every t.CheckInterval. A
// disabled target is only stopped.
func (s *Scheduler) Start(t Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stopLocked(t.ID)
	if !t.Enabled {
		s.ilog("Target %s is disabled, not scheduling", t.ID)
		return nil
	}
	if t.CheckInterval <= 0 {
		return &ValidationError{Field: "check_interval", Reason: "must be positive"}
	}

	r := &run{interval: t.CheckInterval, stop: make(chan struct{}), done: make(chan struct{})}
	s.runs[t.ID] = r
	s.wg.Add(1)
	go s.loop(t.ID, r)
	s.ilog("Scheduling target %s (%s) every %v", t.Name, t.URL, t.CheckInterval)
	return nil
}

// Stop cancels future ticks for targetID. An in-flight check is left to
// finish and its result is applied.
func (s *Scheduler) Stop(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(targetID)
}

// Reschedule is Stop followed by Start with t's current settings.
func (s *Scheduler) Reschedule(t Target) error {
	return s.Start(t)
}

// Running reports whether targetID currently has an armed timer.
func (s *Scheduler) Running(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[targetID]
	return ok
}

// Active returns the number of armed timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Shutdown cancels every timer, abandons in-flight checks through their
// context and waits for all target goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id := range s.runs {
		s.stopLocked(id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.ilog("Scheduler stopped")
}

func (s *Scheduler) stopLocked(targetID string) {
	r, ok := s.runs[targetID]
	if !ok {
		return
	}
	close(r.stop)
	delete(s.runs, targetID)
	s.ilog("Stopped target %s", targetID)
}

func (s *Scheduler) loop(targetID string, r *run) {
	defer s.wg.Done()
	defer close(r.done)

	s.runCheck(targetID)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// Stop may have raced with the tick.
			select {
			case <-r.stop:
				return
			default:
			}
			s.runCheck(targetID)
		}
	}
}

func (s *Scheduler) runCheck(targetID string) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Check panicked", zap.String("target_id", targetID), zap.Any("panic", rec))
		}
	}()
	s.ilog("Tick for target %s at %s", targetID, time.Now().Format(time.RFC3339))
	s.check(s.ctx, targetID)
}

func (s *Scheduler) ilog(format string, args ...interface{}) {
	if s.ilogOn {
		s.logger.Info(fmt.Sprintf("[INTERNAL] "+format, args...))
	}
}
