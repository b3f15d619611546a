package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingCheck struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newCountingCheck() *countingCheck {
	return &countingCheck{calls: make(map[string]int)}
}

func (c *countingCheck) run(ctx context.Context, id string) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if cur <= seen || c.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	c.mu.Lock()
	c.calls[id]++
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
}

func (c *countingCheck) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func TestSchedulerRunsImmediatelyThenRepeats(t *testing.T) {
	check := newCountingCheck()
	s := NewScheduler(check.run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("t")
	target.CheckInterval = 20 * time.Millisecond
	require.NoError(t, s.Start(target))

	require.Eventually(t, func() bool { return check.count("t") >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return check.count("t") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Running("t"))
}

func TestSchedulerDisabledTargetNeverChecks(t *testing.T) {
	check := newCountingCheck()
	s := NewScheduler(check.run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("off")
	target.Enabled = false
	target.CheckInterval = 5 * time.Millisecond
	require.NoError(t, s.Start(target))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, check.count("off"))
	assert.False(t, s.Running("off"))
	assert.Zero(t, s.Active())
}

func TestSchedulerStartTwiceKeepsOneTimer(t *testing.T) {
	check := newCountingCheck()
	s := NewScheduler(check.run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("t")
	target.CheckInterval = 30 * time.Millisecond
	require.NoError(t, s.Start(target))
	require.NoError(t, s.Start(target))
	assert.Equal(t, 1, s.Active())

	// Let several intervals pass: one timer yields roughly one check per
	// interval plus the two immediate checks, two timers would double it.
	time.Sleep(200 * time.Millisecond)
	s.Stop("t")
	got := check.count("t")
	assert.GreaterOrEqual(t, got, 3)
	assert.LessOrEqual(t, got, 2+200/30+1)
}

func TestSchedulerStopCancelsFutureTicks(t *testing.T) {
	check := newCountingCheck()
	s := NewScheduler(check.run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("t")
	target.CheckInterval = 10 * time.Millisecond
	require.NoError(t, s.Start(target))
	require.Eventually(t, func() bool { return check.count("t") >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop("t")
	s.Stop("t") // no-op
	assert.False(t, s.Running("t"))
	settled := check.count("t")
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, check.count("t"), settled+1, "at most the tick racing Stop")
}

func TestSchedulerRejectsNonPositiveInterval(t *testing.T) {
	s := NewScheduler(newCountingCheck().run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("t")
	target.CheckInterval = 0
	var verr *ValidationError
	require.ErrorAs(t, s.Start(target), &verr)
	assert.False(t, s.Running("t"))
}

func TestSchedulerShutdownCancelsEverything(t *testing.T) {
	check := newCountingCheck()
	check.delay = time.Hour // in-flight checks are abandoned via ctx
	s := NewScheduler(check.run, zap.NewNop())

	for _, id := range []string{"a", "b", "c"} {
		target := enabledTarget(id)
		target.CheckInterval = 10 * time.Millisecond
		require.NoError(t, s.Start(target))
	}
	require.Eventually(t, func() bool { return check.inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Zero(t, s.Active())
	assert.ErrorIs(t, s.Start(enabledTarget("late")), ErrClosed)
}

func TestSchedulerOverrunTicksAreSkipped(t *testing.T) {
	check := newCountingCheck()
	check.delay = 100 * time.Millisecond
	s := NewScheduler(check.run, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("slow")
	target.CheckInterval = 10 * time.Millisecond
	require.NoError(t, s.Start(target))

	time.Sleep(250 * time.Millisecond)
	s.Stop("slow")
	assert.EqualValues(t, 1, check.maxSeen.Load())
	// 250ms of 100ms checks: never more than ~3, not one per 10ms tick.
	assert.LessOrEqual(t, check.count("slow"), 4)
}

func TestSchedulerRecoversFromPanics(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(func(ctx context.Context, id string) {
		calls.Add(1)
		panic("boom")
	}, zap.NewNop())
	defer s.Shutdown()

	target := enabledTarget("p")
	target.CheckInterval = 10 * time.Millisecond
	require.NoError(t, s.Start(target))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}
