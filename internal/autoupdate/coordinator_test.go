package autoupdate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	interval = time.Minute
	wait     = time.Second
	tick     = 5 * time.Millisecond
)

type counter struct{ n atomic.Int32 }

func (c *counter) update(context.Context) error {
	c.n.Add(1)
	return nil
}

func startCoordinator(t *testing.T, update UpdateFunc, opts ...Option) (*Coordinator, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clk), WithInterval(interval), WithLogger(zaptest.NewLogger(t))}, opts...)
	c := New(update, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		require.NoError(t, <-errCh)
	})
	require.Eventually(t, clk.HasWaiters, wait, tick)
	return c, clk
}

func TestStart_RunsEveryInterval(t *testing.T) {
	t.Parallel()
	cnt := &counter{}
	var hooked atomic.Int32
	_, clk := startCoordinator(t, cnt.update, WithRunHook(func(err error, _ time.Duration) {
		if err == nil {
			hooked.Add(1)
		}
	}))

	clk.Step(interval / 2)
	require.Never(t, func() bool { return cnt.n.Load() > 0 }, 50*time.Millisecond, tick)

	clk.Step(interval / 2)
	require.Eventually(t, func() bool { return cnt.n.Load() == 1 }, wait, tick)
	require.Eventually(t, clk.HasWaiters, wait, tick)

	clk.Step(interval)
	require.Eventually(t, func() bool { return cnt.n.Load() == 2 }, wait, tick)
	require.Eventually(t, func() bool { return hooked.Load() == 2 }, wait, tick)
}

func TestStart_TwiceFails(t *testing.T) {
	t.Parallel()
	c, _ := startCoordinator(t, (&counter{}).update)
	require.Error(t, c.Start(context.Background()))
}

func TestInterrupt_SkipsRunsAndPropagatesError(t *testing.T) {
	t.Parallel()
	cnt := &counter{}
	c, clk := startCoordinator(t, cnt.update)

	boom := errors.New("boom")
	err := c.Interrupt(context.Background(), func(context.Context) error {
		require.True(t, c.Paused())
		clk.Step(interval)
		// the fired timer is consumed and re-armed without running
		require.Eventually(t, clk.HasWaiters, wait, tick)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, c.Paused())
	require.Zero(t, cnt.n.Load())

	// the timer resumes after a failed interrupt
	require.Eventually(t, func() bool {
		if clk.HasWaiters() {
			clk.Step(interval)
		}
		return cnt.n.Load() >= 1
	}, wait, tick)
}

func TestInterrupt_WaitsForInFlightRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var running atomic.Bool
	c, clk := startCoordinator(t, func(context.Context) error {
		running.Store(true)
		close(started)
		<-release
		running.Store(false)
		return nil
	})

	clk.Step(interval)
	<-started

	var sawRunning atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- c.Interrupt(context.Background(), func(context.Context) error {
			sawRunning.Store(running.Load())
			return nil
		})
	}()

	require.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, tick)
	close(release)
	require.NoError(t, <-done)
	require.False(t, sawRunning.Load())
}

func TestInterrupt_ConcurrentInterruptsShareTheGate(t *testing.T) {
	t.Parallel()
	c, _ := startCoordinator(t, (&counter{}).update)

	inFirst := make(chan struct{})
	leave := make(chan struct{})
	go func() {
		_ = c.Interrupt(context.Background(), func(context.Context) error {
			close(inFirst)
			<-leave
			return nil
		})
	}()
	<-inFirst

	// a second interrupt proceeds while the first one is still inside
	require.NoError(t, c.Interrupt(context.Background(), func(context.Context) error { return nil }))
	require.True(t, c.Paused())
	close(leave)
	require.Eventually(t, func() bool { return !c.Paused() }, wait, tick)
}

func TestInterrupt_WithoutStart(t *testing.T) {
	t.Parallel()
	c := New((&counter{}).update)
	called := false
	require.NoError(t, c.Interrupt(context.Background(), func(context.Context) error {
		called = true
		return nil
	}))
	require.True(t, called)
	c.Stop()
}
