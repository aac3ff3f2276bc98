// Package autoupdate runs the periodic remote-drift merge of unlocked sources
// and lets foreground operations pause it.
package autoupdate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultInterval is the delay between two update runs.
const DefaultInterval = 2 * time.Minute

// UpdateFunc performs one update run.
type UpdateFunc func(ctx context.Context) error

// Coordinator schedules update runs on a timer.
//
// Interrupt pauses the timer, waits for an in-flight run and resumes the timer
// with a full interval afterwards. Interrupts share the gate with each other and
// only exclude update runs.
type Coordinator struct {
	interval time.Duration
	clock    clock.Clock
	update   UpdateFunc
	log      *zap.Logger
	onRun    func(err error, d time.Duration)

	// update runs hold gate exclusively, interrupts hold it shared
	gate sync.RWMutex

	mu      sync.Mutex
	pauses  int
	resumed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }

// WithInterval sets the delay between runs.
func WithInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(co *Coordinator) { co.log = l } }

// WithRunHook is called after every completed run.
func WithRunHook(fn func(err error, d time.Duration)) Option {
	return func(co *Coordinator) { co.onRun = fn }
}

// New creates a stopped coordinator.
func New(update UpdateFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		interval: DefaultInterval,
		clock:    clock.RealClock{},
		update:   update,
		log:      zap.NewNop(),
		resumed:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the timer loop. It blocks until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("autoupdate: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer close(done)
	c.log.Info("auto-update started", zap.Duration("interval", c.interval))

	t := c.clock.NewTimer(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("auto-update stopped")
			return nil
		case <-c.resumed:
			if !t.Stop() {
				select {
				case <-t.C():
				default:
				}
			}
			t.Reset(c.interval)
		case <-t.C():
			c.run(ctx)
			t.Reset(c.interval)
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Interrupt runs fn with update runs paused and returns fn's error.
func (c *Coordinator) Interrupt(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.pauses++
	c.mu.Unlock()
	defer c.resume()

	c.gate.RLock()
	defer c.gate.RUnlock()
	return fn(ctx)
}

func (c *Coordinator) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses--
	if c.pauses == 0 {
		select {
		case c.resumed <- struct{}{}:
		default:
		}
	}
}

// Paused reports whether an interrupt is active.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses > 0
}

// run performs one update unless an interrupt is active.
func (c *Coordinator) run(ctx context.Context) {
	if c.Paused() || !c.gate.TryLock() {
		c.log.Debug("auto-update skipped: interrupted")
		return
	}
	defer c.gate.Unlock()

	start := c.clock.Now()
	err := c.update(ctx)
	d := c.clock.Since(start)
	if err != nil {
		c.log.Warn("auto-update run failed", zap.Error(err))
	} else {
		c.log.Debug("auto-update run finished", zap.Duration("took", d))
	}
	if c.onRun != nil {
		c.onRun(err, d)
	}
}
