// Package limiter throttles unlock attempts per source.
package limiter

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Limiter controls unlock attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and an optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success resets counters after a successful unlock.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}

// Policy configures the sliding window and the lockout.
type Policy struct {
	Window   time.Duration `mapstructure:"window"`
	MaxFails int           `mapstructure:"max-fails"`
	BlockFor time.Duration `mapstructure:"block-for"`
}

// DefaultPolicy allows five failures per five minutes, then blocks for a minute.
var DefaultPolicy = Policy{Window: 5 * time.Minute, MaxFails: 5, BlockFor: time.Minute}

type attempt struct {
	fails        int
	updated      time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter.
type Memory struct {
	policy Policy
	clock  clock.PassiveClock

	mu    sync.Mutex
	state map[string]*attempt
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter. A nil clock uses wall time.
func NewMemory(p Policy, c clock.PassiveClock) *Memory {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Memory{policy: p, clock: c, state: map[string]*attempt{}}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state[key]
	if !ok {
		return true, 0, nil
	}
	now := m.clock.Now()
	if a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}

func (m *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	a, ok := m.state[key]
	if !ok {
		a = &attempt{}
		m.state[key] = a
	}
	if now.Sub(a.updated) > m.policy.Window {
		a.fails = 0
	}
	a.fails++
	a.updated = now
	if a.fails >= m.policy.MaxFails {
		a.blockedUntil = now.Add(m.policy.BlockFor)
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}
