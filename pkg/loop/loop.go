// Package loop runs every protocol event of a link on one goroutine.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type timerEntry struct {
	gen   uint64
	timer *time.Timer
}

// Loop serialises posted work and timer callbacks onto the goroutine that
// calls Run. Post is safe from any goroutine and never blocks. AddTimer and
// DelTimer must be called from the loop goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	timers  map[any]*timerEntry
	nextGen uint64

	logger *zap.Logger
}

// New creates a loop.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[any]*timerEntry),
		logger: logger,
	}
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted work until ctx is cancelled. Pending timers are
// stopped on return.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("Event loop started")
	defer l.stopTimers()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Event loop stopped")
			return ctx.Err()
		case <-l.wake:
			l.Drain()
		}
	}
}

// Drain runs queued work, including work queued while draining, on the
// calling goroutine. It is used by Run and by tests that drive the loop by
// hand.
func (l *Loop) Drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// AddTimer arms a single-shot timer for key, replacing any timer already
// armed for it. fn runs on the loop goroutine.
func (l *Loop) AddTimer(key any, period time.Duration, fn func()) {
	l.DelTimer(key)

	l.nextGen++
	gen := l.nextGen
	entry := &timerEntry{gen: gen}
	entry.timer = time.AfterFunc(period, func() {
		l.Post(func() {
			cur, ok := l.timers[key]
			if !ok || cur.gen != gen {
				return
			}
			delete(l.timers, key)
			fn()
		})
	})
	l.timers[key] = entry
}

// DelTimer cancels the timer for key. A callback whose timer already fired
// but has not yet run is discarded.
func (l *Loop) DelTimer(key any) {
	if entry, ok := l.timers[key]; ok {
		entry.timer.Stop()
		delete(l.timers, key)
	}
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int {
	return len(l.timers)
}

func (l *Loop) stopTimers() {
	for key, entry := range l.timers {
		entry.timer.Stop()
		delete(l.timers, key)
	}
}
