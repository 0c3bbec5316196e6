package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MinInterval is the floor on the scheduler period.
const MinInterval = 30 * time.Second

// Timer runs the monitor periodically.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool
}

// NewTimer creates a scheduler for runner. Intervals below MinInterval are
// raised to it.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval < MinInterval {
		interval = MinInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval returns the effective period.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the monitor immediately and then once per interval until ctx is
// done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.running.Store(true)
	defer func() {
		t.running.Store(false)
		close(t.done)
	}()

	// Stop or cancellation may land before the loop starts.
	select {
	case <-ctx.Done():
		return
	case <-t.stop:
		return
	default:
	}

	t.logger.Info("escrow reconciliation scheduler started", "interval", t.interval.String())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop and waits for it to exit. An in-flight run finishes
// first.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow reconciliation scheduler", "panic", fmt.Sprint(r))
		}
	}()

	t.runner.RunOnce(ctx)
}
