package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMonitor(th Thresholds) *MonitorState {
	m := NewMonitorState(MonitorSettings{Enabled: true, IntervalSec: 300, Limit: 200, Thresholds: th})
	m.now = func() time.Time { return seedTime }
	return m
}

func TestThresholds_Exceeded(t *testing.T) {
	th := Thresholds{Mismatch: 2, MissingOnchain: 3, Skipped: 4}

	assert.False(t, th.Exceeded(Summary{Mismatch: 1, MissingOnchain: 2, Skipped: 3}))
	assert.True(t, th.Exceeded(Summary{Mismatch: 2}))
	assert.True(t, th.Exceeded(Summary{MissingOnchain: 3}))
	assert.True(t, th.Exceeded(Summary{Skipped: 4}))
}

func TestMonitorState_SkippedThresholdDecoupledFromSummaryAlert(t *testing.T) {
	m := testMonitor(Thresholds{Mismatch: 5, MissingOnchain: 5, Skipped: 1})

	// Summary says no alert, monitor alerts on skipped.
	s := Summary{Total: 3, Match: 2, Skipped: 1}
	s.finalize()
	require.False(t, s.Alert)

	m.BeginRun("sepolia")
	m.CompleteSuccess(1500*time.Microsecond, s)
	assert.True(t, m.Snapshot().AlertActive)

	// Summary alerts, monitor stays quiet below its thresholds.
	s = Summary{Total: 3, Match: 2, Mismatch: 1}
	s.finalize()
	require.True(t, s.Alert)

	m.BeginRun("sepolia")
	m.CompleteSuccess(time.Millisecond, s)
	assert.False(t, m.Snapshot().AlertActive)
}

func TestMonitorState_Lifecycle(t *testing.T) {
	m := testMonitor(Thresholds{Mismatch: 1, MissingOnchain: 1, Skipped: 1})

	snap := m.Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.LastStartedAt)
	assert.Nil(t, snap.LastSummary)
	assert.True(t, snap.Enabled)
	assert.Equal(t, 300, snap.IntervalSec)
	assert.Equal(t, 200, snap.Limit)

	m.BeginRun("sepolia")
	snap = m.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "sepolia", snap.ChainKey)
	require.NotNil(t, snap.LastStartedAt)

	m.CompleteFailure(2*time.Second, errors.New("store down"))
	m.BeginRun("sepolia")
	snap = m.Snapshot()
	assert.True(t, snap.Running)
	assert.Empty(t, snap.LastError, "a new run clears the previous error")
	m.CompleteFailure(time.Second, errors.New("store still down"))

	snap = m.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 2, snap.RunsTotal)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "store still down", snap.LastError)
	assert.True(t, snap.AlertActive)
	assert.Nil(t, snap.LastSuccessAt)
	require.NotNil(t, snap.LastDurationMs)
	assert.Equal(t, 1000.0, *snap.LastDurationMs)

	m.BeginRun("sepolia")
	m.CompleteSuccess(1234567*time.Microsecond, Summary{Total: 1, Match: 1})

	snap = m.Snapshot()
	assert.Equal(t, 3, snap.RunsTotal)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.AlertActive)
	require.NotNil(t, snap.LastSuccessAt)
	assert.Equal(t, seedTime, *snap.LastSuccessAt)
	assert.Equal(t, 1234.57, *snap.LastDurationMs)
	assert.Equal(t, &Summary{Total: 1, Match: 1}, snap.LastSummary)
}

func TestMonitorState_FailureKeepsLastSummary(t *testing.T) {
	m := testMonitor(Thresholds{Mismatch: 1, MissingOnchain: 1, Skipped: 1})
	m.BeginRun("sepolia")
	m.CompleteSuccess(time.Millisecond, Summary{Total: 4, Match: 4})
	m.BeginRun("sepolia")
	m.CompleteFailure(time.Millisecond, errors.New("rpc down"))

	snap := m.Snapshot()
	assert.True(t, snap.AlertActive)
	assert.Equal(t, &Summary{Total: 4, Match: 4}, snap.LastSummary)
}

func TestMonitorState_SnapshotIsCopy(t *testing.T) {
	m := testMonitor(Thresholds{Mismatch: 1, MissingOnchain: 1, Skipped: 1})
	m.BeginRun("sepolia")
	m.CompleteSuccess(time.Millisecond, Summary{Total: 1, Match: 1})

	snap := m.Snapshot()
	snap.LastSummary.Match = 99
	*snap.LastDurationMs = 99

	again := m.Snapshot()
	assert.Equal(t, 1, again.LastSummary.Match)
	assert.Equal(t, 1.0, *again.LastDurationMs)
}

type fakeReconciler struct {
	mu          sync.Mutex
	summary     *Summary
	err         error
	panicWith   any
	delay       time.Duration
	chainKeys   []string
	inFlight    int
	maxInFlight int
	ctxErr      error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, chainKey string, limit int) (*Summary, error) {
	f.mu.Lock()
	f.chainKeys = append(f.chainKeys, chainKey)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.ctxErr = ctx.Err()

	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	s := *f.summary
	return &s, nil
}

func newTestRunner(rec Reconciler, chainKey string) *Runner {
	state := NewMonitorState(MonitorSettings{Thresholds: Thresholds{Mismatch: 1, MissingOnchain: 1, Skipped: 1}})
	return NewRunner(rec, testRegistry(), state, chainKey, 50, quietLogger())
}

func TestRunner_UsesActiveChainByDefault(t *testing.T) {
	rec := &fakeReconciler{summary: &Summary{Total: 2, Match: 2}}
	r := newTestRunner(rec, "")

	snap := r.RunOnce(context.Background())
	assert.Equal(t, []string{"sepolia"}, rec.chainKeys)
	assert.Equal(t, "sepolia", snap.ChainKey)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.False(t, snap.AlertActive)
}

func TestRunner_DisabledChainRecordedAsFailure(t *testing.T) {
	e := NewEngine(testRegistry(), bookings.NewMemoryStore(), newFakeReader())
	r := NewRunner(e, testRegistry(), NewMonitorState(MonitorSettings{}), "amoy", 50, quietLogger())

	snap := r.RunOnce(context.Background())
	assert.Equal(t, "amoy", snap.ChainKey)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Contains(t, snap.LastError, "disabled")
	assert.True(t, snap.AlertActive)
	assert.False(t, snap.Running)
}

func TestRunner_RecoversPanic(t *testing.T) {
	rec := &fakeReconciler{panicWith: "nil map"}
	r := newTestRunner(rec, "sepolia")

	snap := r.RunOnce(context.Background())
	assert.Contains(t, snap.LastError, "nil map")
	assert.True(t, snap.AlertActive)
	assert.False(t, snap.Running)
}

func TestRunner_CallerCancelDoesNotAbortRun(t *testing.T) {
	rec := &fakeReconciler{summary: &Summary{}}
	r := newTestRunner(rec, "sepolia")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := r.RunOnce(ctx)
	assert.NoError(t, rec.ctxErr)
	assert.Empty(t, snap.LastError)
}

func TestRunner_SerializesRuns(t *testing.T) {
	rec := &fakeReconciler{summary: &Summary{}, delay: 10 * time.Millisecond}
	r := newTestRunner(rec, "sepolia")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.maxInFlight)
	assert.Equal(t, 5, r.State().Snapshot().RunsTotal)
}

func TestRunner_SnapshotDoesNotWaitForRun(t *testing.T) {
	rec := &fakeReconciler{summary: &Summary{}, delay: 200 * time.Millisecond}
	r := newTestRunner(rec, "sepolia")

	done := make(chan struct{})
	go func() {
		r.RunOnce(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return r.State().Snapshot().Running }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("run finished before the snapshot was taken")
	default:
	}
	<-done
	assert.False(t, r.State().Snapshot().Running)
}

func TestRunner_EndToEndAlertFromSkipped(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", time.Minute, bookings.StateLocked)
	reader := newFakeReader()
	reader.errs["b1"] = errors.New("rpc timeout")

	e := NewEngine(testRegistry(), store, reader)
	state := NewMonitorState(MonitorSettings{Thresholds: Thresholds{Mismatch: 5, MissingOnchain: 5, Skipped: 1}})
	r := NewRunner(e, testRegistry(), state, "", 50, quietLogger())

	snap := r.RunOnce(context.Background())
	require.NotNil(t, snap.LastSummary)
	assert.False(t, snap.LastSummary.Alert)
	assert.Equal(t, 1, snap.LastSummary.Skipped)
	assert.True(t, snap.AlertActive)
}

type countingReconciler struct {
	runs atomic.Int32
}

func (c *countingReconciler) Reconcile(ctx context.Context, chainKey string, limit int) (*Summary, error) {
	c.runs.Add(1)
	return &Summary{}, nil
}

func TestTimer_IntervalFloor(t *testing.T) {
	r := newTestRunner(&countingReconciler{}, "sepolia")
	assert.Equal(t, MinInterval, NewTimer(r, 5*time.Second, nil).Interval())
	assert.Equal(t, 10*time.Minute, NewTimer(r, 10*time.Minute, nil).Interval())
}

func TestTimer_RunsImmediatelyThenPeriodically(t *testing.T) {
	rec := &countingReconciler{}
	timer := NewTimer(newTestRunner(rec, "sepolia"), time.Minute, quietLogger())
	timer.interval = 10 * time.Millisecond

	go timer.Start(context.Background())

	require.Eventually(t, func() bool { return rec.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	assert.False(t, timer.Running())

	stopped := rec.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, rec.runs.Load())
}

func TestTimer_FirstRunIsImmediate(t *testing.T) {
	rec := &countingReconciler{}
	timer := NewTimer(newTestRunner(rec, "sepolia"), time.Hour, quietLogger())

	go timer.Start(context.Background())
	require.Eventually(t, func() bool { return rec.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	timer.Stop()
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	timer := NewTimer(newTestRunner(&countingReconciler{}, "sepolia"), time.Hour, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	timer.Stop()
}

func TestTimer_StopWithoutStart(t *testing.T) {
	timer := NewTimer(newTestRunner(&countingReconciler{}, "sepolia"), time.Hour, quietLogger())
	timer.Stop()
	timer.Stop()
	assert.False(t, timer.Running())
}

func TestTimer_StopBeforeStartSkipsFirstRun(t *testing.T) {
	rec := &countingReconciler{}
	timer := NewTimer(newTestRunner(rec, "sepolia"), time.Hour, quietLogger())
	timer.Stop()

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer started after Stop")
	}
	assert.Zero(t, rec.runs.Load())
	assert.False(t, timer.Running())
}

func TestTimer_CancelledContextSkipsFirstRun(t *testing.T) {
	rec := &countingReconciler{}
	timer := NewTimer(newTestRunner(rec, "sepolia"), time.Hour, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	timer.Start(ctx)
	assert.Zero(t, rec.runs.Load())
	timer.Stop()
}

var _ Reader = (*escrowchain.Client)(nil)
