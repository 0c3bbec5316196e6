package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hillside/hillside-escrow/internal/chains"
)

// Thresholds trip the monitor alert. A category alerts when its count is at
// or above its threshold.
type Thresholds struct {
	Mismatch       int `json:"mismatch"`
	MissingOnchain int `json:"missingOnchain"`
	Skipped        int `json:"skipped"`
}

// Exceeded reports whether s crosses any threshold.
func (t Thresholds) Exceeded(s Summary) bool {
	return s.Mismatch >= t.Mismatch ||
		s.MissingOnchain >= t.MissingOnchain ||
		s.Skipped >= t.Skipped
}

// Snapshot is a point-in-time copy of the monitor state.
type Snapshot struct {
	Enabled             bool       `json:"enabled"`
	IntervalSec         int        `json:"intervalSec"`
	Limit               int        `json:"limit"`
	ChainKey            string     `json:"chainKey"`
	Running             bool       `json:"running"`
	LastStartedAt       *time.Time `json:"lastStartedAt"`
	LastFinishedAt      *time.Time `json:"lastFinishedAt"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt"`
	LastDurationMs      *float64   `json:"lastDurationMs"`
	RunsTotal           int        `json:"runsTotal"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError"`
	LastSummary         *Summary   `json:"lastSummary"`
	AlertThresholds     Thresholds `json:"alertThresholds"`
	AlertActive         bool       `json:"alertActive"`
}

// MonitorState holds the run history. Every method holds the lock only for
// the update or copy, never across a run.
type MonitorState struct {
	mu    sync.Mutex
	state Snapshot
	now   func() time.Time
}

// MonitorSettings are the static fields reported in every snapshot.
type MonitorSettings struct {
	Enabled     bool
	IntervalSec int
	Limit       int
	ChainKey    string
	Thresholds  Thresholds
}

// NewMonitorState creates an idle monitor.
func NewMonitorState(s MonitorSettings) *MonitorState {
	return &MonitorState{
		state: Snapshot{
			Enabled:         s.Enabled,
			IntervalSec:     s.IntervalSec,
			Limit:           s.Limit,
			ChainKey:        s.ChainKey,
			AlertThresholds: s.Thresholds,
		},
		now: time.Now,
	}
}

// BeginRun marks a run in progress.
func (m *MonitorState) BeginRun(chainKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	m.state.Running = true
	m.state.ChainKey = chainKey
	m.state.LastStartedAt = &now
	m.state.LastError = ""
}

// CompleteSuccess records a finished run and recomputes the alert from the
// thresholds alone.
func (m *MonitorState) CompleteSuccess(d time.Duration, s Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	ms := durationMs(d)
	m.state.Running = false
	m.state.LastFinishedAt = &now
	m.state.LastSuccessAt = &now
	m.state.LastDurationMs = &ms
	m.state.RunsTotal++
	m.state.ConsecutiveFailures = 0
	m.state.LastError = ""
	m.state.LastSummary = &s
	m.state.AlertActive = m.state.AlertThresholds.Exceeded(s)
}

// CompleteFailure records a failed run. A failed run always alerts; the last
// good summary is kept.
func (m *MonitorState) CompleteFailure(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	ms := durationMs(d)
	m.state.Running = false
	m.state.LastFinishedAt = &now
	m.state.LastDurationMs = &ms
	m.state.RunsTotal++
	m.state.ConsecutiveFailures++
	if err != nil {
		m.state.LastError = err.Error()
	} else {
		m.state.LastError = "unknown error"
	}
	m.state.AlertActive = true
}

// Snapshot returns a deep copy of the current state.
func (m *MonitorState) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.state
	snap.LastStartedAt = copyTime(m.state.LastStartedAt)
	snap.LastFinishedAt = copyTime(m.state.LastFinishedAt)
	snap.LastSuccessAt = copyTime(m.state.LastSuccessAt)
	if m.state.LastDurationMs != nil {
		v := *m.state.LastDurationMs
		snap.LastDurationMs = &v
	}
	if m.state.LastSummary != nil {
		v := *m.state.LastSummary
		snap.LastSummary = &v
	}
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func durationMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

// Reconciler is the engine surface the runner drives.
type Reconciler interface {
	Reconcile(ctx context.Context, chainKey string, limit int) (*Summary, error)
}

// Runner executes monitor runs. Scheduled and manual runs share one mutex,
// so at most one run is in flight.
type Runner struct {
	engine   Reconciler
	registry *chains.Registry
	state    *MonitorState
	chainKey string
	limit    int
	logger   *slog.Logger

	runMu sync.Mutex
}

// NewRunner creates a runner. An empty chainKey follows the registry's
// active chain at each run.
func NewRunner(engine Reconciler, registry *chains.Registry, state *MonitorState, chainKey string, limit int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:   engine,
		registry: registry,
		state:    state,
		chainKey: chainKey,
		limit:    limit,
		logger:   logger,
	}
}

// State returns the monitor state the runner writes to.
func (r *Runner) State() *MonitorState {
	return r.state
}

func (r *Runner) targetChain() string {
	if r.chainKey != "" {
		return r.chainKey
	}
	return r.registry.Active().Key
}

// RunOnce performs one monitor run and returns the resulting snapshot. It
// never returns an error: failures are recorded in the state. The caller's
// cancellation does not abort a run that has started.
func (r *Runner) RunOnce(ctx context.Context) Snapshot {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	chainKey := r.targetChain()
	r.state.BeginRun(chainKey)
	start := time.Now()

	summary, err := r.reconcile(context.WithoutCancel(ctx), chainKey)
	elapsed := time.Since(start)
	monitorRunDuration.Observe(elapsed.Seconds())

	if err != nil {
		r.state.CompleteFailure(elapsed, err)
		monitorRuns.WithLabelValues("failure").Inc()
		monitorAlertActive.Set(1)
		r.logger.Error("escrow reconciliation monitor run failed",
			"chain", chainKey, "duration_ms", elapsed.Milliseconds(), "error", err)
		return r.state.Snapshot()
	}

	r.state.CompleteSuccess(elapsed, *summary)
	snap := r.state.Snapshot()
	recordSummary(summary, snap.AlertActive)
	monitorRuns.WithLabelValues("success").Inc()

	attrs := []any{
		"chain", chainKey,
		"total", summary.Total,
		"match", summary.Match,
		"mismatch", summary.Mismatch,
		"missing_onchain", summary.MissingOnchain,
		"skipped", summary.Skipped,
		"duration_ms", elapsed.Milliseconds(),
	}
	if snap.AlertActive {
		r.logger.Warn("escrow reconciliation monitor alert active", attrs...)
	} else {
		r.logger.Info("escrow reconciliation monitor run ok", attrs...)
	}
	return snap
}

func (r *Runner) reconcile(ctx context.Context, chainKey string) (summary *Summary, err error) {
	defer func() {
		if p := recover(); p != nil {
			summary, err = nil, fmt.Errorf("reconciliation panicked: %v", p)
		}
	}()

	summary, err = r.engine.Reconcile(ctx, chainKey, r.limit)
	if err == nil && summary == nil {
		err = fmt.Errorf("reconciliation returned no summary")
	}
	return summary, err
}
