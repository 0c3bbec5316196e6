package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	lastMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "last_mismatch",
		Help:      "Bookings whose DB escrow state differed from chain in the last monitor run.",
	})

	lastMissingOnchain = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "last_missing_onchain",
		Help:      "Bookings with no on-chain escrow record in the last monitor run.",
	})

	lastSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "last_skipped",
		Help:      "Bookings whose on-chain read failed in the last monitor run.",
	})

	monitorAlertActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "alert_active",
		Help:      "1 if the last monitor run crossed an alert threshold or failed.",
	})

	monitorRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation monitor runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	monitorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hillside",
		Subsystem: "escrow_reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation monitor runs by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		lastMismatch,
		lastMissingOnchain,
		lastSkipped,
		monitorAlertActive,
		monitorRunDuration,
		monitorRuns,
	)
}

func recordSummary(s *Summary, alert bool) {
	lastMismatch.Set(float64(s.Mismatch))
	lastMissingOnchain.Set(float64(s.MissingOnchain))
	lastSkipped.Set(float64(s.Skipped))
	if alert {
		monitorAlertActive.Set(1)
	} else {
		monitorAlertActive.Set(0)
	}
}
