package escrowchain

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chainOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hillside",
		Subsystem: "escrow_chain",
		Name:      "operations_total",
		Help:      "Escrow contract operations by op, chain and result.",
	}, []string{"op", "chain", "result"})

	chainOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hillside",
		Subsystem: "escrow_chain",
		Name:      "operation_duration_seconds",
		Help:      "Duration of escrow contract operations in seconds, including the receipt wait.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op", "chain"})
)

func init() {
	prometheus.MustRegister(chainOpsTotal, chainOpDuration)
}

func observe(op Operation, chain string, start time.Time, err error) {
	chainOpDuration.WithLabelValues(string(op), chain).Observe(time.Since(start).Seconds())
	chainOpsTotal.WithLabelValues(string(op), chain, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrRPCUnreachable):
		return "unreachable"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, ErrReceiptTimeout):
		return "timeout"
	default:
		return "error"
	}
}
