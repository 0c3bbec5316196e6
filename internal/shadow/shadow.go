// Package shadow manages placeholder escrow records written while on-chain
// locking is rolled out, and clears them once they go stale.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/chains"
)

// ErrNotConfirmed is returned when a write succeeded but reading the row back
// shows different escrow fields.
var ErrNotConfirmed = errors.New("escrow write not confirmed on read-back")

var shadowOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hillside",
	Subsystem: "escrow_shadow",
	Name:      "operations_total",
	Help:      "Shadow escrow writes and clears by outcome.",
}, []string{"op", "result"})

func init() {
	prometheus.MustRegister(shadowOps)
}

// NewShadowTxHash returns a placeholder transaction hash. It can never
// collide with a real 0x-prefixed hash.
func NewShadowTxHash() string {
	return bookings.ShadowTxPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Manager writes and clears shadow escrow records.
type Manager struct {
	store  bookings.Store
	logger *slog.Logger
}

// NewManager creates a shadow manager.
func NewManager(store bookings.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// WriteShadow overwrites the booking's escrow fields with the given values
// and the chain's identity, then reads the row back.
func (m *Manager) WriteShadow(ctx context.Context, reservationID string, chain chains.Config, txHash, onchainBookingID string, eventIndex int, state bookings.EscrowState) (*bookings.Booking, error) {
	rec := bookings.EscrowRecord{
		State:            state,
		ChainKey:         chain.Key,
		ChainID:          chain.ChainID,
		ContractAddress:  chain.EscrowContract,
		TxHash:           txHash,
		OnchainBookingID: onchainBookingID,
		EventIndex:       eventIndex,
	}

	if err := m.store.UpdateEscrow(ctx, reservationID, rec); err != nil {
		shadowOps.WithLabelValues("write", "error").Inc()
		return nil, fmt.Errorf("write escrow record for %s: %w", reservationID, err)
	}

	b, err := m.store.Get(ctx, reservationID)
	if err != nil {
		shadowOps.WithLabelValues("write", "error").Inc()
		return nil, fmt.Errorf("read back escrow record for %s: %w", reservationID, err)
	}
	if b.Escrow.State != state || b.Escrow.TxHash != txHash || b.Escrow.ChainKey != chain.Key {
		shadowOps.WithLabelValues("write", "unconfirmed").Inc()
		return b, ErrNotConfirmed
	}

	shadowOps.WithLabelValues("write", "ok").Inc()
	return b, nil
}

// FindStaleCandidates returns pending_lock bookings on chainKey whose tx hash
// is a shadow placeholder. Rows failing either condition are dropped even if
// the store returned them.
func (m *Manager) FindStaleCandidates(ctx context.Context, chainKey string, limit int) ([]*bookings.Booking, error) {
	rows, err := m.store.ListShadowCandidates(ctx, chainKey, bookings.ShadowTxPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("list shadow candidates: %w", err)
	}

	out := make([]*bookings.Booking, 0, len(rows))
	for _, b := range rows {
		if b.Escrow.IsShadow() && b.Escrow.ChainKey == chainKey {
			out = append(out, b)
		}
	}
	return out, nil
}

// ClearShadow resets the booking's escrow fields to none if it still holds
// the expected placeholder on chainKey. It reports whether the row is cleared
// afterwards, not whether the update ran.
func (m *Manager) ClearShadow(ctx context.Context, reservationID, chainKey, expectedTxHash string) (bool, error) {
	if err := m.store.ClearShadowEscrow(ctx, reservationID, chainKey, expectedTxHash); err != nil {
		shadowOps.WithLabelValues("clear", "error").Inc()
		return false, fmt.Errorf("clear shadow escrow for %s: %w", reservationID, err)
	}

	b, err := m.store.Get(ctx, reservationID)
	if err != nil {
		shadowOps.WithLabelValues("clear", "error").Inc()
		return false, fmt.Errorf("read back shadow escrow for %s: %w", reservationID, err)
	}

	cleared := b.Escrow.IsCleared()
	if cleared {
		shadowOps.WithLabelValues("clear", "ok").Inc()
	} else {
		shadowOps.WithLabelValues("clear", "guard_miss").Inc()
	}
	return cleared, nil
}

// Candidate is the operator view of a stale shadow row.
type Candidate struct {
	ReservationID   string               `json:"reservationId"`
	ReservationCode string               `json:"reservationCode"`
	EscrowState     bookings.EscrowState `json:"escrowState"`
	ChainTxHash     string               `json:"chainTxHash"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// CleanupReport is the result of a dry run or executed cleanup.
type CleanupReport struct {
	ChainKey              string      `json:"chainKey"`
	Executed              bool        `json:"executed"`
	CandidateCount        int         `json:"candidateCount"`
	CleanedCount          int         `json:"cleanedCount"`
	CleanedReservationIDs []string    `json:"cleanedReservationIds"`
	Candidates            []Candidate `json:"candidates"`
}

// Cleanup lists stale shadow rows on chainKey and, when execute is set,
// clears each one. A row that fails to clear is logged and left out of the
// cleaned list; the batch continues.
func (m *Manager) Cleanup(ctx context.Context, chainKey string, limit int, execute bool) (*CleanupReport, error) {
	rows, err := m.FindStaleCandidates(ctx, chainKey, limit)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{
		ChainKey:              chainKey,
		Executed:              execute,
		CandidateCount:        len(rows),
		CleanedReservationIDs: []string{},
		Candidates:            make([]Candidate, 0, len(rows)),
	}
	for _, b := range rows {
		report.Candidates = append(report.Candidates, Candidate{
			ReservationID:   b.ReservationID,
			ReservationCode: b.ReservationCode,
			EscrowState:     b.Escrow.State,
			ChainTxHash:     b.Escrow.TxHash,
			CreatedAt:       b.CreatedAt,
		})
	}

	if !execute {
		return report, nil
	}

	for _, b := range rows {
		if b.ReservationID == "" || b.Escrow.TxHash == "" {
			continue
		}
		ok, err := m.ClearShadow(ctx, b.ReservationID, chainKey, b.Escrow.TxHash)
		if err != nil {
			m.logger.Warn("shadow escrow cleanup failed",
				"chain", chainKey, "reservation_id", b.ReservationID, "error", err)
			continue
		}
		if ok {
			report.CleanedReservationIDs = append(report.CleanedReservationIDs, b.ReservationID)
		}
	}
	report.CleanedCount = len(report.CleanedReservationIDs)

	m.logger.Info("shadow escrow cleanup executed",
		"chain", chainKey, "candidates", report.CandidateCount, "cleaned", report.CleanedCount)
	return report, nil
}
