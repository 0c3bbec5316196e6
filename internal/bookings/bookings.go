// Package bookings is the narrow view of the reservation store the escrow
// service reads and writes: the escrow columns of a reservation row.
package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("bookings: reservation not found")
	ErrInvalidRecord = errors.New("bookings: invalid escrow record")
)

// EscrowState is the locally recorded escrow lifecycle state.
type EscrowState string

const (
	StateNone        EscrowState = "none"
	StatePendingLock EscrowState = "pending_lock"
	StateLocked      EscrowState = "locked"
	StateReleased    EscrowState = "released"
	StateRefunded    EscrowState = "refunded"
	StateFailed      EscrowState = "failed"
)

// CandidateStates are the states that claim escrow activity. Bookings in any
// other state are never reconciled.
var CandidateStates = []EscrowState{
	StatePendingLock,
	StateLocked,
	StateReleased,
	StateRefunded,
	StateFailed,
}

// ShadowTxPrefix marks a placeholder transaction hash written before on-chain
// locking was enabled. Real hashes are 0x-hex and can never carry it.
const ShadowTxPrefix = "shadow-"

// Valid reports whether s is a known state.
func (s EscrowState) Valid() bool {
	switch s {
	case StateNone, StatePendingLock, StateLocked, StateReleased, StateRefunded, StateFailed:
		return true
	}
	return false
}

// ParseEscrowState normalizes a stored state. Empty means none.
func ParseEscrowState(raw string) EscrowState {
	s := EscrowState(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return StateNone
	}
	return s
}

// EscrowRecord is the escrow metadata carried on a reservation row.
type EscrowRecord struct {
	State            EscrowState `json:"escrowState"`
	ChainKey         string      `json:"chainKey,omitempty"`
	ChainID          int64       `json:"chainId,omitempty"`
	ContractAddress  string      `json:"escrowContractAddress,omitempty"`
	TxHash           string      `json:"chainTxHash,omitempty"`
	OnchainBookingID string      `json:"onchainBookingId,omitempty"`
	EventIndex       int         `json:"escrowEventIndex"`
}

// Validate enforces the record invariants every store write relies on.
func (r EscrowRecord) Validate() error {
	if !stateOrNone(r.State).Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, r.State)
	}
	if r.State == StateLocked && (r.TxHash == "" || r.OnchainBookingID == "") {
		return fmt.Errorf("%w: locked requires tx hash and on-chain booking id", ErrInvalidRecord)
	}
	if r.EventIndex < 0 {
		return fmt.Errorf("%w: negative event index", ErrInvalidRecord)
	}
	return nil
}

// IsShadow reports whether the record is an unsettled shadow placeholder.
func (r EscrowRecord) IsShadow() bool {
	return r.State == StatePendingLock && strings.HasPrefix(r.TxHash, ShadowTxPrefix)
}

// IsCleared reports whether no escrow metadata remains.
func (r EscrowRecord) IsCleared() bool {
	return r.State == StateNone && r.ChainKey == "" && r.TxHash == "" && r.OnchainBookingID == ""
}

// Booking is a reservation as far as escrow is concerned.
type Booking struct {
	ReservationID   string       `json:"reservationId"`
	ReservationCode string       `json:"reservationCode,omitempty"`
	Escrow          EscrowRecord `json:"escrow"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Store is the booking record store.
type Store interface {
	Get(ctx context.Context, reservationID string) (*Booking, error)

	// ListEscrowCandidates returns a page of bookings on chainKey whose state
	// is one of CandidateStates, newest first, plus the total match count.
	ListEscrowCandidates(ctx context.Context, chainKey string, limit, offset int) ([]*Booking, int, error)

	// UpdateEscrow overwrites the escrow fields of a reservation.
	UpdateEscrow(ctx context.Context, reservationID string, rec EscrowRecord) error

	// ListShadowCandidates returns pending_lock bookings on chainKey whose tx
	// hash starts with txPrefix, newest first.
	ListShadowCandidates(ctx context.Context, chainKey, txPrefix string, limit int) ([]*Booking, error)

	// ClearShadowEscrow resets the escrow fields to none, but only when the row
	// still has chainKey, pending_lock and expectedTxHash. A guard miss is not
	// an error; callers read back to learn the outcome.
	ClearShadowEscrow(ctx context.Context, reservationID, chainKey, expectedTxHash string) error
}

func stateOrNone(s EscrowState) EscrowState {
	if s == "" {
		return StateNone
	}
	return s
}

func isCandidate(s EscrowState) bool {
	for _, c := range CandidateStates {
		if s == c {
			return true
		}
	}
	return false
}
