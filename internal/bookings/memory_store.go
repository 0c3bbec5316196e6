package bookings

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
	}
}

// Create registers a reservation.
func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	if err := b.Escrow.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	cp.Escrow.State = stateOrNone(cp.Escrow.State)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.bookings[b.ReservationID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, reservationID string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListEscrowCandidates(ctx context.Context, chainKey string, limit, offset int) ([]*Booking, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Booking
	for _, b := range m.bookings {
		if b.Escrow.ChainKey == chainKey && isCandidate(b.Escrow.State) {
			cp := *b
			matched = append(matched, &cp)
		}
	}
	sortNewestFirst(matched)

	total := len(matched)
	if offset >= total {
		return []*Booking{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryStore) UpdateEscrow(ctx context.Context, reservationID string, rec EscrowRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[reservationID]
	if !ok {
		return ErrNotFound
	}
	rec.State = stateOrNone(rec.State)
	b.Escrow = rec
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListShadowCandidates(ctx context.Context, chainKey, txPrefix string, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if b.Escrow.ChainKey == chainKey &&
			b.Escrow.State == StatePendingLock &&
			strings.HasPrefix(b.Escrow.TxHash, txPrefix) {
			cp := *b
			result = append(result, &cp)
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ClearShadowEscrow(ctx context.Context, reservationID, chainKey, expectedTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[reservationID]
	if !ok {
		return nil
	}
	if b.Escrow.ChainKey != chainKey || b.Escrow.State != StatePendingLock || b.Escrow.TxHash != expectedTxHash {
		return nil
	}
	b.Escrow = EscrowRecord{State: StateNone}
	b.UpdatedAt = time.Now()
	return nil
}

// sortNewestFirst orders by creation time descending, breaking ties by id so
// pages are stable.
func sortNewestFirst(list []*Booking) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ReservationID < list[j].ReservationID
	})
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
