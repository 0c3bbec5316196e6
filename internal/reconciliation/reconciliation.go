// Package reconciliation compares locally recorded escrow state against the
// escrow ledger contract.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/circuitbreaker"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
)

// ErrReadShortCircuited is reported for a booking that was not read because
// the chain's breaker is open.
var ErrReadShortCircuited = errors.New("on-chain reads short-circuited after repeated RPC failures")

// DefaultConcurrency bounds concurrent on-chain reads per batch.
const DefaultConcurrency = 4

// Reader fetches a booking's on-chain escrow record.
type Reader interface {
	Read(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*escrowchain.OnchainRecord, error)
}

// Result classifies one booking.
type Result string

const (
	ResultMatch          Result = "match"
	ResultMismatch       Result = "mismatch"
	ResultMissingOnchain Result = "missing_onchain"
	ResultSkipped        Result = "skipped"
)

// Summary counts one batch. It is built from scratch per run.
type Summary struct {
	Total          int  `json:"total"`
	Match          int  `json:"match"`
	Mismatch       int  `json:"mismatch"`
	MissingOnchain int  `json:"missingOnchain"`
	Skipped        int  `json:"skipped"`
	Alert          bool `json:"alert"`
}

func (s *Summary) add(r Result) {
	s.Total++
	switch r {
	case ResultMatch:
		s.Match++
	case ResultMismatch:
		s.Mismatch++
	case ResultMissingOnchain:
		s.MissingOnchain++
	default:
		s.Skipped++
	}
}

// finalize is the only place Alert is set. Skipped bookings never raise it.
func (s *Summary) finalize() {
	s.Alert = s.Mismatch+s.MissingOnchain > 0
}

// Item is the per-booking reconciliation detail.
type Item struct {
	ReservationID    string                   `json:"reservationId"`
	ReservationCode  string                   `json:"reservationCode"`
	DBEscrowState    bookings.EscrowState     `json:"dbEscrowState"`
	ChainKey         string                   `json:"chainKey,omitempty"`
	ChainID          int64                    `json:"chainId,omitempty"`
	ChainTxHash      string                   `json:"chainTxHash,omitempty"`
	OnchainBookingID string                   `json:"onchainBookingId,omitempty"`
	OnchainState     escrowchain.OnchainState `json:"onchainState,omitempty"`
	OnchainAmountWei string                   `json:"onchainAmountWei,omitempty"`
	Result           Result                   `json:"result"`
	Reason           string                   `json:"reason,omitempty"`
}

// Report is one inspected page.
type Report struct {
	ChainKey string  `json:"chainKey"`
	Items    []Item  `json:"items"`
	Count    int     `json:"count"`
	Limit    int     `json:"limit"`
	Offset   int     `json:"offset"`
	HasMore  bool    `json:"hasMore"`
	Summary  Summary `json:"summary"`
}

// Engine classifies bookings against the chain.
type Engine struct {
	registry    *chains.Registry
	store       bookings.Store
	reader      Reader
	concurrency int
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithConcurrency bounds concurrent reads. Values below 1 mean sequential.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.concurrency = n
	}
}

// WithBreaker short-circuits reads on a chain whose RPC keeps failing.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(e *Engine) {
		e.breaker = b
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a reconciliation engine.
func NewEngine(registry *chains.Registry, store bookings.Store, reader Reader, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		store:       store,
		reader:      reader,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile classifies up to limit candidate bookings on chainKey. An unknown
// or disabled chain fails before any booking is read; a failed read only
// skips that booking.
func (e *Engine) Reconcile(ctx context.Context, chainKey string, limit int) (*Summary, error) {
	report, err := e.Inspect(ctx, chainKey, limit, 0)
	if err != nil {
		return nil, err
	}
	return &report.Summary, nil
}

// Inspect reconciles one page of candidates and returns the per-booking items.
// Count is the store's total; Summary covers the page only.
func (e *Engine) Inspect(ctx context.Context, chainKey string, limit, offset int) (*Report, error) {
	key := e.registry.Resolve(chainKey)
	chain, err := e.registry.Get(key)
	if err != nil {
		return nil, err
	}

	rows, total, err := e.store.ListEscrowCandidates(ctx, chain.Key, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list escrow candidates: %w", err)
	}

	items := e.classifyAll(ctx, chain, rows)

	var summary Summary
	for _, it := range items {
		summary.add(it.Result)
	}
	summary.finalize()

	return &Report{
		ChainKey: chain.Key,
		Items:    items,
		Count:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  offset+len(items) < total,
		Summary:  summary,
	}, nil
}

// classifyAll reads every booking through a bounded pool. Each worker writes
// only its own slot, so nothing is shared until the join.
func (e *Engine) classifyAll(ctx context.Context, chain chains.Config, rows []*bookings.Booking) []Item {
	items := make([]Item, len(rows))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, b := range rows {
		g.Go(func() error {
			items[i] = e.classifyOne(ctx, chain, b)
			return nil
		})
	}
	_ = g.Wait()

	return items
}

func (e *Engine) classifyOne(ctx context.Context, chain chains.Config, b *bookings.Booking) Item {
	item := Item{
		ReservationID:    b.ReservationID,
		ReservationCode:  b.ReservationCode,
		DBEscrowState:    b.Escrow.State,
		ChainKey:         b.Escrow.ChainKey,
		ChainID:          b.Escrow.ChainID,
		ChainTxHash:      b.Escrow.TxHash,
		OnchainBookingID: b.Escrow.OnchainBookingID,
	}

	rec, err := e.read(ctx, chain, b)
	if err != nil {
		item.Result = ResultSkipped
		item.Reason = err.Error()
		e.logger.Debug("escrow reconciliation read skipped",
			"chain", chain.Key, "reservation_id", b.ReservationID, "error", err)
		return item
	}

	if item.OnchainBookingID == "" {
		item.OnchainBookingID = rec.BookingID
	}
	item.OnchainState = rec.State
	item.OnchainAmountWei = rec.AmountWei.String()
	item.Result, item.Reason = classify(b.Escrow.State, rec.State)
	return item
}

func (e *Engine) read(ctx context.Context, chain chains.Config, b *bookings.Booking) (*escrowchain.OnchainRecord, error) {
	if e.breaker != nil && !e.breaker.Allow(chain.Key) {
		return nil, ErrReadShortCircuited
	}

	rec, err := e.reader.Read(ctx, chain, b.ReservationID, b.Escrow.OnchainBookingID)
	if e.breaker != nil {
		// Only transport failures count against the chain; a bad tuple for
		// one booking still proves the RPC answered.
		if errors.Is(err, escrowchain.ErrRPCUnreachable) {
			e.breaker.RecordFailure(chain.Key)
		} else {
			e.breaker.RecordSuccess(chain.Key)
		}
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("empty on-chain read")
	}
	return rec, nil
}

// classify compares one booking. An on-chain none is always missing, even for
// a local pending_lock.
func classify(db bookings.EscrowState, onchain escrowchain.OnchainState) (Result, string) {
	switch {
	case onchain == escrowchain.StateNone:
		return ResultMissingOnchain, "No escrow record found on-chain for booking id."
	case string(db) == string(onchain):
		return ResultMatch, ""
	default:
		return ResultMismatch, fmt.Sprintf("DB escrow_state='%s' differs from on-chain state='%s'.", db, onchain)
	}
}
