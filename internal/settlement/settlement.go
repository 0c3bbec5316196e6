// Package settlement drives escrow settlement from booking lifecycle events.
//
// Hooks never fail the booking operation that triggered them: every call
// returns an Outcome describing what happened, and the caller decides what to
// do with it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
	"github.com/hillside/hillside-escrow/internal/retry"
	"github.com/hillside/hillside-escrow/internal/shadow"
	"github.com/hillside/hillside-escrow/internal/syncutil"
	"github.com/hillside/hillside-escrow/internal/traces"
)

// ErrClosed is returned by Dispatch after Drain has started.
var ErrClosed = errors.New("settlement coordinator is shutting down")

// Event is a booking lifecycle event.
type Event string

const (
	EventCreated   Event = "created"
	EventCheckedIn Event = "checked_in"
	EventCancelled Event = "cancelled"
)

// ParseEvent validates a lifecycle event name.
func ParseEvent(s string) (Event, bool) {
	switch e := Event(s); e {
	case EventCreated, EventCheckedIn, EventCancelled:
		return e, true
	default:
		return "", false
	}
}

// Settler submits settlement transactions.
type Settler interface {
	Lock(ctx context.Context, chain chains.Config, reservationID string) (*escrowchain.Result, error)
	Release(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*escrowchain.Result, error)
	Refund(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*escrowchain.Result, error)
}

// Features are the rollout flags.
type Features struct {
	ShadowWrite bool
	OnchainLock bool
}

// Outcome reports what a hook did. Exactly one of Applied, Skipped or a
// non-nil Err describes the result.
type Outcome struct {
	Event         Event                  `json:"event"`
	ReservationID string                 `json:"reservationId"`
	Applied       bool                   `json:"applied"`
	Skipped       bool                   `json:"skipped"`
	Reason        string                 `json:"reason,omitempty"`
	Ref           *bookings.EscrowRecord `json:"escrowRef,omitempty"`
	Err           error                  `json:"-"`
}

// Error returns the failure message, or "".
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Persisting a confirmed transaction is retried: the chain has already moved.
const (
	persistAttempts  = 4
	persistBaseDelay = 200 * time.Millisecond
)

// Coordinator runs lifecycle hooks against the chain and the booking store.
type Coordinator struct {
	registry *chains.Registry
	store    bookings.Store
	shadow   *shadow.Manager
	settler  Settler
	features Features
	logger   *slog.Logger

	persistBase time.Duration
	locks       *syncutil.KeyLock

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a lifecycle coordinator.
func NewCoordinator(registry *chains.Registry, store bookings.Store, settler Settler, features Features, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:    registry,
		store:       store,
		shadow:      shadow.NewManager(store, logger),
		settler:     settler,
		features:    features,
		logger:      logger,
		persistBase: persistBaseDelay,
		locks:       syncutil.NewKeyLock(),
	}
}

// Handle runs the hook for event. Hooks for one reservation run one at a
// time so a cancel never interleaves with the lock it follows.
func (c *Coordinator) Handle(ctx context.Context, event Event, reservationID string) Outcome {
	unlock, err := c.locks.Lock(ctx, reservationID)
	if err != nil {
		return Outcome{Event: event, ReservationID: reservationID, Err: fmt.Errorf("wait for reservation %s: %w", reservationID, err)}
	}
	defer unlock()

	switch event {
	case EventCreated:
		return c.OnBookingCreated(ctx, reservationID)
	case EventCheckedIn:
		return c.OnCheckedIn(ctx, reservationID)
	case EventCancelled:
		return c.OnCancelled(ctx, reservationID)
	default:
		return Outcome{Event: event, ReservationID: reservationID, Err: fmt.Errorf("unknown lifecycle event %q", event)}
	}
}

// Dispatch runs the hook on a background goroutine. The result is logged
// only. Drain waits for dispatched hooks.
func (c *Coordinator) Dispatch(event Event, reservationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in escrow lifecycle hook",
					"event", event, "reservation_id", reservationID, "panic", fmt.Sprint(r))
			}
		}()
		c.Handle(context.Background(), event, reservationID)
	}()
	return nil
}

// Drain stops accepting dispatches and waits for in-flight hooks until ctx
// is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain escrow lifecycle hooks: %w", ctx.Err())
	}
}

// OnBookingCreated locks the booking's escrow on the active chain, or writes
// a pending_lock placeholder while on-chain locking is off.
func (c *Coordinator) OnBookingCreated(ctx context.Context, reservationID string) (out Outcome) {
	ctx, span := traces.StartSpan(ctx, "settlement.OnBookingCreated", traces.ReservationID(reservationID))
	defer span.End()

	out = Outcome{Event: EventCreated, ReservationID: reservationID}
	defer func() { c.report(ctx, out) }()

	if !c.features.ShadowWrite {
		return skip(out, "escrow shadow-write disabled")
	}

	chain := c.registry.Active()
	if reason := unusable(chain, c.features.OnchainLock); reason != "" {
		return skip(out, reason)
	}

	if c.features.OnchainLock {
		res, err := c.settler.Lock(ctx, chain, reservationID)
		if err != nil {
			out.Err = err
			out.Reason = "on-chain lock failed"
			return out
		}
		return c.persist(ctx, out, chain, res, bookings.StateLocked)
	}

	b, err := c.shadow.WriteShadow(ctx, reservationID, chain, shadow.NewShadowTxHash(), reservationID, 0, bookings.StatePendingLock)
	if err != nil {
		out.Err = err
		out.Reason = "shadow write failed"
		return out
	}
	out.Applied = true
	out.Ref = &b.Escrow
	return out
}

// OnCheckedIn releases a locked escrow to the host.
func (c *Coordinator) OnCheckedIn(ctx context.Context, reservationID string) Outcome {
	ctx, span := traces.StartSpan(ctx, "settlement.OnCheckedIn", traces.ReservationID(reservationID))
	defer span.End()

	out := c.settle(ctx, EventCheckedIn, reservationID, c.settler.Release, bookings.StateReleased)
	c.report(ctx, out)
	return out
}

// OnCancelled refunds a locked escrow to the guest.
func (c *Coordinator) OnCancelled(ctx context.Context, reservationID string) Outcome {
	ctx, span := traces.StartSpan(ctx, "settlement.OnCancelled", traces.ReservationID(reservationID))
	defer span.End()

	out := c.settle(ctx, EventCancelled, reservationID, c.settler.Refund, bookings.StateRefunded)
	c.report(ctx, out)
	return out
}

type settleFunc func(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*escrowchain.Result, error)

func (c *Coordinator) settle(ctx context.Context, event Event, reservationID string, submit settleFunc, final bookings.EscrowState) Outcome {
	out := Outcome{Event: event, ReservationID: reservationID}

	if !c.features.OnchainLock {
		return skip(out, "on-chain settlement disabled")
	}
	if reservationID == "" {
		return skip(out, "missing reservation id")
	}

	b, err := c.store.Get(ctx, reservationID)
	if err != nil {
		out.Err = fmt.Errorf("load booking: %w", err)
		out.Reason = "booking lookup failed"
		return out
	}
	if b.Escrow.State != bookings.StateLocked {
		return skip(out, fmt.Sprintf("reservation not locked (escrow_state=%s)", b.Escrow.State))
	}

	chain := c.chainFor(b.Escrow.ChainKey)
	if reason := unusable(chain, true); reason != "" {
		return skip(out, reason)
	}

	res, err := submit(ctx, chain, reservationID, b.Escrow.OnchainBookingID)
	if err != nil {
		out.Err = err
		out.Reason = fmt.Sprintf("on-chain %s failed", final)
		return out
	}
	return c.persist(ctx, out, chain, res, final)
}

// chainFor returns the booking's recorded chain, falling back to the active
// one when the key is empty or no longer configured.
func (c *Coordinator) chainFor(key string) chains.Config {
	if key != "" {
		if chain, ok := c.registry.Lookup(key); ok {
			return chain
		}
	}
	return c.registry.Active()
}

func (c *Coordinator) persist(ctx context.Context, out Outcome, chain chains.Config, res *escrowchain.Result, state bookings.EscrowState) Outcome {
	var b *bookings.Booking
	err := retry.DoNotify(ctx, persistAttempts, c.persistBase, func() error {
		var werr error
		b, werr = c.shadow.WriteShadow(ctx, out.ReservationID, chain, res.TxHash, res.OnchainBookingID, res.EventIndex, state)
		if errors.Is(werr, bookings.ErrNotFound) || errors.Is(werr, bookings.ErrInvalidRecord) {
			return retry.Permanent(werr)
		}
		return werr
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "escrow record write failed, retrying",
			"reservation_id", out.ReservationID, "tx_hash", res.TxHash,
			"attempt", attempt, "backoff", wait, "error", err)
	})
	if err != nil {
		out.Err = err
		out.Reason = fmt.Sprintf("transaction %s confirmed but escrow record not persisted", res.TxHash)
		return out
	}

	out.Applied = true
	out.Ref = &b.Escrow
	return out
}

func (c *Coordinator) report(ctx context.Context, out Outcome) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(traces.Outcome(out.Applied, out.Skipped))
	if out.Err != nil {
		span.RecordError(out.Err)
	}

	attrs := []any{"event", out.Event, "reservation_id", out.ReservationID}
	if out.Ref != nil {
		attrs = append(attrs, "chain", out.Ref.ChainKey, "tx_hash", out.Ref.TxHash, "escrow_state", out.Ref.State)
	}

	switch {
	case out.Err != nil:
		hookOutcomes.WithLabelValues(string(out.Event), "failed").Inc()
		c.logger.ErrorContext(ctx, "escrow lifecycle hook failed",
			append(attrs, "reason", out.Reason, "error", out.Err)...)
	case out.Skipped:
		hookOutcomes.WithLabelValues(string(out.Event), "skipped").Inc()
		c.logger.InfoContext(ctx, "escrow lifecycle hook skipped", append(attrs, "reason", out.Reason)...)
	default:
		hookOutcomes.WithLabelValues(string(out.Event), "applied").Inc()
		c.logger.InfoContext(ctx, "escrow lifecycle hook applied", attrs...)
	}
}

func skip(out Outcome, reason string) Outcome {
	out.Skipped = true
	out.Reason = reason
	return out
}

// unusable returns why chain cannot take a settlement write, or "".
func unusable(chain chains.Config, needSigner bool) string {
	switch {
	case chain.Key == "":
		return "no chain configured"
	case !chain.Enabled:
		return fmt.Sprintf("chain '%s' is disabled", chain.Key)
	case chain.RPCURL == "" || chain.EscrowContract == "":
		return fmt.Sprintf("chain '%s' not fully configured", chain.Key)
	case needSigner && chain.SignerKey == "":
		return fmt.Sprintf("signer key missing for chain '%s'", chain.Key)
	default:
		return ""
	}
}
