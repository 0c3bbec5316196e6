package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/circuitbreaker"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
)

type fakeReader struct {
	mu          sync.Mutex
	records     map[string]*escrowchain.OnchainRecord
	errs        map[string]error
	defaultErr  error
	delay       time.Duration
	calls       int
	inFlight    int
	maxInFlight int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		records: make(map[string]*escrowchain.OnchainRecord),
		errs:    make(map[string]error),
	}
}

func (f *fakeReader) set(id string, state escrowchain.OnchainState, amount int64) {
	f.records[id] = &escrowchain.OnchainRecord{
		BookingID: fmt.Sprintf("0x%064x", len(f.records)+1),
		State:     state,
		AmountWei: big.NewInt(amount),
	}
}

func (f *fakeReader) Read(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*escrowchain.OnchainRecord, error) {
	f.mu.Lock()
	f.calls++
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

	if err, ok := f.errs[reservationID]; ok {
		return nil, err
	}
	if f.defaultErr != nil {
		return nil, f.defaultErr
	}
	if rec, ok := f.records[reservationID]; ok {
		cp := *rec
		return &cp, nil
	}
	return &escrowchain.OnchainRecord{State: escrowchain.StateNone, AmountWei: big.NewInt(0)}, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRegistry() *chains.Registry {
	return chains.New(chains.Sepolia,
		chains.Config{Key: chains.Sepolia, ChainID: 11155111, RPCURL: "http://sepolia.invalid", EscrowContract: "0x00000000000000000000000000000000000000e1", Enabled: true},
		chains.Config{Key: chains.Amoy, ChainID: 80002, RPCURL: "http://amoy.invalid", EscrowContract: "0x00000000000000000000000000000000000000e2", Enabled: false},
	)
}

var seedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedBooking(t *testing.T, s *bookings.MemoryStore, id string, age time.Duration, state bookings.EscrowState) {
	t.Helper()
	rec := bookings.EscrowRecord{State: state, ChainKey: chains.Sepolia, ChainID: 11155111}
	switch state {
	case bookings.StatePendingLock:
		rec.TxHash = bookings.ShadowTxPrefix + id
	case bookings.StateFailed:
	default:
		rec.TxHash = "0xtx-" + id
		rec.OnchainBookingID = "0xbooking-" + id
	}
	require.NoError(t, s.Create(context.Background(), &bookings.Booking{
		ReservationID:   id,
		ReservationCode: "HR-" + id,
		Escrow:          rec,
		CreatedAt:       seedTime.Add(-age),
	}))
}

func TestReconcile_MatchAndMissingOnchain(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", time.Hour, bookings.StateLocked)
	seedBooking(t, store, "b2", 2*time.Hour, bookings.StateLocked)

	reader := newFakeReader()
	reader.set("b1", escrowchain.StateLocked, 1)

	e := NewEngine(testRegistry(), store, reader)
	summary, err := e.Reconcile(context.Background(), "sepolia", 10)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 2, Match: 1, MissingOnchain: 1, Alert: true}, *summary)
}

func TestReconcile_CategoriesSumToTotal(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "match", 1*time.Minute, bookings.StateReleased)
	seedBooking(t, store, "mismatch", 2*time.Minute, bookings.StateLocked)
	seedBooking(t, store, "missing", 3*time.Minute, bookings.StateRefunded)
	seedBooking(t, store, "pending", 4*time.Minute, bookings.StatePendingLock)
	seedBooking(t, store, "failed", 5*time.Minute, bookings.StateFailed)
	seedBooking(t, store, "broken", 6*time.Minute, bookings.StateLocked)

	reader := newFakeReader()
	reader.set("match", escrowchain.StateReleased, 5)
	reader.set("mismatch", escrowchain.StateRefunded, 5)
	reader.set("failed", escrowchain.StateLocked, 5)
	reader.errs["broken"] = errors.New("execution reverted")

	e := NewEngine(testRegistry(), store, reader)
	summary, err := e.Reconcile(context.Background(), "sepolia", 50)
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, summary.Total, summary.Match+summary.Mismatch+summary.MissingOnchain+summary.Skipped)
	assert.Equal(t, 1, summary.Match)
	assert.Equal(t, 2, summary.Mismatch)
	// A pending_lock booking with no chain record is missing, not matched.
	assert.Equal(t, 2, summary.MissingOnchain)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, summary.Alert)
}

func TestReconcile_SkippedAloneDoesNotAlert(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", time.Minute, bookings.StateLocked)
	seedBooking(t, store, "b2", 2*time.Minute, bookings.StateLocked)

	reader := newFakeReader()
	reader.set("b1", escrowchain.StateLocked, 1)
	reader.errs["b2"] = errors.New("rpc timeout")

	e := NewEngine(testRegistry(), store, reader)
	summary, err := e.Reconcile(context.Background(), "", 10)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 2, Match: 1, Skipped: 1}, *summary)
	assert.False(t, summary.Alert)
}

func TestReconcile_Idempotent(t *testing.T) {
	store := bookings.NewMemoryStore()
	for i := 0; i < 8; i++ {
		seedBooking(t, store, fmt.Sprintf("b%d", i), time.Duration(i)*time.Minute, bookings.StateLocked)
	}
	reader := newFakeReader()
	reader.set("b1", escrowchain.StateLocked, 1)
	reader.set("b2", escrowchain.StateReleased, 1)
	reader.errs["b3"] = errors.New("boom")

	e := NewEngine(testRegistry(), store, reader, WithConcurrency(3))
	first, err := e.Reconcile(context.Background(), "sepolia", 100)
	require.NoError(t, err)
	second, err := e.Reconcile(context.Background(), "sepolia", 100)
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
}

func TestReconcile_RespectsLimit(t *testing.T) {
	store := bookings.NewMemoryStore()
	for i := 0; i < 5; i++ {
		seedBooking(t, store, fmt.Sprintf("b%d", i), time.Duration(i)*time.Minute, bookings.StateLocked)
	}
	reader := newFakeReader()

	e := NewEngine(testRegistry(), store, reader)
	summary, err := e.Reconcile(context.Background(), "sepolia", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, reader.callCount())
}

func TestReconcile_ChainErrorsBeforeAnyRead(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", 0, bookings.StateLocked)
	reader := newFakeReader()
	e := NewEngine(testRegistry(), store, reader)

	_, err := e.Reconcile(context.Background(), "amoy", 10)
	assert.ErrorIs(t, err, chains.ErrChainDisabled)

	_, err = e.Reconcile(context.Background(), "mainnet", 10)
	assert.ErrorIs(t, err, chains.ErrUnknownChain)
	assert.Contains(t, err.Error(), "'mainnet'")

	assert.Zero(t, reader.callCount())
}

func TestReconcile_EmptyBatch(t *testing.T) {
	e := NewEngine(testRegistry(), bookings.NewMemoryStore(), newFakeReader())
	summary, err := e.Reconcile(context.Background(), "sepolia", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, *summary)
}

func TestReconcile_BoundedConcurrency(t *testing.T) {
	store := bookings.NewMemoryStore()
	for i := 0; i < 12; i++ {
		seedBooking(t, store, fmt.Sprintf("b%02d", i), time.Duration(i)*time.Minute, bookings.StateLocked)
	}
	reader := newFakeReader()
	reader.delay = 5 * time.Millisecond

	e := NewEngine(testRegistry(), store, reader, WithConcurrency(3))
	summary, err := e.Reconcile(context.Background(), "sepolia", 100)
	require.NoError(t, err)

	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 12, reader.callCount())
	assert.LessOrEqual(t, reader.maxInFlight, 3)
}

func TestReconcile_BreakerShortCircuitsUnreachableRPC(t *testing.T) {
	store := bookings.NewMemoryStore()
	for i := 0; i < 5; i++ {
		seedBooking(t, store, fmt.Sprintf("b%d", i), time.Duration(i)*time.Minute, bookings.StateLocked)
	}
	reader := newFakeReader()
	reader.defaultErr = &escrowchain.Error{Op: "read", Chain: "sepolia", Err: escrowchain.ErrRPCUnreachable}

	breaker := circuitbreaker.New(2, time.Hour)
	e := NewEngine(testRegistry(), store, reader, WithConcurrency(1), WithBreaker(breaker))

	report, err := e.Inspect(context.Background(), "sepolia", 10, 0)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Summary.Skipped)
	assert.False(t, report.Summary.Alert)
	assert.Equal(t, 2, reader.callCount())
	assert.Equal(t, ErrReadShortCircuited.Error(), report.Items[4].Reason)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("sepolia"))
}

func TestReconcile_BreakerIgnoresPerBookingCallErrors(t *testing.T) {
	store := bookings.NewMemoryStore()
	for i := 0; i < 4; i++ {
		seedBooking(t, store, fmt.Sprintf("b%d", i), time.Duration(i)*time.Minute, bookings.StateLocked)
	}
	reader := newFakeReader()
	reader.defaultErr = &escrowchain.Error{Op: "read", Chain: "sepolia", Err: escrowchain.ErrCall}

	breaker := circuitbreaker.New(2, time.Hour)
	e := NewEngine(testRegistry(), store, reader, WithConcurrency(1), WithBreaker(breaker))

	summary, err := e.Reconcile(context.Background(), "sepolia", 10)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 4, reader.callCount())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("sepolia"))
}

func TestInspect_ItemsAndPaging(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "newest", 1*time.Minute, bookings.StateLocked)
	seedBooking(t, store, "middle", 2*time.Minute, bookings.StatePendingLock)
	seedBooking(t, store, "oldest", 3*time.Minute, bookings.StateReleased)

	reader := newFakeReader()
	reader.set("newest", escrowchain.StateReleased, 42)
	reader.set("middle", escrowchain.StateLocked, 7)

	e := NewEngine(testRegistry(), store, reader)
	report, err := e.Inspect(context.Background(), "", 2, 0)
	require.NoError(t, err)

	assert.Equal(t, "sepolia", report.ChainKey)
	assert.Equal(t, 3, report.Count)
	assert.True(t, report.HasMore)
	require.Len(t, report.Items, 2)

	first := report.Items[0]
	assert.Equal(t, "newest", first.ReservationID)
	assert.Equal(t, "HR-newest", first.ReservationCode)
	assert.Equal(t, ResultMismatch, first.Result)
	assert.Equal(t, "DB escrow_state='locked' differs from on-chain state='released'.", first.Reason)
	assert.Equal(t, "42", first.OnchainAmountWei)
	assert.Equal(t, "0xbooking-newest", first.OnchainBookingID)

	second := report.Items[1]
	assert.Equal(t, bookings.StatePendingLock, second.DBEscrowState)
	assert.Equal(t, ResultMismatch, second.Result)
	// No local booking id recorded: the on-chain one is reported.
	assert.Equal(t, reader.records["middle"].BookingID, second.OnchainBookingID)

	report, err = e.Inspect(context.Background(), "sepolia", 2, 2)
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	assert.False(t, report.HasMore)
	assert.Equal(t, ResultMissingOnchain, report.Items[0].Result)
	assert.Equal(t, "No escrow record found on-chain for booking id.", report.Items[0].Reason)
	assert.Equal(t, 1, report.Summary.Total)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		db      bookings.EscrowState
		onchain escrowchain.OnchainState
		want    Result
	}{
		{bookings.StateLocked, escrowchain.StateLocked, ResultMatch},
		{bookings.StateReleased, escrowchain.StateReleased, ResultMatch},
		{bookings.StateRefunded, escrowchain.StateRefunded, ResultMatch},
		{bookings.StateLocked, escrowchain.StateNone, ResultMissingOnchain},
		{bookings.StatePendingLock, escrowchain.StateNone, ResultMissingOnchain},
		{bookings.StatePendingLock, escrowchain.StateLocked, ResultMismatch},
		{bookings.StateFailed, escrowchain.StateRefunded, ResultMismatch},
	}
	for _, tt := range tests {
		t.Run(string(tt.db)+"/"+string(tt.onchain), func(t *testing.T) {
			got, reason := classify(tt.db, tt.onchain)
			assert.Equal(t, tt.want, got)
			if got == ResultMatch {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
