package bookings

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore reads and writes the escrow columns of the reservations table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `reservation_id, reservation_code,
		       escrow_state, chain_key, chain_id, escrow_contract_address,
		       chain_tx_hash, onchain_booking_id, escrow_event_index,
		       created_at, updated_at`

// Create registers a reservation.
func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	if err := b.Escrow.Validate(); err != nil {
		return err
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (
			reservation_id, reservation_code,
			escrow_state, chain_key, chain_id, escrow_contract_address,
			chain_tx_hash, onchain_booking_id, escrow_event_index,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		b.ReservationID, nullString(b.ReservationCode),
		string(stateOrNone(b.Escrow.State)), nullString(b.Escrow.ChainKey), nullInt64(b.Escrow.ChainID),
		nullString(b.Escrow.ContractAddress), nullString(b.Escrow.TxHash), nullString(b.Escrow.OnchainBookingID),
		eventIndex(b.Escrow), createdAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reservationID string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM reservations WHERE reservation_id = $1`, reservationID)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) ListEscrowCandidates(ctx context.Context, chainKey string, limit, offset int) ([]*Booking, int, error) {
	states := make([]string, len(CandidateStates))
	for i, s := range CandidateStates {
		states[i] = string(s)
	}

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE chain_key = $1 AND escrow_state = ANY($2)`,
		chainKey, pq.Array(states),
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM reservations
		WHERE chain_key = $1 AND escrow_state = ANY($2)
		ORDER BY created_at DESC, reservation_id ASC
		LIMIT $3 OFFSET $4`,
		chainKey, pq.Array(states), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanBookings(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (p *PostgresStore) UpdateEscrow(ctx context.Context, reservationID string, rec EscrowRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET
			escrow_state = $1, chain_key = $2, chain_id = $3,
			escrow_contract_address = $4, chain_tx_hash = $5,
			onchain_booking_id = $6, escrow_event_index = $7,
			updated_at = NOW()
		WHERE reservation_id = $8`,
		string(stateOrNone(rec.State)), nullString(rec.ChainKey), nullInt64(rec.ChainID),
		nullString(rec.ContractAddress), nullString(rec.TxHash),
		nullString(rec.OnchainBookingID), eventIndex(rec),
		reservationID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListShadowCandidates(ctx context.Context, chainKey, txPrefix string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM reservations
		WHERE chain_key = $1
		  AND escrow_state = $2
		  AND chain_tx_hash LIKE $3
		ORDER BY created_at DESC, reservation_id ASC
		LIMIT $4`,
		chainKey, string(StatePendingLock), escapeLike(txPrefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ClearShadowEscrow(ctx context.Context, reservationID, chainKey, expectedTxHash string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET
			escrow_state = 'none', chain_key = NULL, chain_id = NULL,
			escrow_contract_address = NULL, chain_tx_hash = NULL,
			onchain_booking_id = NULL, escrow_event_index = NULL,
			updated_at = NOW()
		WHERE reservation_id = $1
		  AND chain_key = $2
		  AND escrow_state = $3
		  AND chain_tx_hash = $4`,
		reservationID, chainKey, string(StatePendingLock), expectedTxHash)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		code      sql.NullString
		state     sql.NullString
		chainKey  sql.NullString
		chainID   sql.NullInt64
		contract  sql.NullString
		txHash    sql.NullString
		onchainID sql.NullString
		evIndex   sql.NullInt64
	)

	err := s.Scan(
		&b.ReservationID, &code,
		&state, &chainKey, &chainID, &contract,
		&txHash, &onchainID, &evIndex,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.ReservationCode = code.String
	b.Escrow = EscrowRecord{
		State:            ParseEscrowState(state.String),
		ChainKey:         chainKey.String,
		ChainID:          chainID.Int64,
		ContractAddress:  contract.String,
		TxHash:           txHash.String,
		OnchainBookingID: onchainID.String,
		EventIndex:       int(evIndex.Int64),
	}
	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// eventIndex is stored only when the record points at a chain.
func eventIndex(r EscrowRecord) sql.NullInt64 {
	if r.ChainKey == "" && r.TxHash == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(r.EventIndex), Valid: true}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
