package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/x402-foundation/paygate/internal/verify"
)

// RecordIfAbsent inserts the payment, letting the primary key on
// tx_reference arbitrate concurrent consumption. On a unique violation the
// request id of the winning record is returned so the caller can tell a
// genuine replay from its own earlier insert.
func (s *Store) RecordIfAbsent(ctx context.Context, rec verify.PaymentRecord) (bool, string, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (tx_reference, request_id, api_id, amount, payer_address)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
		rec.TxReference, rec.RequestID, rec.APIID, rec.Amount, rec.PayerAddress)
	if err == nil {
		return true, "", nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		var existingRequestID string
		err := s.db.QueryRow(ctx,
			"SELECT COALESCE(request_id, '') FROM payments WHERE tx_reference = $1",
			rec.TxReference).Scan(&existingRequestID)
		if err != nil {
			return false, "", fmt.Errorf("unable to load existing payment: %w", err)
		}
		return false, existingRequestID, nil
	}
	return false, "", fmt.Errorf("unable to record payment: %w", err)
}

// GetPayment retrieves a consumed payment by transaction reference.
func (s *Store) GetPayment(ctx context.Context, txReference string) (*Payment, error) {
	var p Payment
	err := s.db.QueryRow(ctx, `
		SELECT tx_reference, COALESCE(request_id, ''), COALESCE(api_id, ''),
			amount, payer_address, created_at
		FROM payments WHERE tx_reference = $1`,
		txReference).Scan(&p.TxReference, &p.RequestID, &p.APIID, &p.Amount,
		&p.PayerAddress, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load payment: %w", err)
	}
	return &p, nil
}
