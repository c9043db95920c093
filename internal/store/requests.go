package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const requestColumns = `request_id, price, asset, recipient, target_url, method,
	headers, body, COALESCE(memo, ''), status, COALESCE(tx_reference, ''), COALESCE(api_id, ''),
	COALESCE(success_url, ''), COALESCE(cancel_url, ''),
	COALESCE(failure_reason, ''), created_at, expires_at`

func scanRequest(row pgx.Row) (*PaymentRequest, error) {
	var r PaymentRequest
	err := row.Scan(&r.RequestID, &r.Price, &r.Asset, &r.Recipient, &r.Target,
		&r.Method, &r.Headers, &r.Body, &r.Memo, &r.Status, &r.TxReference, &r.APIID,
		&r.SuccessURL, &r.CancelURL, &r.FailureReason, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to scan payment request: %w", err)
	}
	return &r, nil
}

// CreateRequest persists a new IDLE payment request.
func (s *Store) CreateRequest(ctx context.Context, r *PaymentRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_requests
			(request_id, price, asset, recipient, target_url, method, headers,
			 body, memo, status, api_id, success_url, cancel_url, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10,
			NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $15)`,
		r.RequestID, r.Price, r.Asset, r.Recipient, r.Target, r.Method,
		r.Headers, r.Body, r.Memo, StatusIdle, r.APIID, r.SuccessURL, r.CancelURL,
		r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("unable to create payment request: %w", err)
	}
	return nil
}

// GetRequest retrieves a payment request by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*PaymentRequest, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM payment_requests WHERE request_id = $1",
		requestID)
	return scanRequest(row)
}

// AttachProof binds a transaction reference to a request and moves it to
// PENDING. Re-attaching the same reference is a no-op; attaching a different
// reference, or attaching to a settled request, returns ErrConflict.
func (s *Store) AttachProof(ctx context.Context, requestID, txReference string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_requests
		SET tx_reference = $2, status = $3
		WHERE request_id = $1
		  AND status IN ($4, $3)
		  AND (tx_reference IS NULL OR tx_reference = $2)`,
		requestID, txReference, StatusPending, StatusIdle)
	if err != nil {
		return fmt.Errorf("unable to attach proof: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRequest(ctx, requestID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// MarkPaid promotes a request to PAID once verification accepted its proof.
func (s *Store) MarkPaid(ctx context.Context, requestID, txReference string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = $3, tx_reference = $2, failure_reason = NULL
		WHERE request_id = $1 AND status IN ($4, $5)`,
		requestID, txReference, StatusPaid, StatusIdle, StatusPending)
	if err != nil {
		return fmt.Errorf("unable to mark request paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailed settles a request in the terminal FAILED state.
func (s *Store) MarkFailed(ctx context.Context, requestID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = $3, failure_reason = $2
		WHERE request_id = $1 AND status IN ($4, $5)`,
		requestID, reason, StatusFailed, StatusIdle, StatusPending)
	if err != nil {
		return fmt.Errorf("unable to mark request failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteIfPaid atomically claims a PAID request for forwarding. Exactly
// one concurrent caller observes true; everyone else sees the request
// already COMPLETED.
func (s *Store) CompleteIfPaid(ctx context.Context, requestID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = $2
		WHERE request_id = $1 AND status = $3`,
		requestID, StatusCompleted, StatusPaid)
	if err != nil {
		return false, fmt.Errorf("unable to complete request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingRequests returns unexpired PENDING requests that carry a
// proof, oldest first. The reconciliation watcher drains this set.
func (s *Store) ListPendingRequests(ctx context.Context, limit int) ([]*PaymentRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE status = $1 AND tx_reference IS NOT NULL AND expires_at > now()
		ORDER BY created_at ASC
		LIMIT $2`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to list pending requests: %w", err)
	}
	defer rows.Close()

	var out []*PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireStaleRequests fails IDLE and PENDING requests past their deadline.
func (s *Store) ExpireStaleRequests(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_requests
		SET status = $1, failure_reason = 'request expired'
		WHERE status IN ($2, $3) AND expires_at <= now() AND tx_reference IS NULL`,
		StatusFailed, StatusIdle, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("unable to expire requests: %w", err)
	}
	return tag.RowsAffected(), nil
}
