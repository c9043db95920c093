package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateAPI registers an upstream endpoint in the catalog.
func (s *Store) CreateAPI(ctx context.Context, api *API) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO apis (api_id, name, description, base_url, price, asset, recipient, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`,
		api.APIID, api.Name, api.Description, api.BaseURL, api.Price,
		api.Asset, api.Recipient)
	if err != nil {
		return fmt.Errorf("unable to create api: %w", err)
	}
	return nil
}

// GetActiveAPI retrieves an active catalog entry by id.
func (s *Store) GetActiveAPI(ctx context.Context, apiID string) (*API, error) {
	var a API
	err := s.db.QueryRow(ctx, `
		SELECT api_id, name, description, base_url, price, asset, recipient, is_active, created_at
		FROM apis WHERE api_id = $1 AND is_active`,
		apiID).Scan(&a.APIID, &a.Name, &a.Description, &a.BaseURL, &a.Price,
		&a.Asset, &a.Recipient, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load api: %w", err)
	}
	return &a, nil
}

// ListAPIs returns all active catalog entries, newest first.
func (s *Store) ListAPIs(ctx context.Context) ([]*API, error) {
	rows, err := s.db.Query(ctx, `
		SELECT api_id, name, description, base_url, price, asset, recipient, is_active, created_at
		FROM apis WHERE is_active ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("unable to list apis: %w", err)
	}
	defer rows.Close()

	var out []*API
	for rows.Next() {
		var a API
		if err := rows.Scan(&a.APIID, &a.Name, &a.Description, &a.BaseURL,
			&a.Price, &a.Asset, &a.Recipient, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan api: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RecordAPIRequest appends one invocation to the usage log. Failures are
// reported but must not block the response path.
func (s *Store) RecordAPIRequest(ctx context.Context, stat *APIRequestStat) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_requests (api_id, tx_reference, payer_address, status_code, duration_ms)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
		stat.APIID, stat.TxReference, stat.PayerAddress, stat.StatusCode,
		stat.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("unable to record api request: %w", err)
	}
	return nil
}
