// Package chain provides clients for the gateway's two external payment
// services: the chain indexer that reports transaction state, and the
// facilitator that verifies and settles signed payment payloads.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Transaction statuses reported by the indexer.
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
)

// TxTypeTokenTransfer is the only transaction type that can satisfy a
// payment requirement.
const TxTypeTokenTransfer = "token_transfer"

// TokenTransfer is the value-transfer portion of an indexed transaction.
type TokenTransfer struct {
	RecipientAddress string `json:"recipient_address"`
	Amount           string `json:"amount"` // smallest-unit string
	Memo             string `json:"memo,omitempty"`
}

// Transaction is the indexer's view of an on-chain transaction.
type Transaction struct {
	TxID          string         `json:"tx_id"`
	Status        string         `json:"tx_status"`
	Sender        string         `json:"sender_address"`
	Type          string         `json:"tx_type"`
	BlockHeight   uint64         `json:"block_height,omitempty"`
	TokenTransfer *TokenTransfer `json:"token_transfer,omitempty"`
}

// Sentinel errors distinguishing chain-state outcomes from infrastructure
// failures. The verifier maps these onto its verdict taxonomy.
var (
	// ErrNotFound means the indexer has no record of the transaction yet.
	ErrNotFound = errors.New("transaction not found on chain yet")

	// ErrTimeout means the indexer did not answer within the client's
	// deadline.
	ErrTimeout = errors.New("indexer request timed out")
)

// IndexerOption configures an IndexerClient.
type IndexerOption func(*IndexerClient)

// WithTimeout bounds each indexer request.
func WithTimeout(d time.Duration) IndexerOption {
	return func(c *IndexerClient) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the number of additional attempts after a transient
// failure (5xx, network error, or a transaction that has not propagated to
// the indexer yet).
func WithRetries(n int) IndexerOption {
	return func(c *IndexerClient) {
		c.retries = n
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) IndexerOption {
	return func(c *IndexerClient) {
		c.httpClient = h
	}
}

// IndexerClient queries a chain-indexing service for transaction state.
// It is stateless and safe for concurrent use.
type IndexerClient struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	retryWait  time.Duration
	log        *zap.Logger
}

// NewIndexerClient creates an indexer client for the given API base URL
// (e.g. "https://api.testnet.hiro.so").
func NewIndexerClient(baseURL string, log *zap.Logger, opts ...IndexerOption) *IndexerClient {
	c := &IndexerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		retries:    2,
		retryWait:  250 * time.Millisecond,
		log:        log.Named("indexer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transaction fetches the current state of a transaction by its canonical
// reference. Transient failures are retried a bounded number of times;
// a transaction the indexer still does not know resolves to ErrNotFound.
func (c *IndexerClient) Transaction(ctx context.Context, txRef string) (*Transaction, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(c.retryWait):
			}
		}

		tx, err := c.fetch(ctx, txRef)
		if err == nil {
			return tx, nil
		}
		lastErr = err

		// Caller errors and timeouts are not worth retrying; a missing
		// transaction may simply not have propagated yet, so it is.
		if errors.Is(err, ErrTimeout) {
			return nil, err
		}
		c.log.Debug("indexer lookup failed, retrying",
			zap.String("tx_ref", txRef),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (c *IndexerClient) fetch(ctx context.Context, txRef string) (*Transaction, error) {
	url := fmt.Sprintf("%s/extended/v1/tx/%s", c.baseURL, txRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("indexer returned %s", resp.Status)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("failed to decode indexer response: %w", err)
	}
	return &tx, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
