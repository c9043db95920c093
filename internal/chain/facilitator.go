package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/x402-foundation/paygate/protocol"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// VerifyResult is the facilitator's judgment of a signed payment payload.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the outcome of broadcasting a signed payment payload.
// Transaction is the canonical on-chain reference of the settled payment.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network,omitempty"`
}

// FacilitatorClient talks to an external x402 facilitator service that
// verifies signatures on payment payloads and broadcasts them. The gateway
// itself never signs or broadcasts; signed-blob proofs are delegated here.
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
}

// NewFacilitatorClient creates a facilitator client for the given base URL.
func NewFacilitatorClient(url string) *FacilitatorClient {
	return &FacilitatorClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify sends a payment verification request to the facilitator.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *protocol.PaymentPayload, requirements *protocol.PaymentRequirements) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "verify", payload, requirements, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle sends a payment settlement request to the facilitator.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *protocol.PaymentPayload, requirements *protocol.PaymentRequirements) (*SettleResult, error) {
	var result SettleResult
	if err := c.post(ctx, "settle", payload, requirements, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *FacilitatorClient) post(ctx context.Context, endpoint string, payload *protocol.PaymentPayload, requirements *protocol.PaymentRequirements, out interface{}) error {
	reqBody := map[string]any{
		"x402Version":         protocol.Version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.url, endpoint), bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s failed: %s", endpoint, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
