package store

import (
	"encoding/json"
	"time"

	"github.com/x402-foundation/paygate/internal/money"
)

// Payment request lifecycle. A request is created IDLE, moves to PENDING
// when a proof is attached, and settles in exactly one of the terminal
// states. PAID requests transition to COMPLETED at most once, when the
// gateway claims them for forwarding.
const (
	StatusIdle      = "IDLE"
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// PaymentRequest is a priced invocation of an upstream endpoint, frozen at
// challenge time so the later replay of the call matches what was quoted.
type PaymentRequest struct {
	RequestID     string            `json:"requestId"`
	Price         money.Amount      `json:"price"`
	Asset         string            `json:"asset"`
	Recipient     string            `json:"recipient"`
	Target        string            `json:"target"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Memo          string            `json:"memo,omitempty"`
	Status        string            `json:"status"`
	TxReference   string            `json:"txReference,omitempty"`
	APIID         string            `json:"apiId,omitempty"`
	SuccessURL    string            `json:"successUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// Payment is a consumed on-chain transaction reference.
type Payment struct {
	TxReference  string       `json:"txReference"`
	RequestID    string       `json:"requestId,omitempty"`
	APIID        string       `json:"apiId,omitempty"`
	Amount       money.Amount `json:"amount"`
	PayerAddress string       `json:"payerAddress"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// API is a registered upstream endpoint sold through the wrapped proxy.
type API struct {
	APIID       string       `json:"apiId"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	BaseURL     string       `json:"baseUrl"`
	Price       money.Amount `json:"price"`
	Asset       string       `json:"asset"`
	Recipient   string       `json:"recipient"`
	IsActive    bool         `json:"isActive"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// APIRequestStat is one recorded invocation of a wrapped API.
type APIRequestStat struct {
	APIID        string        `json:"apiId"`
	TxReference  string        `json:"txReference,omitempty"`
	PayerAddress string        `json:"payerAddress,omitempty"`
	StatusCode   int           `json:"statusCode"`
	Duration     time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"createdAt"`
}
