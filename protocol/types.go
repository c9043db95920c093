// Package protocol defines the x402 wire format the gateway speaks: the 402
// challenge, the payment requirements a caller must satisfy, and the proof
// payload a caller presents after paying.
package protocol

// Version is the x402 protocol version emitted and accepted by the gateway.
const Version = 2

// HTTP headers carrying protocol payloads.
const (
	// HeaderPaymentRequired carries the base64-encoded PaymentRequired
	// challenge alongside the 402 JSON body.
	HeaderPaymentRequired = "X-Payment-Required"

	// HeaderPayment carries the base64-encoded PaymentPayload proof.
	HeaderPayment = "X-Payment"

	// HeaderRequestID resubmits a previously challenged request for
	// consumption.
	HeaderRequestID = "X-X402-RequestId"
)

// ResourceInfo describes the resource being accessed.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequirements defines what payment is acceptable for a resource.
// Amount is a smallest-unit string.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// PaymentRequired is the 402 challenge sent to callers.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ProofPayload is the inner payload of a payment proof: either a bare
// transaction reference or an opaque signed transaction blob.
type ProofPayload struct {
	Transaction string `json:"transaction"`
}

// PaymentPayload is the proof a caller presents after paying. Accepted
// echoes the requirement the caller chose from the challenge.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     ProofPayload        `json:"payload"`
}
