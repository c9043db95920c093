package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// EncodeRequiredHeader encodes a PaymentRequired challenge for the
// X-Payment-Required header.
func EncodeRequiredHeader(pr PaymentRequired) (string, error) {
	raw, err := json.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRequiredHeader decodes an X-Payment-Required header value back
// into the challenge it carries. Used by clients and tests.
func DecodeRequiredHeader(header string) (*PaymentRequired, error) {
	if header == "" {
		return nil, fmt.Errorf("payment required header is empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment required header: base64 decoding failed - %v", err)
	}
	var pr PaymentRequired
	if err := json.Unmarshal(decoded, &pr); err != nil {
		return nil, fmt.Errorf("invalid payment required header: not valid JSON - %v", err)
	}
	return &pr, nil
}

// DecodePaymentHeader validates and decodes an X-Payment header value.
// It checks base64 format, JSON structure, and the fields the verifier
// depends on before unmarshaling, so a malformed proof is rejected with a
// message safe to return to the caller.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}

	version, ok := raw["x402Version"].(float64)
	if !ok {
		return nil, fmt.Errorf("missing or invalid field: x402Version must be a number")
	}
	if int(version) < 1 {
		return nil, fmt.Errorf("invalid value: x402Version must be at least 1")
	}

	payloadMap, ok := raw["payload"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing required field: payload")
	}
	if tx, ok := payloadMap["transaction"].(string); !ok || tx == "" {
		return nil, fmt.Errorf("missing required field: payload.transaction")
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}
	return &payload, nil
}

// EncodePaymentHeader encodes a PaymentPayload for the X-Payment header.
// Used by clients and tests; the gateway only decodes.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
