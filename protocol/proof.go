package protocol

import (
	"fmt"
	"regexp"
)

// ProofKind discriminates the two forms a payment proof can take.
type ProofKind int

const (
	// ProofTxReference is a bare transaction identifier for a payment the
	// caller already broadcast themselves.
	ProofTxReference ProofKind = iota

	// ProofSignedPayload is an opaque signed transaction blob to be
	// verified and settled through a facilitator.
	ProofSignedPayload
)

// Proof is the normalized form of a caller-supplied payment proof.
type Proof struct {
	Kind ProofKind

	// TxReference is set for ProofTxReference.
	TxReference string

	// Blob is set for ProofSignedPayload.
	Blob string
}

// txReferencePattern matches a canonical 32-byte transaction id in 0x-hex
// form, the shape standard wallets hand back after broadcasting.
var txReferencePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// NormalizeProof classifies the transaction field of a proof payload into a
// tagged variant. Anything matching the canonical tx-id shape is a bare
// reference; any other non-empty value is treated as a signed blob for the
// facilitator to resolve.
func NormalizeProof(transaction string) (Proof, error) {
	if transaction == "" {
		return Proof{}, fmt.Errorf("proof transaction is empty")
	}
	if txReferencePattern.MatchString(transaction) {
		return Proof{Kind: ProofTxReference, TxReference: transaction}, nil
	}
	return Proof{Kind: ProofSignedPayload, Blob: transaction}, nil
}
