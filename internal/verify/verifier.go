// Package verify implements the payment verification pipeline: a
// caller-supplied proof is normalized to a canonical transaction reference,
// checked against the chain indexer, evaluated against the payment
// requirement, and finally recorded in the replay guard. A proof is accepted
// only after the replay-guard insert succeeds.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/chain"
	"github.com/x402-foundation/paygate/internal/money"
	"github.com/x402-foundation/paygate/protocol"
)

var (
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_verifications_total",
		Help: "Verification verdicts by outcome code",
	}, []string{"code"})

	replayDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_replay_detected_total",
		Help: "Proofs rejected because their transaction reference was already consumed",
	})
)

// Requirement describes what must hold for a proof to be accepted.
type Requirement struct {
	Asset     string
	Recipient string
	Amount    money.Amount

	// Memo, when non-empty, must appear as a substring of the
	// transaction's memo.
	Memo string

	// APIID associates accepted payments with a registered API, when the
	// proof arrived through the wrapped-API proxy.
	APIID string
}

// PaymentRecord is the durable trace of a consumed proof.
type PaymentRecord struct {
	TxReference  string
	Amount       money.Amount
	PayerAddress string
	APIID        string
	RequestID    string
}

// ReplayGuard is the durable set of consumed transaction references.
// RecordIfAbsent must be atomic under concurrent callers: exactly one
// caller per reference observes inserted=true. When the reference already
// exists, the request id of the original record is returned so a crashed
// reconciliation run can recognize its own earlier insert.
type ReplayGuard interface {
	RecordIfAbsent(ctx context.Context, rec PaymentRecord) (inserted bool, existingRequestID string, err error)
}

// Indexer is the chain lookup the verifier depends on.
type Indexer interface {
	Transaction(ctx context.Context, txRef string) (*chain.Transaction, error)
}

// Facilitator resolves signed payment payloads that the gateway cannot
// inspect directly.
type Facilitator interface {
	Verify(ctx context.Context, payload *protocol.PaymentPayload, requirements *protocol.PaymentRequirements) (*chain.VerifyResult, error)
	Settle(ctx context.Context, payload *protocol.PaymentPayload, requirements *protocol.PaymentRequirements) (*chain.SettleResult, error)
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithStrictAmount requires the transferred amount to equal the required
// amount exactly instead of merely covering it.
func WithStrictAmount() Option {
	return func(v *Verifier) {
		v.strictAmount = true
	}
}

// WithFacilitator enables the signed-payload proof path.
func WithFacilitator(f Facilitator) Option {
	return func(v *Verifier) {
		v.facilitator = f
	}
}

// WithNetwork sets the network identifier echoed in requirements sent to
// the facilitator (e.g. "stacks:testnet").
func WithNetwork(network string) Option {
	return func(v *Verifier) {
		v.network = network
	}
}

// Verifier turns proofs into verdicts. Safe for concurrent use.
type Verifier struct {
	indexer      Indexer
	facilitator  Facilitator
	guard        ReplayGuard
	nativeAsset  string
	network      string
	strictAmount bool
	log          *zap.Logger
}

// New creates a Verifier. nativeAsset is the symbol of the chain's
// value-transfer asset; a requirement naming any other asset is rejected.
func New(indexer Indexer, guard ReplayGuard, nativeAsset string, log *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		indexer:     indexer,
		guard:       guard,
		nativeAsset: nativeAsset,
		log:         log.Named("verify"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full pipeline for a normalized proof: resolve a canonical
// transaction reference, check it against the chain and the requirement,
// then consume it through the replay guard. requestID binds the consumption
// to a payment request; it may be empty for the synchronous proxy flow.
func (v *Verifier) Verify(ctx context.Context, proof protocol.Proof, req Requirement, requestID string) Verdict {
	verdict := v.verify(ctx, proof, req, requestID)
	verdictsTotal.WithLabelValues(string(verdict.Code)).Inc()
	if verdict.Code == CodeAlreadyUsed {
		replayDetected.Inc()
		v.log.Warn("replay detected",
			zap.String("tx_ref", verdict.TxReference),
			zap.String("request_id", requestID))
	}
	return verdict
}

func (v *Verifier) verify(ctx context.Context, proof protocol.Proof, req Requirement, requestID string) Verdict {
	var (
		txRef string
		payer string
	)

	switch proof.Kind {
	case protocol.ProofTxReference:
		txRef = proof.TxReference
		chainVerdict := v.CheckChain(ctx, txRef, req)
		if !chainVerdict.Accepted {
			return chainVerdict
		}
		payer = chainVerdict.Payer

	case protocol.ProofSignedPayload:
		settled, verdict := v.resolveSignedPayload(ctx, proof, req)
		if settled == nil {
			return verdict
		}
		txRef = settled.Transaction
		payer = settled.Payer

	default:
		return rejected(CodeInvalidProof, "unrecognized proof kind", false)
	}

	return v.consume(ctx, txRef, payer, req, requestID)
}

// CheckChain runs the chain-state portion of the pipeline (lookup plus
// requirement checks) without touching the replay guard. The reconciliation
// watcher uses this indirectly through Verify; the split keeps each check's
// short-circuit order in one place.
func (v *Verifier) CheckChain(ctx context.Context, txRef string, req Requirement) Verdict {
	tx, err := v.indexer.Transaction(ctx, txRef)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrNotFound):
			return rejected(CodeNotFoundYet, "transaction not found on chain yet", true)
		case errors.Is(err, chain.ErrTimeout):
			return rejected(CodeUpstreamTimeout, "chain indexer timed out", true)
		default:
			return rejected(CodeUpstreamError, fmt.Sprintf("chain indexer error: %v", err), true)
		}
	}

	if tx.Status == chain.TxStatusPending {
		verdict := rejected(CodePendingConfirmation, "transaction is still pending", true)
		verdict.TxReference = txRef
		return verdict
	}
	if tx.Status != chain.TxStatusSuccess {
		return rejected(CodeTxFailed, fmt.Sprintf("transaction failed with status %q", tx.Status), false)
	}

	if req.Asset != v.nativeAsset || tx.Type != chain.TxTypeTokenTransfer || tx.TokenTransfer == nil {
		return rejected(CodeAssetMismatch, fmt.Sprintf("transaction is not a %s transfer", req.Asset), false)
	}

	transfer := tx.TokenTransfer
	if transfer.RecipientAddress != req.Recipient {
		return rejected(CodeRecipientMismatch, fmt.Sprintf("recipient mismatch: sent to %s", transfer.RecipientAddress), false)
	}

	sent, err := money.ParseUnits(transfer.Amount)
	if err != nil {
		return rejected(CodeUpstreamError, fmt.Sprintf("indexer reported unparseable amount %q", transfer.Amount), true)
	}
	if !sent.Covers(req.Amount, v.strictAmount) {
		return rejected(CodeAmountInsufficient,
			fmt.Sprintf("insufficient amount: sent %s, required %s", sent, req.Amount), false)
	}

	if req.Memo != "" && !strings.Contains(transfer.Memo, req.Memo) {
		return rejected(CodeMemoMismatch, "memo mismatch", false)
	}

	verdict := accepted(tx.Sender, txRef)
	return verdict
}

// resolveSignedPayload delegates a signed blob to the facilitator: verify
// the signature, then settle to obtain the canonical transaction reference.
func (v *Verifier) resolveSignedPayload(ctx context.Context, proof protocol.Proof, req Requirement) (*chain.SettleResult, Verdict) {
	if v.facilitator == nil {
		return nil, rejected(CodeInvalidProof, "signed payment payloads are not supported", false)
	}

	payload := &protocol.PaymentPayload{
		X402Version: protocol.Version,
		Payload:     protocol.ProofPayload{Transaction: proof.Blob},
	}
	requirements := &protocol.PaymentRequirements{
		Scheme:  "item-price",
		Network: v.network,
		Asset:   req.Asset,
		Amount:  req.Amount.String(),
		PayTo:   req.Recipient,
	}
	payload.Accepted = *requirements

	verified, err := v.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, rejected(CodeUpstreamError, fmt.Sprintf("facilitator verify failed: %v", err), true)
	}
	if !verified.IsValid {
		return nil, rejected(CodeInvalidProof, verified.InvalidReason, false)
	}

	settled, err := v.facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, rejected(CodeUpstreamError, fmt.Sprintf("facilitator settle failed: %v", err), true)
	}
	if !settled.Success {
		return nil, rejected(CodeTxFailed, settled.ErrorReason, false)
	}
	return settled, Verdict{}
}

// consume records the proof in the replay guard. A collision is accepted
// only when the existing record belongs to the same request, which happens
// when a reconciliation run crashed between recording and promoting.
func (v *Verifier) consume(ctx context.Context, txRef, payer string, req Requirement, requestID string) Verdict {
	inserted, existingRequestID, err := v.guard.RecordIfAbsent(ctx, PaymentRecord{
		TxReference:  txRef,
		Amount:       req.Amount,
		PayerAddress: payer,
		APIID:        req.APIID,
		RequestID:    requestID,
	})
	if err != nil {
		return rejected(CodeUpstreamError, fmt.Sprintf("failed to record payment: %v", err), true)
	}
	if !inserted {
		if requestID != "" && existingRequestID == requestID {
			return accepted(payer, txRef)
		}
		verdict := rejected(CodeAlreadyUsed, "payment already used", false)
		verdict.TxReference = txRef
		return verdict
	}
	return accepted(payer, txRef)
}
