package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/chain"
	"github.com/x402-foundation/paygate/internal/money"
	"github.com/x402-foundation/paygate/protocol"
)

var testTxRef = "0x" + strings.Repeat("ab", 32)

// fakeIndexer serves canned transactions keyed by reference.
type fakeIndexer struct {
	mu  sync.Mutex
	txs map[string]*chain.Transaction
	err error
}

func (f *fakeIndexer) Transaction(_ context.Context, txRef string) (*chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[txRef]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return tx, nil
}

// memoryGuard is a concurrency-safe in-memory ReplayGuard for tests.
type memoryGuard struct {
	mu      sync.Mutex
	records map[string]PaymentRecord
	err     error
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{records: make(map[string]PaymentRecord)}
}

func (g *memoryGuard) RecordIfAbsent(_ context.Context, rec PaymentRecord) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, "", g.err
	}
	if existing, ok := g.records[rec.TxReference]; ok {
		return false, existing.RequestID, nil
	}
	g.records[rec.TxReference] = rec
	return true, "", nil
}

func successfulTransfer(txRef, recipient, amount, memo string) *chain.Transaction {
	return &chain.Transaction{
		TxID:   txRef,
		Status: chain.TxStatusSuccess,
		Sender: "ST1SENDER",
		Type:   chain.TxTypeTokenTransfer,
		TokenTransfer: &chain.TokenTransfer{
			RecipientAddress: recipient,
			Amount:           amount,
			Memo:             memo,
		},
	}
}

func requirement(amount int64) Requirement {
	return Requirement{
		Asset:     "STX",
		Recipient: "ST2RECIPIENT",
		Amount:    money.Amount(amount),
	}
}

func txProof(txRef string) protocol.Proof {
	return protocol.Proof{Kind: protocol.ProofTxReference, TxReference: txRef}
}

func newTestVerifier(idx *fakeIndexer, guard ReplayGuard, opts ...Option) *Verifier {
	return New(idx, guard, "STX", zap.NewNop(), opts...)
}

func TestVerify_Accepted(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1500000", ""),
	}}
	guard := newMemoryGuard()
	v := newTestVerifier(idx, guard)

	verdict := v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_1")
	assert.True(t, verdict.Accepted)
	assert.Equal(t, CodeOK, verdict.Code)
	assert.Equal(t, "ST1SENDER", verdict.Payer)
	assert.Equal(t, testTxRef, verdict.TxReference)

	rec := guard.records[testTxRef]
	assert.Equal(t, "req_1", rec.RequestID)
	assert.Equal(t, "ST1SENDER", rec.PayerAddress)
}

func TestVerify_FailureTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		tx        *chain.Transaction
		idxErr    error
		req       Requirement
		code      Code
		retryable bool
	}{
		{
			name: "not found yet", idxErr: chain.ErrNotFound,
			req: requirement(1_000_000), code: CodeNotFoundYet, retryable: true,
		},
		{
			name: "indexer timeout", idxErr: chain.ErrTimeout,
			req: requirement(1_000_000), code: CodeUpstreamTimeout, retryable: true,
		},
		{
			name: "indexer outage", idxErr: errors.New("connection refused"),
			req: requirement(1_000_000), code: CodeUpstreamError, retryable: true,
		},
		{
			name: "pending confirmation",
			tx:   &chain.Transaction{TxID: testTxRef, Status: chain.TxStatusPending},
			req:  requirement(1_000_000), code: CodePendingConfirmation, retryable: true,
		},
		{
			name: "aborted transaction",
			tx:   &chain.Transaction{TxID: testTxRef, Status: "abort_by_response"},
			req:  requirement(1_000_000), code: CodeTxFailed, retryable: false,
		},
		{
			name: "not a token transfer",
			tx:   &chain.Transaction{TxID: testTxRef, Status: chain.TxStatusSuccess, Type: "contract_call"},
			req:  requirement(1_000_000), code: CodeAssetMismatch, retryable: false,
		},
		{
			name: "wrong required asset",
			tx:   successfulTransfer(testTxRef, "ST2RECIPIENT", "1000000", ""),
			req:  Requirement{Asset: "BTC", Recipient: "ST2RECIPIENT", Amount: 1_000_000},
			code: CodeAssetMismatch, retryable: false,
		},
		{
			name: "wrong recipient",
			tx:   successfulTransfer(testTxRef, "ST3SOMEONE", "1000000", ""),
			req:  requirement(1_000_000), code: CodeRecipientMismatch, retryable: false,
		},
		{
			name: "underpayment",
			tx:   successfulTransfer(testTxRef, "ST2RECIPIENT", "999999", ""),
			req:  requirement(1_000_000), code: CodeAmountInsufficient, retryable: false,
		},
		{
			name: "memo missing",
			tx:   successfulTransfer(testTxRef, "ST2RECIPIENT", "1000000", ""),
			req: Requirement{
				Asset: "STX", Recipient: "ST2RECIPIENT", Amount: 1_000_000, Memo: "order-42",
			},
			code: CodeMemoMismatch, retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndexer{err: tt.idxErr, txs: map[string]*chain.Transaction{}}
			if tt.tx != nil {
				idx.txs[testTxRef] = tt.tx
			}
			v := newTestVerifier(idx, newMemoryGuard())

			verdict := v.Verify(context.Background(), txProof(testTxRef), tt.req, "req_1")
			assert.False(t, verdict.Accepted)
			assert.Equal(t, tt.code, verdict.Code)
			assert.Equal(t, tt.retryable, verdict.Retryable)
		})
	}
}

func TestVerify_AmountBoundaries(t *testing.T) {
	for sent, wantAccepted := range map[string]bool{
		"999999":  false,
		"1000000": true,
		"1000001": true,
	} {
		idx := &fakeIndexer{txs: map[string]*chain.Transaction{
			testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", sent, ""),
		}}
		v := newTestVerifier(idx, newMemoryGuard())

		verdict := v.Verify(context.Background(), txProof(testTxRef), requirement(1_000_000), "req_1")
		assert.Equal(t, wantAccepted, verdict.Accepted, "sent=%s", sent)
	}
}

func TestVerify_StrictAmount(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1000001", ""),
	}}
	v := newTestVerifier(idx, newMemoryGuard(), WithStrictAmount())

	verdict := v.Verify(context.Background(), txProof(testTxRef), requirement(1_000_000), "req_1")
	assert.False(t, verdict.Accepted)
	assert.Equal(t, CodeAmountInsufficient, verdict.Code)
}

func TestVerify_MemoSubstringMatch(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1000000", "payment for order-42 thanks"),
	}}
	v := newTestVerifier(idx, newMemoryGuard())

	req := Requirement{Asset: "STX", Recipient: "ST2RECIPIENT", Amount: 1_000_000, Memo: "order-42"}
	verdict := v.Verify(context.Background(), txProof(testTxRef), req, "req_1")
	assert.True(t, verdict.Accepted)
}

func TestVerify_ReplayRejected(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1500000", ""),
	}}
	guard := newMemoryGuard()
	v := newTestVerifier(idx, guard)

	first := v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_1")
	require.True(t, first.Accepted)

	// Same valid transaction presented against a different request.
	second := v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_2")
	assert.False(t, second.Accepted)
	assert.Equal(t, CodeAlreadyUsed, second.Code)
	assert.False(t, second.Retryable)
}

func TestVerify_OwnRecordResumesAsSuccess(t *testing.T) {
	// A reconciliation run that crashed between recording the payment and
	// promoting the request re-verifies and must see its own record as
	// success, not a replay.
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1500000", ""),
	}}
	guard := newMemoryGuard()
	v := newTestVerifier(idx, guard)

	require.True(t, v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_1").Accepted)

	again := v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_1")
	assert.True(t, again.Accepted)
	assert.Equal(t, CodeOK, again.Code)
}

func TestVerify_ConcurrentExactlyOnce(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1500000", ""),
	}}
	guard := newMemoryGuard()
	v := newTestVerifier(idx, guard)

	const n = 32
	verdicts := make([]Verdict, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), fmt.Sprintf("req_%d", i))
		}(i)
	}
	wg.Wait()

	acceptedCount := 0
	for _, verdict := range verdicts {
		if verdict.Accepted {
			acceptedCount++
		} else {
			assert.Equal(t, CodeAlreadyUsed, verdict.Code)
		}
	}
	assert.Equal(t, 1, acceptedCount)
}

// fakeFacilitator resolves signed blobs to a fixed settlement.
type fakeFacilitator struct {
	verifyResult *chain.VerifyResult
	settleResult *chain.SettleResult
}

func (f *fakeFacilitator) Verify(context.Context, *protocol.PaymentPayload, *protocol.PaymentRequirements) (*chain.VerifyResult, error) {
	return f.verifyResult, nil
}

func (f *fakeFacilitator) Settle(context.Context, *protocol.PaymentPayload, *protocol.PaymentRequirements) (*chain.SettleResult, error) {
	return f.settleResult, nil
}

func TestVerify_SignedPayload(t *testing.T) {
	guard := newMemoryGuard()
	v := newTestVerifier(&fakeIndexer{}, guard, WithFacilitator(&fakeFacilitator{
		verifyResult: &chain.VerifyResult{IsValid: true, Payer: "ST1SENDER"},
		settleResult: &chain.SettleResult{Success: true, Payer: "ST1SENDER", Transaction: testTxRef},
	}))

	proof := protocol.Proof{Kind: protocol.ProofSignedPayload, Blob: "8080000000040051abcd"}
	verdict := v.Verify(context.Background(), proof, requirement(1_500_000), "req_1")
	require.True(t, verdict.Accepted)
	assert.Equal(t, testTxRef, verdict.TxReference)

	// The settled reference is consumed like any other.
	replay := v.Verify(context.Background(), proof, requirement(1_500_000), "req_2")
	assert.Equal(t, CodeAlreadyUsed, replay.Code)
}

func TestVerify_SignedPayloadRejected(t *testing.T) {
	v := newTestVerifier(&fakeIndexer{}, newMemoryGuard(), WithFacilitator(&fakeFacilitator{
		verifyResult: &chain.VerifyResult{IsValid: false, InvalidReason: "bad signature"},
	}))

	proof := protocol.Proof{Kind: protocol.ProofSignedPayload, Blob: "deadbeef"}
	verdict := v.Verify(context.Background(), proof, requirement(1_500_000), "req_1")
	assert.False(t, verdict.Accepted)
	assert.Equal(t, CodeInvalidProof, verdict.Code)
	assert.Contains(t, verdict.Reason, "bad signature")
}

func TestVerify_NoFacilitatorConfigured(t *testing.T) {
	v := newTestVerifier(&fakeIndexer{}, newMemoryGuard())

	proof := protocol.Proof{Kind: protocol.ProofSignedPayload, Blob: "deadbeef"}
	verdict := v.Verify(context.Background(), proof, requirement(1_500_000), "req_1")
	assert.Equal(t, CodeInvalidProof, verdict.Code)
}

func TestVerify_GuardFailureIsRetryable(t *testing.T) {
	idx := &fakeIndexer{txs: map[string]*chain.Transaction{
		testTxRef: successfulTransfer(testTxRef, "ST2RECIPIENT", "1500000", ""),
	}}
	guard := newMemoryGuard()
	guard.err = errors.New("connection reset")
	v := newTestVerifier(idx, guard)

	verdict := v.Verify(context.Background(), txProof(testTxRef), requirement(1_500_000), "req_1")
	assert.False(t, verdict.Accepted)
	assert.Equal(t, CodeUpstreamError, verdict.Code)
	assert.True(t, verdict.Retryable)
}
