package verify

// Code classifies a verification outcome. Retryable codes describe chain or
// infrastructure state that may change; fatal codes describe a proof that
// can never become valid for the requirement it was presented against.
type Code string

const (
	// CodeOK means the proof was accepted and recorded.
	CodeOK Code = "OK"

	// Retryable: the chain has not caught up yet.
	CodeNotFoundYet         Code = "NOT_FOUND_YET"
	CodePendingConfirmation Code = "PENDING_CONFIRMATION"

	// Fatal: the transaction or proof itself is unusable.
	CodeTxFailed     Code = "TX_FAILED"
	CodeInvalidProof Code = "INVALID_PROOF"

	// Fatal caller errors: the transaction is fine but does not satisfy
	// the requirement.
	CodeAssetMismatch      Code = "ASSET_MISMATCH"
	CodeRecipientMismatch  Code = "RECIPIENT_MISMATCH"
	CodeAmountInsufficient Code = "AMOUNT_INSUFFICIENT"
	CodeMemoMismatch       Code = "MEMO_MISMATCH"

	// Fatal security violation: a valid transaction presented twice.
	CodeAlreadyUsed Code = "ALREADY_USED"

	// Retryable infrastructure failures.
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamError   Code = "UPSTREAM_ERROR"
)

// Verdict is the structured outcome of a verification attempt. The verifier
// never surfaces raw errors to the protocol handler; everything it can
// classify becomes a verdict.
type Verdict struct {
	Accepted  bool
	Code      Code
	Reason    string
	Retryable bool

	// Payer and TxReference are set when the chain lookup succeeded,
	// regardless of acceptance.
	Payer       string
	TxReference string
}

func accepted(payer, txRef string) Verdict {
	return Verdict{Accepted: true, Code: CodeOK, Payer: payer, TxReference: txRef}
}

func rejected(code Code, reason string, retryable bool) Verdict {
	return Verdict{Code: code, Reason: reason, Retryable: retryable}
}
