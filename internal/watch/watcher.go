// Package watch reconciles PENDING payment requests against chain state in
// the background, so a payer whose synchronous verification raced the
// indexer still converges to PAID or FAILED without resubmitting.
package watch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/internal/verify"
	"github.com/x402-foundation/paygate/protocol"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_watch_cycles_total",
		Help: "Completed reconciliation cycles",
	})

	reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_watch_reconciled_total",
		Help: "Requests settled by the reconciliation watcher, by outcome",
	}, []string{"outcome"})
)

// Ledger is the slice of the store the watcher drives.
type Ledger interface {
	ListPendingRequests(ctx context.Context, limit int) ([]*store.PaymentRequest, error)
	MarkPaid(ctx context.Context, requestID, txReference string) error
	MarkFailed(ctx context.Context, requestID, reason string) error
	ExpireStaleRequests(ctx context.Context) (int64, error)
}

// Verifier re-runs the verification pipeline for a pending proof.
type Verifier interface {
	Verify(ctx context.Context, proof protocol.Proof, req verify.Requirement, requestID string) verify.Verdict
}

// Watcher polls pending requests on a fixed interval. Start is effective
// once; Stop blocks until the loop has exited.
type Watcher struct {
	ledger   Ledger
	verifier Verifier
	interval time.Duration
	batch    int
	log      *zap.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBatchSize caps how many pending requests one cycle processes.
func WithBatchSize(n int) Option {
	return func(w *Watcher) {
		w.batch = n
	}
}

func New(ledger Ledger, verifier Verifier, interval time.Duration, log *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		ledger:   ledger,
		verifier: verifier,
		interval: interval,
		batch:    100,
		log:      log.Named("watch"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the reconciliation loop. Calling Start on a running
// watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.log.Warn("watcher already started")
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Info("reconciliation watcher started", zap.Duration("interval", w.interval))
		for {
			select {
			case <-ctx.Done():
				w.log.Info("reconciliation watcher stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
// Stopping a watcher that never started is a no-op.
func (w *Watcher) Stop() {
	if !w.started.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	<-w.done
}

// RunOnce executes a single reconciliation cycle: expire stale requests,
// then re-verify every pending proof. A failure on one record never blocks
// the rest of the batch.
func (w *Watcher) RunOnce(ctx context.Context) {
	defer cyclesTotal.Inc()

	if n, err := w.ledger.ExpireStaleRequests(ctx); err != nil {
		w.log.Error("failed to expire stale requests", zap.Error(err))
	} else if n > 0 {
		w.log.Info("expired stale requests", zap.Int64("count", n))
	}

	pending, err := w.ledger.ListPendingRequests(ctx, w.batch)
	if err != nil {
		w.log.Error("failed to list pending requests", zap.Error(err))
		return
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		w.reconcile(ctx, req)
	}
}

func (w *Watcher) reconcile(ctx context.Context, req *store.PaymentRequest) {
	proof, err := protocol.NormalizeProof(req.TxReference)
	if err != nil {
		w.settle(ctx, req, verify.Verdict{
			Code:   verify.CodeInvalidProof,
			Reason: err.Error(),
		})
		return
	}

	verdict := w.verifier.Verify(ctx, proof, verify.Requirement{
		Asset:     req.Asset,
		Recipient: req.Recipient,
		Amount:    req.Price,
		Memo:      req.Memo,
		APIID:     req.APIID,
	}, req.RequestID)

	if verdict.Accepted {
		if err := w.ledger.MarkPaid(ctx, req.RequestID, verdict.TxReference); err != nil {
			w.log.Error("failed to mark request paid",
				zap.String("request_id", req.RequestID), zap.Error(err))
			return
		}
		reconciledTotal.WithLabelValues("paid").Inc()
		w.log.Info("reconciled request to paid",
			zap.String("request_id", req.RequestID),
			zap.String("tx_ref", verdict.TxReference))
		return
	}

	if verdict.Retryable {
		// Not on chain yet, still confirming, or the indexer is down:
		// leave the request pending for the next cycle.
		w.log.Debug("request still pending",
			zap.String("request_id", req.RequestID),
			zap.String("code", string(verdict.Code)))
		return
	}

	if verdict.Code == verify.CodeAlreadyUsed {
		// The transaction was consumed by a different request. Leaving
		// this one pending keeps the consumed payment auditable instead
		// of burying it under a failure.
		w.log.Warn("pending request references a consumed payment",
			zap.String("request_id", req.RequestID),
			zap.String("tx_ref", verdict.TxReference))
		return
	}

	w.settle(ctx, req, verdict)
}

func (w *Watcher) settle(ctx context.Context, req *store.PaymentRequest, verdict verify.Verdict) {
	if err := w.ledger.MarkFailed(ctx, req.RequestID, verdict.Reason); err != nil {
		w.log.Error("failed to mark request failed",
			zap.String("request_id", req.RequestID), zap.Error(err))
		return
	}
	reconciledTotal.WithLabelValues("failed").Inc()
	w.log.Info("reconciled request to failed",
		zap.String("request_id", req.RequestID),
		zap.String("code", string(verdict.Code)),
		zap.String("reason", verdict.Reason))
}
