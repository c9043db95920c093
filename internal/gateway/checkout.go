package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/internal/verify"
	"github.com/x402-foundation/paygate/protocol"
)

type attachRequest struct {
	RequestID   string `json:"requestId" binding:"required"`
	TxReference string `json:"txId" binding:"required"`
}

// handleAttach binds a broadcast transaction to a payment request and moves
// it to PENDING; the reconciliation watcher picks it up from there.
func (s *Server) handleAttach(c *gin.Context) {
	var body attachRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing requestId or txId"})
		return
	}

	// The checkout flow attaches transactions the payer broadcast
	// themselves, so only a canonical tx id is accepted here; signed
	// blobs go through the X-Payment header instead.
	proof, err := protocol.NormalizeProof(body.TxReference)
	if err != nil || proof.Kind != protocol.ProofTxReference {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction reference"})
		return
	}

	err = s.requests.AttachProof(c.Request.Context(), body.RequestID, body.TxReference)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "request already finalized"})
	case err != nil:
		s.log.Error("failed to attach proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleVerify runs verification synchronously for payers who do not want
// to wait for the next watcher cycle.
func (s *Server) handleVerify(c *gin.Context) {
	var body attachRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing requestId or txId"})
		return
	}

	ctx := c.Request.Context()
	req, err := s.requests.GetRequest(ctx, body.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to load payment request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if req.Status == store.StatusPaid || req.Status == store.StatusCompleted {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "already paid"})
		return
	}
	if req.Status == store.StatusFailed {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": req.FailureReason})
		return
	}

	proof, err := protocol.NormalizeProof(body.TxReference)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid transaction reference"})
		return
	}

	// Record the proof so the watcher keeps retrying even if this call's
	// verification hits a transient indexer failure.
	if err := s.requests.AttachProof(ctx, body.RequestID, body.TxReference); err != nil && !errors.Is(err, store.ErrConflict) {
		s.log.Error("failed to attach proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	verdict := s.verifier.Verify(ctx, proof, verify.Requirement{
		Asset:     req.Asset,
		Recipient: req.Recipient,
		Amount:    req.Price,
		Memo:      req.Memo,
	}, req.RequestID)

	switch {
	case verdict.Accepted:
		if err := s.requests.MarkPaid(ctx, req.RequestID, verdict.TxReference); err != nil {
			s.log.Error("failed to mark request paid", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	case verdict.Retryable:
		c.JSON(http.StatusAccepted, gin.H{
			"success":   false,
			"retryable": true,
			"code":      verdict.Code,
			"error":     verdict.Reason,
		})

	default:
		if err := s.requests.MarkFailed(ctx, req.RequestID, verdict.Reason); err != nil {
			s.log.Error("failed to mark request failed", zap.Error(err))
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    verdict.Code,
			"error":   verdict.Reason,
		})
	}
}

// handleStatus reports the public view of a payment request.
func (s *Server) handleStatus(c *gin.Context) {
	req, err := s.requests.GetRequest(c.Request.Context(), c.Param("requestId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to load payment request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requestId":  req.RequestID,
		"price":      req.Price.String(),
		"asset":      req.Asset,
		"recipient":  req.Recipient,
		"target":     req.Target,
		"status":     req.Status,
		"createdAt":  req.CreatedAt.Unix(),
		"expiresAt":  req.ExpiresAt.Unix(),
		"successUrl": req.SuccessURL,
		"cancelUrl":  req.CancelURL,
	})
}
