package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/forward"
	"github.com/x402-foundation/paygate/internal/money"
	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/protocol"
)

type gateRequest struct {
	Target     string            `json:"target" binding:"required"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	Price      string            `json:"price" binding:"required"`
	Asset      string            `json:"asset"`
	Recipient  string            `json:"recipient" binding:"required"`
	Memo       string            `json:"memo"`
	SuccessURL string            `json:"successUrl"`
	CancelURL  string            `json:"cancelUrl"`
}

// handleGate serves both halves of the pay-per-request flow. Without an
// X-X402-RequestId header it issues a 402 challenge; with one it consumes a
// PAID request and forwards it exactly once.
func (s *Server) handleGate(c *gin.Context) {
	requestID := c.GetHeader(protocol.HeaderRequestID)
	if requestID == "" {
		s.challenge(c)
		return
	}
	s.consume(c, requestID)
}

func (s *Server) challenge(c *gin.Context) {
	var body gateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required fields: target, price, recipient"})
		return
	}

	price, err := money.ParseDecimal(body.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}

	method := strings.ToUpper(body.Method)
	if method == "" {
		method = http.MethodGet
	}
	asset := body.Asset
	if asset == "" {
		asset = s.asset
	}

	now := time.Now()
	req := &store.PaymentRequest{
		RequestID:  "req_" + uuid.NewString(),
		Price:      price,
		Asset:      asset,
		Recipient:  body.Recipient,
		Target:     body.Target,
		Method:     method,
		Headers:    body.Headers,
		Body:       body.Body,
		Memo:       body.Memo,
		Status:     store.StatusIdle,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(challengeTTL),
	}
	if err := s.requests.CreateRequest(c.Request.Context(), req); err != nil {
		s.log.Error("failed to create payment request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	required := protocol.PaymentRequired{
		X402Version: protocol.Version,
		Error:       "Payment Required",
		Resource: &protocol.ResourceInfo{
			URL:         body.Target,
			Description: "Pay-per-request access",
			MimeType:    "application/json",
		},
		Accepts: []protocol.PaymentRequirements{{
			Scheme:            "item-price",
			Network:           s.network,
			Amount:            price.String(),
			Asset:             asset,
			PayTo:             body.Recipient,
			MaxTimeoutSeconds: int(challengeTTL.Seconds()),
		}},
	}
	header, err := protocol.EncodeRequiredHeader(required)
	if err == nil {
		c.Header(protocol.HeaderPaymentRequired, header)
	}

	c.JSON(http.StatusPaymentRequired, gin.H{
		"error": "Payment Required",
		"code":  "X402_PAYMENT_REQUIRED",
		"payment": gin.H{
			"requestId":   req.RequestID,
			"checkoutUrl": s.baseURL + "/checkout/" + req.RequestID,
			"network":     s.network,
			"asset":       asset,
			"amount":      price.String(),
			"recipient":   body.Recipient,
			"expiresAt":   req.ExpiresAt.Unix(),
		},
	})
}

func (s *Server) consume(c *gin.Context, requestID string) {
	ctx := c.Request.Context()

	req, err := s.requests.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	if err != nil {
		s.log.Error("failed to load payment request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	switch req.Status {
	case store.StatusCompleted:
		c.JSON(http.StatusConflict, gin.H{"error": "request already consumed"})
		return
	case store.StatusFailed:
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  "payment failed",
			"reason": req.FailureReason,
		})
		return
	case store.StatusPaid:
		// fall through to the claim below
	default:
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment not confirmed"})
		return
	}

	// Claim the request before touching the upstream so a concurrent
	// consumer cannot trigger a second forward.
	claimed, err := s.requests.CompleteIfPaid(ctx, requestID)
	if err != nil {
		s.log.Error("failed to claim paid request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if !claimed {
		c.JSON(http.StatusConflict, gin.H{"error": "request already consumed"})
		return
	}

	var bodyBytes []byte
	if len(req.Body) > 0 {
		bodyBytes = []byte(req.Body)
	}
	resp, err := s.forwarder.Do(ctx, req.Method, req.Target, req.Headers, bodyBytes)
	if err != nil {
		var proxyErr *forward.ProxyError
		if errors.As(err, &proxyErr) {
			s.log.Error("upstream forward failed after claim",
				zap.String("request_id", requestID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"forwarded":      true,
		"upstreamStatus": resp.StatusCode,
		"data":           upstreamData(resp),
	})
}

// upstreamData returns the upstream body as raw JSON when it parses, and as
// a plain string otherwise.
func upstreamData(resp *forward.Response) any {
	if json.Valid(resp.Body) && len(resp.Body) > 0 {
		return json.RawMessage(resp.Body)
	}
	return string(resp.Body)
}
