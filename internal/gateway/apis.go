package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/money"
	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/internal/verify"
	"github.com/x402-foundation/paygate/protocol"
)

const registerSchema = `{
	"type": "object",
	"required": ["name", "baseUrl", "price", "recipient"],
	"properties": {
		"name":        {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"baseUrl":     {"type": "string", "pattern": "^https?://"},
		"price":       {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,6})?$"},
		"asset":       {"type": "string"},
		"recipient":   {"type": "string", "minLength": 1}
	}
}`

var registerSchemaLoader = gojsonschema.NewStringLoader(registerSchema)

type registerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	BaseURL     string `json:"baseUrl"`
	Price       string `json:"price"`
	Asset       string `json:"asset"`
	Recipient   string `json:"recipient"`
}

// handleRegister adds an upstream endpoint to the catalog and returns the
// wrapper URL callers pay through.
func (s *Server) handleRegister(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read body"})
		return
	}

	result, err := gojsonschema.Validate(registerSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid registration", "details": details})
		return
	}

	var body registerRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	price, err := money.ParseDecimal(body.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}
	asset := body.Asset
	if asset == "" {
		asset = s.asset
	}

	api := &store.API{
		APIID:       uuid.NewString(),
		Name:        body.Name,
		Description: body.Description,
		BaseURL:     strings.TrimSuffix(body.BaseURL, "/"),
		Price:       price,
		Asset:       asset,
		Recipient:   body.Recipient,
		IsActive:    true,
	}
	if err := s.apis.CreateAPI(c.Request.Context(), api); err != nil {
		s.log.Error("failed to register api", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"apiId":      api.APIID,
		"wrapperUrl": s.baseURL + "/w/" + api.APIID + "/*",
	})
}

// handleListAPIs returns the active catalog.
func (s *Server) handleListAPIs(c *gin.Context) {
	apis, err := s.apis.ListAPIs(c.Request.Context())
	if err != nil {
		s.log.Error("failed to list apis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"apis": apis})
}

// handleWrapped is the pay-per-call proxy: without payment it answers with
// a 402 challenge describing the price; with a valid X-Payment header it
// relays the call to the wrapped upstream.
func (s *Server) handleWrapped(c *gin.Context) {
	ctx := c.Request.Context()

	api, err := s.apis.GetActiveAPI(ctx, c.Param("apiId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API not found or inactive"})
		return
	}
	if err != nil {
		s.log.Error("failed to load api", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	paymentHeader := c.GetHeader(protocol.HeaderPayment)
	if paymentHeader == "" {
		s.wrappedChallenge(c, api)
		return
	}

	payload, err := protocol.DecodePaymentHeader(paymentHeader)
	if err != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success": false,
			"error":   "payment verification failed",
			"details": err.Error(),
		})
		return
	}
	proof, err := protocol.NormalizeProof(payload.Payload.Transaction)
	if err != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"success": false,
			"error":   "payment verification failed",
			"details": err.Error(),
		})
		return
	}

	verdict := s.verifier.Verify(ctx, proof, verify.Requirement{
		Asset:     api.Asset,
		Recipient: api.Recipient,
		Amount:    api.Price,
		APIID:     api.APIID,
	}, "")
	if !verdict.Accepted {
		status := http.StatusPaymentRequired
		if verdict.Retryable {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   "payment verification failed",
			"code":    verdict.Code,
			"details": verdict.Reason,
		})
		return
	}

	s.relay(c, api, verdict)
}

func (s *Server) wrappedChallenge(c *gin.Context, api *store.API) {
	required := protocol.PaymentRequired{
		X402Version: protocol.Version,
		Error:       "Payment Required",
		Resource: &protocol.ResourceInfo{
			URL:         s.baseURL + c.Request.URL.Path,
			Description: "Access to " + api.Name,
			MimeType:    "application/json",
		},
		Accepts: []protocol.PaymentRequirements{{
			Scheme:            "item-price",
			Network:           s.network,
			Amount:            api.Price.String(),
			Asset:             api.Asset,
			PayTo:             api.Recipient,
			MaxTimeoutSeconds: int(challengeTTL.Seconds()),
		}},
	}
	if header, err := protocol.EncodeRequiredHeader(required); err == nil {
		c.Header(protocol.HeaderPaymentRequired, header)
	}
	c.JSON(http.StatusPaymentRequired, required)
}

func (s *Server) relay(c *gin.Context, api *store.API, verdict verify.Verdict) {
	target := api.BaseURL + c.Param("path")
	if query := c.Request.URL.RawQuery; query != "" {
		target += "?" + query
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[name] = c.Request.Header.Get(name)
	}

	var body []byte
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		body, _ = io.ReadAll(c.Request.Body)
	}

	resp, err := s.forwarder.Do(c.Request.Context(), c.Request.Method, target, headers, body)
	if err != nil {
		s.recordStat(api, verdict, http.StatusBadGateway, 0)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}

	s.recordStat(api, verdict, resp.StatusCode, resp.Duration)

	for name, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func (s *Server) recordStat(api *store.API, verdict verify.Verdict, statusCode int, duration time.Duration) {
	stat := &store.APIRequestStat{
		APIID:        api.APIID,
		TxReference:  verdict.TxReference,
		PayerAddress: verdict.Payer,
		StatusCode:   statusCode,
		Duration:     duration,
	}
	// Usage logging survives the request's cancellation; it never blocks
	// the response path either way.
	if err := s.apis.RecordAPIRequest(context.Background(), stat); err != nil {
		s.log.Error("failed to record api request", zap.Error(err))
	}
}
