// Package gateway exposes the HTTP surface: the pay-per-request challenge
// and consume flow, the checkout endpoints a payer drives, the wrapped-API
// proxy, and the catalog registration endpoint.
package gateway

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/forward"
	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/internal/verify"
	"github.com/x402-foundation/paygate/protocol"
)

// challengeTTL bounds how long a payment request stays claimable.
const challengeTTL = time.Hour

// RequestStore is the payment-request half of the persistence layer.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *store.PaymentRequest) error
	GetRequest(ctx context.Context, requestID string) (*store.PaymentRequest, error)
	AttachProof(ctx context.Context, requestID, txReference string) error
	MarkPaid(ctx context.Context, requestID, txReference string) error
	MarkFailed(ctx context.Context, requestID, reason string) error
	CompleteIfPaid(ctx context.Context, requestID string) (bool, error)
}

// APIRegistry is the wrapped-API half of the persistence layer.
type APIRegistry interface {
	CreateAPI(ctx context.Context, api *store.API) error
	GetActiveAPI(ctx context.Context, apiID string) (*store.API, error)
	ListAPIs(ctx context.Context) ([]*store.API, error)
	RecordAPIRequest(ctx context.Context, stat *store.APIRequestStat) error
}

// Verifier runs the payment verification pipeline.
type Verifier interface {
	Verify(ctx context.Context, proof protocol.Proof, req verify.Requirement, requestID string) verify.Verdict
}

// Forwarder relays a frozen request upstream.
type Forwarder interface {
	Do(ctx context.Context, method, target string, headers map[string]string, body []byte) (*forward.Response, error)
}

// Server holds the handler dependencies and builds the router.
type Server struct {
	requests  RequestStore
	apis      APIRegistry
	verifier  Verifier
	forwarder Forwarder
	baseURL   string
	network   string
	asset     string
	log       *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithNetwork sets the network identifier advertised in challenges.
func WithNetwork(network string) Option {
	return func(s *Server) {
		s.network = network
	}
}

// WithNativeAsset sets the asset symbol used when a challenge omits one.
func WithNativeAsset(asset string) Option {
	return func(s *Server) {
		s.asset = asset
	}
}

func New(requests RequestStore, apis APIRegistry, verifier Verifier, forwarder Forwarder, baseURL string, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		requests:  requests,
		apis:      apis,
		verifier:  verifier,
		forwarder: forwarder,
		baseURL:   baseURL,
		network:   "stacks-testnet",
		asset:     "STX",
		log:       log.Named("gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/api/paygate", s.handleGate)
	router.POST("/api/paygate/register", s.handleRegister)
	router.GET("/api/paygate/apis", s.handleListAPIs)

	router.POST("/api/checkout/attach", s.handleAttach)
	router.POST("/api/checkout/verify", s.handleVerify)
	router.GET("/api/checkout/:requestId", s.handleStatus)

	router.Any("/w/:apiId/*path", s.handleWrapped)

	return router
}
