// Package forward replays a frozen payment request against its upstream
// target exactly as it was quoted at challenge time.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// strippedHeaders are never relayed upstream: payment-protocol headers,
// hop-by-hop headers, and headers the transport recomputes.
var strippedHeaders = map[string]struct{}{
	"host":                {},
	"content-length":      {},
	"authorization":       {},
	"x-payment":           {},
	"x-payment-required":  {},
	"x-x402-requestid":    {},
	"x-402-tx-id":         {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"proxy-authorization": {},
}

// Response is the upstream's reply, fully buffered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ProxyError reports an upstream failure after payment was already
// consumed; callers surface it distinctly from verification failures.
type ProxyError struct {
	Target string
	Err    error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("upstream request to %s failed: %v", e.Target, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		f.httpClient = client
	}
}

// WithMaxBodySize caps how much of the upstream body is buffered.
func WithMaxBodySize(n int64) Option {
	return func(f *Forwarder) {
		f.maxBodySize = n
	}
}

// Forwarder relays requests to upstream targets.
type Forwarder struct {
	httpClient  *http.Client
	maxBodySize int64
	log         *zap.Logger
}

func New(log *zap.Logger, opts ...Option) *Forwarder {
	f := &Forwarder{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxBodySize: 10 << 20,
		log:         log.Named("forward"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do replays method/target/headers/body upstream and buffers the reply.
// Any transport failure is wrapped in *ProxyError.
func (f *Forwarder) Do(ctx context.Context, method, target string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &ProxyError{Target: target, Err: err}
	}
	for name, value := range headers {
		if _, skip := strippedHeaders[strings.ToLower(name)]; skip {
			continue
		}
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &ProxyError{Target: target, Err: err}
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, &ProxyError{Target: target, Err: err}
	}

	duration := time.Since(start)
	f.log.Debug("forwarded request",
		zap.String("method", method),
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration))

	header := resp.Header.Clone()
	for name := range header {
		if _, skip := strippedHeaders[strings.ToLower(name)]; skip {
			header.Del(name)
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       buf,
		Duration:   duration,
	}, nil
}
