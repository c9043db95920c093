package forward

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDo_RelaysMethodHeadersAndBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := New(zap.NewNop())
	resp, err := f.Do(context.Background(), http.MethodPost, upstream.URL+"/v1/echo",
		map[string]string{"Content-Type": "application/json", "X-Custom": "kept"},
		[]byte(`{"q":1}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Positive(t, resp.Duration)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/echo", got.URL.Path)
	assert.Equal(t, `{"q":1}`, string(gotBody))
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
}

func TestDo_StripsPaymentAndHopByHopHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	f := New(zap.NewNop())
	_, err := f.Do(context.Background(), http.MethodGet, upstream.URL, map[string]string{
		"X-Payment":          "proof",
		"X-Payment-Required": "challenge",
		"X-X402-RequestId":   "req_1",
		"X-402-Tx-Id":        "0xabc",
		"Authorization":      "Bearer secret",
		"Connection":         "close",
		"Accept":             "application/json",
	}, nil)
	require.NoError(t, err)

	for _, name := range []string{
		"X-Payment", "X-Payment-Required", "X-X402-RequestId",
		"X-402-Tx-Id", "Authorization", "Connection",
	} {
		assert.Empty(t, got.Get(name), name)
	}
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestDo_UnreachableUpstreamIsProxyError(t *testing.T) {
	f := New(zap.NewNop())
	_, err := f.Do(context.Background(), http.MethodGet, "http://127.0.0.1:1", nil, nil)
	require.Error(t, err)

	var proxyErr *ProxyError
	assert.True(t, errors.As(err, &proxyErr))
	assert.Contains(t, proxyErr.Error(), "127.0.0.1:1")
}

func TestDo_BuffersUpToMaxBodySize(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer upstream.Close()

	f := New(zap.NewNop(), WithMaxBodySize(16))
	resp, err := f.Do(context.Background(), http.MethodGet, upstream.URL, nil, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 16)
}
