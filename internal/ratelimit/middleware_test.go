package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/model"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                { return nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter store unreachable")
}
func (brokenLimiter) Close() error { return nil }

func serveLimited(t *testing.T, l Limiter, key string) *httptest.ResponseRecorder {
	t.Helper()
	keyFunc := func(*http.Request) string { return key }
	reqIDFunc := func(*http.Request) string { return "req-test" }
	handler := Middleware(l, keyFunc, reqIDFunc)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/transport/heartbeat", nil))
	return rr
}

func TestMiddlewareDeniesWithEnvelope(t *testing.T) {
	rr := serveLimited(t, denyLimiter{}, "agent-1")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-test", apiErr.Meta.RequestID)
}

func TestMiddlewareNilLimiterPasses(t *testing.T) {
	rr := serveLimited(t, nil, "agent-1")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddlewareEmptyKeySkipsLimit(t *testing.T) {
	rr := serveLimited(t, denyLimiter{}, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	rr := serveLimited(t, brokenLimiter{}, "agent-1")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	r.RemoteAddr = "10.1.2.3:55001"
	assert.Equal(t, "10.1.2.3", IPKeyFunc(r))

	// A spoofable forwarding header must not replace the socket address.
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "10.1.2.3", IPKeyFunc(r))
}
