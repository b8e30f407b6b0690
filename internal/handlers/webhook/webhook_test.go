package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/credential"
)

func newHandler(t *testing.T, status int, retryAfter string) (*Webhook, *credential.Pool, *[]*http.Request) {
	t.Helper()
	var reqs []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs = append(reqs, r.Clone(context.Background()))
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	pool := credential.NewPool([]string{"key-a"})
	return New(srv.URL, pool, credential.NewGate(time.Millisecond)), pool, &reqs
}

func TestDeliverySuccess(t *testing.T) {
	h, _, reqs := newHandler(t, http.StatusOK, "")

	err := h.Handle(context.Background(), "conv-1", []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, *reqs, 1)
	assert.Equal(t, "Bearer key-a", (*reqs)[0].Header.Get("Authorization"))
}

func TestDeliveryRateLimited(t *testing.T) {
	h, pool, _ := newHandler(t, http.StatusTooManyRequests, "30")

	err := h.Handle(context.Background(), "conv-1", []string{"x"})
	var rl *credential.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
	assert.True(t, pool.IsExhausted(), "the used credential must be quarantined")
}

func TestDeliveryExhaustedPool(t *testing.T) {
	h, pool, reqs := newHandler(t, http.StatusOK, "")
	pool.MarkRateLimited("key-a", time.Minute)

	err := h.Handle(context.Background(), "conv-1", []string{"x"})
	assert.ErrorIs(t, err, credential.ErrPoolExhausted)
	assert.Empty(t, *reqs, "no upstream call without a credential")
}

func TestDeliveryUpstreamError(t *testing.T) {
	h, _, _ := newHandler(t, http.StatusInternalServerError, "")

	err := h.Handle(context.Background(), "conv-1", []string{"x"})
	require.Error(t, err)
	var rl *credential.RateLimitedError
	assert.False(t, errors.As(err, &rl), "an ordinary upstream failure is not a rate limit")
	assert.NotErrorIs(t, err, credential.ErrPoolExhausted)
}
