package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"relayq/internal/credential"
)

// Webhook delivers task payload lines to an upstream endpoint, drawing
// a credential through the pool for auth. All deliveries pass the gate
// so calls stay spaced out under shared per-minute quotas.
type Webhook struct {
	URL    string
	Pool   *credential.Pool
	Gate   *credential.Gate
	Client *http.Client
}

func New(url string, pool *credential.Pool, gate *credential.Gate) *Webhook {
	return &Webhook{
		URL:    url,
		Pool:   pool,
		Gate:   gate,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type delivery struct {
	PartitionKey string   `json:"partition_key"`
	Lines        []string `json:"lines"`
}

func (h *Webhook) Handle(ctx context.Context, partitionKey string, payload []string) error {
	if err := h.Gate.Wait(ctx); err != nil {
		return err
	}
	cred, err := h.Pool.GetNext()
	if err != nil {
		return err // ErrPoolExhausted propagates as-is; the pool re-queues
	}

	body, err := json.Marshal(delivery{PartitionKey: partitionKey, Lines: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		after := retryAfter(resp)
		h.Pool.MarkRateLimited(cred, after)
		return &credential.RateLimitedError{RetryAfter: after}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return credential.DefaultCooldown
}
