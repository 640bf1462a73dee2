package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quagmire/internal/metadata"
)

// WebhookDeliverer posts enforcement requests to a remote enforcement
// service, retrying transient failures with doubling backoff.
type WebhookDeliverer struct {
	url        string
	maxRetries int
	retryBase  time.Duration
	client     *http.Client
}

// NewWebhookDeliverer creates the webhook delivery channel.
func NewWebhookDeliverer(url string, timeout time.Duration, maxRetries int, retryBase time.Duration) *WebhookDeliverer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &WebhookDeliverer{
		url:        url,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		client:     &http.Client{Timeout: timeout},
	}
}

// Deliver posts the request, retrying on network errors and 5xx responses.
// 4xx responses are final; the payload will not get better.
func (d *WebhookDeliverer) Deliver(ctx context.Context, req metadata.EnforcementRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling enforcement request: %w", err)
	}

	backoff := d.retryBase
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			backoff *= 2
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(httpReq)
		if err != nil {
			lastErr = err
			slog.Warn("enforcement webhook attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("enforcement webhook: status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
		slog.Warn("enforcement webhook attempt failed", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("enforcement webhook exhausted %d attempts: %w", d.maxRetries+1, lastErr)
}
