package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookClient posts enrichment payloads to a provider webhook.
type WebhookClient interface {
	// Post sends the payload. A nil error means the provider accepted the
	// request, not that enrichment finished.
	Post(ctx context.Context, url string, payload any) error
}

// HTTPWebhookClient is an HTTP implementation of the WebhookClient interface.
type HTTPWebhookClient struct {
	client *http.Client
}

// NewHTTPWebhookClient creates a client with a bounded request timeout.
func NewHTTPWebhookClient(timeout time.Duration) *HTTPWebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWebhookClient{client: &http.Client{Timeout: timeout}}
}

// Post sends the payload as JSON.
func (c *HTTPWebhookClient) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook rejected request: status code %d", resp.StatusCode)
	}
	return nil
}
