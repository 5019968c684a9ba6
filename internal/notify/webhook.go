package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultWebhookTimeout bounds one delivery
const DefaultWebhookTimeout = 10 * time.Second

// WebhookNotifier posts events as JSON
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier posts to url; a nil client gets an instrumented default
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultWebhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify implements Notifier
func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
