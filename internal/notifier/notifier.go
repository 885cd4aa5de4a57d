package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers short operator-facing messages.
type Notifier interface {
	Notify(content string) error
}

// WebhookNotifier posts messages as JSON to a webhook URL. The payload shape
// ({"content": ...}) matches Discord-style webhooks, but any receiver that
// accepts a JSON body works.
type WebhookNotifier struct {
	WebhookURL string

	httpClient *http.Client
}

func NewWebhookNotifier(webhookURL string) *WebhookNotifier {
	return &WebhookNotifier{
		WebhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(content string) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	client := n.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Post(n.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
