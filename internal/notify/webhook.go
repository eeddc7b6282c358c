package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alanyoungcy/futarchy/internal/crypto"
)

// WebhookSender posts the raw event JSON to an HTTP endpoint, signed with
// an HMAC of the body when a secret is configured.
type WebhookSender struct {
	url    string
	signer *crypto.WebhookSigner
	client *http.Client
}

// NewWebhookSender creates a WebhookSender. An empty secret sends
// unsigned requests.
func NewWebhookSender(url, secret string) *WebhookSender {
	w := &WebhookSender{url: url, client: defaultClient()}
	if secret != "" {
		w.signer = crypto.NewWebhookSigner(secret)
	}
	return w
}

type webhookBody struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Event   any    `json:"event,omitempty"`
}

// Send posts the notification.
func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	wb := webhookBody{Title: n.Title, Message: n.Message}
	if n.Event != nil {
		wb.Event = n.Event
	}
	body, err := json.Marshal(wb)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	var headers map[string]string
	if w.signer != nil {
		headers = w.signer.Headers(body)
	}
	if err := post(ctx, w.client, w.url, body, headers); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
