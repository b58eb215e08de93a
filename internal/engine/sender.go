package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender delivers responses by POSTing them to the messaging
// layer's outbound webhook. The engine stays transport-agnostic; SMS
// and channel routing happen behind this URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type outboundMessage struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// SendMessage posts the response. Non-2xx statuses are delivery
// failures.
func (w *WebhookSender) SendMessage(ctx context.Context, conversationID, text string) error {
	body, err := json.Marshal(outboundMessage{ConversationID: conversationID, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*WebhookSender)(nil)
