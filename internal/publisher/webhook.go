package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// WebhookRequest is the JSON body posted to the relay.
type WebhookRequest struct {
	Channel  string            `json:"channel"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WebhookPublisher hands posts to a generic HTTP relay that owns the
// platform credentials. The URL is injected from config so tests can point
// it at httptest.
type WebhookPublisher struct {
	url        string
	httpClient *http.Client
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	return &WebhookPublisher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ch domain.Channel, content string, metadata map[string]string) error {
	body, err := json.Marshal(WebhookRequest{Channel: string(ch), Content: content, Metadata: metadata})
	if err != nil {
		return Fatal(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

var _ Publisher = (*WebhookPublisher)(nil)
