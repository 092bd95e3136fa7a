package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// telegramMaxText is the Bot API limit for a single message.
const telegramMaxText = 4096

type telegramSendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// TelegramPublisher posts to a chat through the Telegram Bot API.
// Metadata keys "parse_mode" and "disable_preview" are honoured.
type TelegramPublisher struct {
	apiURL     string
	token      string
	chatID     string
	httpClient *http.Client
}

func NewTelegramPublisher(apiURL, token, chatID string, timeout time.Duration) *TelegramPublisher {
	return &TelegramPublisher{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *TelegramPublisher) Publish(ctx context.Context, _ domain.Channel, content string, metadata map[string]string) error {
	if n := len([]rune(content)); n > telegramMaxText {
		return Fatal(fmt.Errorf("message has %d characters, limit is %d", n, telegramMaxText))
	}

	body, err := json.Marshal(telegramSendMessage{
		ChatID:                p.chatID,
		Text:                  content,
		ParseMode:             metadata["parse_mode"],
		DisableWebPagePreview: metadata["disable_preview"] == "true",
	})
	if err != nil {
		return Fatal(fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", p.apiURL, p.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(resp)
	}

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Transient(fmt.Errorf("decode response: %w", err))
	}
	if !tr.OK {
		return &Error{Code: tr.ErrorCode, Message: tr.Description}
	}
	return nil
}

var _ Publisher = (*TelegramPublisher)(nil)
