package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/internal/httpclient"
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// maxMessageLen is Telegram's limit on sendMessage text, in characters.
const maxMessageLen = 4096

// truncate shortens text to at most limit runes, ending in an ellipsis when cut.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	client  *httpclient.Client
	baseURL string
	token   string
	chatID  string
}

// NewTelegramSender creates a sender. Private and loopback API hosts are refused.
func NewTelegramSender(baseURL, token, chatID string, timeout time.Duration) *TelegramSender {
	return NewTelegramSenderWithClient(httpclient.New(timeout, httpclient.Options{
		AllowedSchemes: []string{"https"},
		BlockPrivateIP: true,
	}), baseURL, token, chatID)
}

// NewTelegramSenderWithClient creates a sender using client.
func NewTelegramSenderWithClient(client *httpclient.Client, baseURL, token, chatID string) *TelegramSender {
	return &TelegramSender{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Send posts text to the configured chat. Errors never contain the bot token.
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	text = truncate(text, maxMessageLen)
	body, err := json.Marshal(sendMessageRequest{ChatID: s.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return errors.Wrap(err, "failed to encode telegram message")
	}

	url := s.baseURL + "/bot" + s.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return s.redact(errors.Wrap(err, "failed to build telegram request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return s.redact(errors.Wrap(err, "telegram request failed"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Wrap(err, "failed to read telegram response")
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Newf("telegram returned HTTP %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return errors.Newf("telegram rejected message: HTTP %d: %s", resp.StatusCode, parsed.Description)
	}
	return nil
}

// redact replaces the bot token in err's message. Transport errors embed the URL.
func (s *TelegramSender) redact(err error) error {
	if s.token == "" || !strings.Contains(err.Error(), s.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), s.token, "***"))
}
