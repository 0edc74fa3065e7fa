package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/policy"
)

// TelegramSender posts alerts to one chat through the Bot API.
type TelegramSender struct {
	endpoint string
	chatID   string
	client   *http.Client
	logger   zerolog.Logger
}

var _ Sender = (*TelegramSender)(nil)

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

// telegramResponse is the Bot API envelope; only the fields we act on.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// NewTelegramSender builds a sender for chatID. apiBase defaults to the
// public Bot API host.
func NewTelegramSender(botToken, chatID, apiBase string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &TelegramSender{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(apiBase, "/"), botToken),
		chatID:   chatID,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Channel implements Sender.
func (s *TelegramSender) Channel() policy.Channel { return policy.ChannelTelegram }

// Send implements Sender. Test messages are sent silently.
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramRequest{
		ChatID:                s.chatID,
		Text:                  msg.Text,
		DisableWebPagePreview: true,
		DisableNotification:   msg.Test,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of logs and reports
		return fmt.Errorf("send telegram request: %w", redactURLError(err))
	}
	defer resp.Body.Close()

	var result telegramResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	switch {
	case decodeErr == nil && !result.OK:
		return telegramError(resp.StatusCode, result)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	case decodeErr != nil:
		return fmt.Errorf("decode telegram response: %w", decodeErr)
	}

	s.logger.Debug().
		Str("alert_id", msg.Alert.ID).
		Str("product_id", msg.Alert.ProductID).
		Str("direction", msg.Alert.Direction()).
		Bool("test", msg.Test).
		Int64("message_id", result.Result.MessageID).
		Msg("alert sent to telegram")
	return nil
}

func telegramError(status int, r telegramResponse) error {
	code := r.ErrorCode
	if code == 0 {
		code = status
	}
	desc := r.Description
	if desc == "" {
		desc = "ok=false"
	}
	if r.Parameters.RetryAfter > 0 {
		return fmt.Errorf("telegram error %d: %s (retry after %ds)", code, desc, r.Parameters.RetryAfter)
	}
	return fmt.Errorf("telegram error %d: %s", code, desc)
}

func redactURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
