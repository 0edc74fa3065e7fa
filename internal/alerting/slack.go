package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/policy"
)

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

var _ Sender = (*SlackSender)(nil)

// NewSlackSender builds a webhook sender.
func NewSlackSender(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Channel implements Sender.
func (s *SlackSender) Channel() policy.Channel { return policy.ChannelSlack }

// Send posts {"text": ...} to the webhook.
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	s.logger.Debug().Str("product_id", msg.Alert.ProductID).Msg("alert sent to slack")
	return nil
}
