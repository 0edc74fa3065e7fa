package alerting

import (
	"context"
	"errors"

	"pricewatch/internal/policy"
)

// ErrChannelNotConfigured is reported for a channel the policy enables but
// no sender was configured for.
var ErrChannelNotConfigured = errors.New("alerting: channel not configured")

// Sender delivers a rendered message over one channel.
type Sender interface {
	Channel() policy.Channel
	Send(ctx context.Context, msg Message) error
}
