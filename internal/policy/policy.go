package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel names a notification delivery channel.
type Channel string

const (
	ChannelSlack    Channel = "slack"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

// KnownChannels lists every channel a policy may toggle.
var KnownChannels = []Channel{ChannelSlack, ChannelEmail, ChannelTelegram}

// ParseChannel normalises a channel name.
func ParseChannel(v string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range KnownChannels {
		if ch == known {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown notification channel %q", v)
}

// Policy is the alert-policy document owned by the settings store.
// It is passed by value into the evaluator and notifier.
type Policy struct {
	Enabled           bool             `json:"enabled"`
	ThresholdPercent  decimal.Decimal  `json:"threshold_percent"`
	ThresholdAbsolute decimal.Decimal  `json:"threshold_absolute"`
	MinPriceForAlert  decimal.Decimal  `json:"min_price_for_alert"`
	Channels          map[Channel]bool `json:"notify_channels"`
	QuietHours        *QuietHours      `json:"quiet_hours"`
	UpdatedAt         time.Time        `json:"updated_at,omitempty"`
}

// Default is the fail-safe policy used when settings cannot be read: alerts disabled.
func Default() Policy {
	return Policy{
		Enabled:           false,
		ThresholdPercent:  decimal.Zero,
		ThresholdAbsolute: decimal.Zero,
		MinPriceForAlert:  decimal.Zero,
		Channels:          map[Channel]bool{},
	}
}

// Seed returns the initial settings document written by `settings seed`.
func Seed() Policy {
	return Policy{
		Enabled:           true,
		ThresholdPercent:  decimal.NewFromInt(20),
		ThresholdAbsolute: decimal.NewFromInt(500),
		MinPriceForAlert:  decimal.NewFromInt(100),
		Channels: map[Channel]bool{
			ChannelSlack: true,
			ChannelEmail: false,
		},
	}
}

// Validate checks the rules a stored policy must satisfy.
func (p Policy) Validate() error {
	var errs []error
	if p.ThresholdPercent.IsNegative() {
		errs = append(errs, errors.New("threshold_percent cannot be negative"))
	}
	if p.ThresholdAbsolute.IsNegative() {
		errs = append(errs, errors.New("threshold_absolute cannot be negative"))
	}
	if p.MinPriceForAlert.IsNegative() {
		errs = append(errs, errors.New("min_price_for_alert cannot be negative"))
	}
	for ch := range p.Channels {
		if _, err := ParseChannel(string(ch)); err != nil {
			errs = append(errs, err)
		}
	}
	if p.QuietHours != nil {
		if err := p.QuietHours.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChannelEnabled reports whether ch is toggled on.
func (p Policy) ChannelEnabled(ch Channel) bool {
	return p.Channels[ch]
}

// EnabledChannels returns the enabled channels in a stable order.
func (p Policy) EnabledChannels() []Channel {
	out := make([]Channel, 0, len(p.Channels))
	for ch, on := range p.Channels {
		if on {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy so callers can mutate channel flags safely.
func (p Policy) Clone() Policy {
	cp := p
	cp.Channels = make(map[Channel]bool, len(p.Channels))
	for k, v := range p.Channels {
		cp.Channels[k] = v
	}
	if p.QuietHours != nil {
		qh := *p.QuietHours
		cp.QuietHours = &qh
	}
	return cp
}
