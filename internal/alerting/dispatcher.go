package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/metrics"
	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
	"pricewatch/internal/storage"
)

// Delivery statuses reported per channel.
const (
	StatusSent          = "sent"
	StatusFailed        = "failed"
	StatusNotConfigured = "not_configured"
)

// TestProductID marks the synthetic alert sent by SendTest.
const TestProductID = "TEST-ALERT"

// Result is the outcome of one channel attempt.
type Result struct {
	Channel policy.Channel `json:"channel"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
}

// Report summarises one Notify call.
type Report struct {
	Suppressed bool     `json:"suppressed"`
	Results    []Result `json:"results"`
}

// Delivered lists channels that accepted the message.
func (r Report) Delivered() []string {
	out := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Status == StatusSent {
			out = append(out, string(res.Channel))
		}
	}
	return out
}

// Failures counts channels that were attempted or wanted but did not deliver.
func (r Report) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Status != StatusSent {
			n++
		}
	}
	return n
}

// Dispatcher fans an alert out to the channels the policy enables. Delivery
// problems are reported, never returned as errors.
type Dispatcher struct {
	senders map[policy.Channel]Sender
	loc     *time.Location
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDispatcher registers senders by channel. loc is the zone quiet hours
// are evaluated in.
func NewDispatcher(senders []Sender, loc *time.Location, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	byChannel := make(map[policy.Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		senders: byChannel,
		loc:     loc,
		timeout: timeout,
		logger:  logger.With().Str("component", "notifier").Logger(),
		now:     time.Now,
	}
}

// SendersFromConfig builds a sender for every channel with credentials.
func SendersFromConfig(cfg config.AlertingConfig, logger zerolog.Logger) []Sender {
	var senders []Sender
	if cfg.Slack.WebhookURL != "" {
		senders = append(senders, NewSlackSender(cfg.Slack.WebhookURL, cfg.DeliveryTimeout, logger))
	}
	if cfg.Email.Configured() {
		senders = append(senders, NewEmailSender(cfg.Email, cfg.DeliveryTimeout, logger))
	}
	if cfg.Telegram.Configured() {
		senders = append(senders, NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.DeliveryTimeout, logger))
	}
	return senders
}

// Notify delivers alert on every channel p enables, unless the current time
// is inside p's quiet hours.
func (d *Dispatcher) Notify(ctx context.Context, alert storage.Alert, p policy.Policy) Report {
	return d.deliver(ctx, render(alert, false), p)
}

// SendTest delivers a synthetic alert under the same rules as Notify.
func (d *Dispatcher) SendTest(ctx context.Context, p policy.Policy) Report {
	return d.deliver(ctx, render(testAlert(d.now()), true), p)
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message, p policy.Policy) Report {
	channels := p.EnabledChannels()
	if p.InQuietHours(d.now(), d.loc) {
		d.logger.Info().
			Str("product_id", msg.Alert.ProductID).
			Str("alert_id", msg.Alert.ID).
			Msg("quiet hours active, notification suppressed")
		for _, ch := range channels {
			metrics.NotificationsTotal.WithLabelValues(string(ch), "suppressed").Inc()
		}
		return Report{Suppressed: true, Results: []Result{}}
	}

	results := make([]Result, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		sender, ok := d.senders[ch]
		if !ok {
			results[i] = Result{Channel: ch, Status: StatusNotConfigured, Error: ErrChannelNotConfigured.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, sender Sender) {
			defer wg.Done()
			results[i] = d.send(ctx, sender, msg)
		}(i, sender)
	}
	wg.Wait()

	for _, res := range results {
		metrics.NotificationsTotal.WithLabelValues(string(res.Channel), res.Status).Inc()
		if res.Status != StatusSent {
			d.logger.Warn().
				Str("channel", string(res.Channel)).
				Str("status", res.Status).
				Str("error", res.Error).
				Str("product_id", msg.Alert.ProductID).
				Str("alert_id", msg.Alert.ID).
				Msg("notification not delivered")
		}
	}
	return Report{Results: results}
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, msg Message) (res Result) {
	res = Result{Channel: sender.Channel()}
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("notifier").Inc()
			res.Status = StatusFailed
			res.Error = "sender panic"
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := sender.Send(ctx, msg); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Status = StatusSent
	return res
}

func testAlert(now time.Time) storage.Alert {
	oldPrice := decimal.NewFromInt(1000)
	newPrice := decimal.NewFromInt(750)
	abs, pct := rules.Change(oldPrice, newPrice)
	return storage.Alert{
		ID:             "test",
		ProductID:      TestProductID,
		Title:          "Test alert",
		OldPrice:       oldPrice,
		NewPrice:       newPrice,
		AbsoluteChange: abs,
		PercentChange:  rules.RoundPercent(pct),
		TriggerReason:  rules.ReasonPercent,
		Status:         storage.StatusOpen,
		TriggeredAt:    now.UTC(),
	}
}
