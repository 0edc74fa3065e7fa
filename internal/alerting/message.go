package alerting

import (
	"fmt"
	"strings"
	"time"

	"pricewatch/internal/storage"
)

// Message is the channel-neutral rendering of an alert.
type Message struct {
	Subject string
	Text    string
	Alert   storage.Alert
	Test    bool
}

func render(alert storage.Alert, test bool) Message {
	title := alert.Title
	if title == "" {
		title = alert.ProductID
	}

	prefix := "[Price Alert]"
	if test {
		prefix = "[Price Alert TEST]"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s %s\n", prefix, title))
	builder.WriteString(fmt.Sprintf("Product: %s\n", alert.ProductID))
	builder.WriteString(fmt.Sprintf("Price: %s -> %s (%s)\n", alert.OldPrice.StringFixed(2), alert.NewPrice.StringFixed(2), alert.Direction()))
	builder.WriteString(fmt.Sprintf("Change: %s%% (%s)\n", signed(alert.PercentChange.StringFixed(2)), signed(alert.AbsoluteChange.StringFixed(2))))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", alert.TriggerReason))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", alert.TriggeredAt.UTC().Format(time.RFC3339)))
	if alert.URL != "" {
		builder.WriteString(fmt.Sprintf("URL: %s\n", alert.URL))
	}

	return Message{
		Subject: fmt.Sprintf("%s %s %s%%", prefix, title, signed(alert.PercentChange.StringFixed(2))),
		Text:    builder.String(),
		Alert:   alert,
		Test:    test,
	}
}

func signed(v string) string {
	if strings.HasPrefix(v, "-") || v == "0.00" {
		return v
	}
	return "+" + v
}
