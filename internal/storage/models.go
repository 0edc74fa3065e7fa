package storage

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
)

// Observation is one scraped price data point for a product.
type Observation struct {
	ProductID       string
	Title           string
	Category        string
	URL             string
	Price           decimal.NullDecimal
	OriginalPrice   decimal.NullDecimal
	DiscountPercent decimal.NullDecimal
	Rating          decimal.NullDecimal
	ReviewCount     *int64
	Availability    string
	ObservedAt      time.Time
}

// Baseline is the last stored price for a product.
type Baseline struct {
	ProductID  string
	Title      string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// AlertStatus is the acknowledgement state of an alert.
type AlertStatus string

const (
	StatusOpen         AlertStatus = "open"
	StatusAcknowledged AlertStatus = "acknowledged"
)

// ParseStatus validates a status filter value.
func ParseStatus(v string) (AlertStatus, bool) {
	switch AlertStatus(v) {
	case StatusOpen, StatusAcknowledged:
		return AlertStatus(v), true
	}
	return "", false
}

// Alert records one detected, qualifying price change.
type Alert struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"product_id"`
	Title            string          `json:"title"`
	URL              string          `json:"url,omitempty"`
	OldPrice         decimal.Decimal `json:"old_price"`
	NewPrice         decimal.Decimal `json:"new_price"`
	PercentChange    decimal.Decimal `json:"percent_change"`
	AbsoluteChange   decimal.Decimal `json:"absolute_change"`
	TriggerReason    rules.Reason    `json:"trigger_reason"`
	Status           AlertStatus     `json:"status"`
	TriggeredAt      time.Time       `json:"triggered_at"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at"`
	NotifiedChannels []string        `json:"notified_channels"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Direction classifies the alert's change as up, down or flat.
func (a Alert) Direction() string {
	return rules.Direction(a.AbsoluteChange)
}

// Delivered reports whether at least one channel accepted the alert.
func (a Alert) Delivered() bool {
	return len(a.NotifiedChannels) > 0
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status      AlertStatus
	ProductID   string
	Undelivered bool
	Limit       int
	Offset      int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500

	maxHistoryLimit = 10000
)

func (f AlertFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

func (f AlertFilter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// refreshOpenAlert folds a new qualifying change into an existing open alert.
// The episode keeps its id and starting price while the net move from that
// price still meets p; changes and reason are recomputed against it. When the
// net move no longer qualifies, the alert is re-anchored on the candidate's
// own baseline so it always describes a qualifying change. triggered_at moves
// to the latest detection.
func refreshOpenAlert(existing, candidate Alert, p policy.Policy) Alert {
	out := existing
	out.NewPrice = candidate.NewPrice
	out.TriggeredAt = candidate.TriggeredAt
	out.NotifiedChannels = []string{}
	if candidate.Title != "" {
		out.Title = candidate.Title
	}
	if candidate.URL != "" {
		out.URL = candidate.URL
	}

	if !existing.OldPrice.IsZero() {
		abs, pct := rules.Change(existing.OldPrice, candidate.NewPrice)
		if reason := rules.Classify(abs, pct, p); reason != rules.ReasonNone {
			out.AbsoluteChange = abs
			out.PercentChange = rules.RoundPercent(pct)
			out.TriggerReason = reason
			return out
		}
	}
	out.OldPrice = candidate.OldPrice
	out.AbsoluteChange = candidate.AbsoluteChange
	out.PercentChange = candidate.PercentChange
	out.TriggerReason = candidate.TriggerReason
	return out
}

func mergeChannels(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, ch := range added {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}
