package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
)

func nullDecimalArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseNullDecimal(field string, v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(field, v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// policyRow is the column-level shape of the settings document shared by
// both backends.
type policyRow struct {
	enabled           bool
	thresholdPercent  string
	thresholdAbsolute string
	minPrice          string
	channels          string
	quietStart        sql.NullString
	quietEnd          sql.NullString
}

func encodePolicy(p policy.Policy) (policyRow, error) {
	channels := p.Channels
	if channels == nil {
		channels = map[policy.Channel]bool{}
	}
	raw, err := json.Marshal(channels)
	if err != nil {
		return policyRow{}, fmt.Errorf("encode notify_channels: %w", err)
	}
	row := policyRow{
		enabled:           p.Enabled,
		thresholdPercent:  p.ThresholdPercent.String(),
		thresholdAbsolute: p.ThresholdAbsolute.String(),
		minPrice:          p.MinPriceForAlert.String(),
		channels:          string(raw),
	}
	if p.QuietHours != nil {
		row.quietStart = sql.NullString{String: p.QuietHours.Start.String(), Valid: true}
		row.quietEnd = sql.NullString{String: p.QuietHours.End.String(), Valid: true}
	}
	return row, nil
}

func (r policyRow) decode() (policy.Policy, error) {
	p := policy.Policy{Enabled: r.enabled, Channels: map[policy.Channel]bool{}}
	var err error
	if p.ThresholdPercent, err = parseDecimal("threshold_percent", r.thresholdPercent); err != nil {
		return policy.Policy{}, err
	}
	if p.ThresholdAbsolute, err = parseDecimal("threshold_absolute", r.thresholdAbsolute); err != nil {
		return policy.Policy{}, err
	}
	if p.MinPriceForAlert, err = parseDecimal("min_price_for_alert", r.minPrice); err != nil {
		return policy.Policy{}, err
	}
	if r.channels != "" {
		if err := json.Unmarshal([]byte(r.channels), &p.Channels); err != nil {
			return policy.Policy{}, fmt.Errorf("decode notify_channels: %w", err)
		}
	}
	if r.quietStart.Valid && r.quietEnd.Valid {
		start, err := policy.ParseTimeOfDay(r.quietStart.String)
		if err != nil {
			return policy.Policy{}, err
		}
		end, err := policy.ParseTimeOfDay(r.quietEnd.String)
		if err != nil {
			return policy.Policy{}, err
		}
		p.QuietHours = &policy.QuietHours{Start: start, End: end}
	}
	return p, nil
}

// alertRow carries the text-encoded numeric columns of an alert.
type alertRow struct {
	oldPrice, newPrice, percent, absolute, reason string
}

func (r alertRow) apply(a *Alert) error {
	var err error
	if a.OldPrice, err = parseDecimal("old_price", r.oldPrice); err != nil {
		return err
	}
	if a.NewPrice, err = parseDecimal("new_price", r.newPrice); err != nil {
		return err
	}
	if a.PercentChange, err = parseDecimal("percent_change", r.percent); err != nil {
		return err
	}
	if a.AbsoluteChange, err = parseDecimal("absolute_change", r.absolute); err != nil {
		return err
	}
	reason, ok := rules.ParseReason(r.reason)
	if !ok {
		return fmt.Errorf("unknown trigger_reason %q", r.reason)
	}
	a.TriggerReason = reason
	return nil
}
