// Package rules decides whether a price change qualifies for an alert.
package rules

import (
	"github.com/shopspring/decimal"

	"pricewatch/internal/policy"
)

// Reason records which threshold(s) a qualifying change met.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonPercent  Reason = "percent_threshold"
	ReasonAbsolute Reason = "absolute_threshold"
	ReasonBoth     Reason = "both"
)

const percentDecimals = 4

// ParseReason validates a stored reason string.
func ParseReason(v string) (Reason, bool) {
	switch Reason(v) {
	case ReasonPercent, ReasonAbsolute, ReasonBoth:
		return Reason(v), true
	}
	return ReasonNone, false
}

// Outcome explains the evaluation result, including why nothing triggered.
type Outcome string

const (
	OutcomeTriggered      Outcome = "triggered"
	OutcomeDisabled       Outcome = "disabled"
	OutcomeNoPrice        Outcome = "no_price"
	OutcomeBelowMinimum   Outcome = "below_minimum"
	OutcomeFirstSighting  Outcome = "first_sighting"
	OutcomeZeroBaseline   Outcome = "zero_baseline"
	OutcomeBelowThreshold Outcome = "below_threshold"
)

// Decision is the result of Evaluate.
type Decision struct {
	Outcome        Outcome
	Reason         Reason
	AbsoluteChange decimal.Decimal
	PercentChange  decimal.Decimal
	Direction      string
}

// Triggered reports whether the change qualifies for an alert.
func (d Decision) Triggered() bool {
	return d.Outcome == OutcomeTriggered
}

var hundred = decimal.NewFromInt(100)

// Evaluate applies p to a (baseline, new price) pair. It is a pure function.
// Either threshold being met is sufficient; both rises and drops qualify.
func Evaluate(baseline, newPrice decimal.NullDecimal, p policy.Policy) Decision {
	switch {
	case !p.Enabled:
		return Decision{Outcome: OutcomeDisabled}
	case !newPrice.Valid || !newPrice.Decimal.IsPositive():
		return Decision{Outcome: OutcomeNoPrice}
	case newPrice.Decimal.LessThan(p.MinPriceForAlert):
		return Decision{Outcome: OutcomeBelowMinimum}
	case !baseline.Valid:
		return Decision{Outcome: OutcomeFirstSighting}
	case baseline.Decimal.IsZero():
		return Decision{Outcome: OutcomeZeroBaseline}
	}

	absolute, percent := Change(baseline.Decimal, newPrice.Decimal)
	d := Decision{
		Outcome:        OutcomeBelowThreshold,
		AbsoluteChange: absolute,
		PercentChange:  percent.Round(percentDecimals),
		Direction:      Direction(absolute),
	}

	d.Reason = Classify(absolute, percent, p)
	if d.Reason != ReasonNone {
		d.Outcome = OutcomeTriggered
	}
	return d
}

// Classify reports which of p's thresholds a change meets, or ReasonNone.
// percent should be the unrounded value returned by Change.
func Classify(absolute, percent decimal.Decimal, p policy.Policy) Reason {
	percentMet := percent.Abs().GreaterThanOrEqual(p.ThresholdPercent)
	absoluteMet := absolute.Abs().GreaterThanOrEqual(p.ThresholdAbsolute)
	switch {
	case percentMet && absoluteMet:
		return ReasonBoth
	case percentMet:
		return ReasonPercent
	case absoluteMet:
		return ReasonAbsolute
	}
	return ReasonNone
}

// Change returns the signed absolute and unrounded percent change from
// oldPrice to newPrice. oldPrice must be non-zero.
func Change(oldPrice, newPrice decimal.Decimal) (absolute, percent decimal.Decimal) {
	absolute = newPrice.Sub(oldPrice)
	percent = absolute.Div(oldPrice).Mul(hundred)
	return absolute, percent
}

// RoundPercent applies the storage precision used for percent changes.
func RoundPercent(v decimal.Decimal) decimal.Decimal {
	return v.Round(percentDecimals)
}

// Direction classifies a signed change.
func Direction(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
