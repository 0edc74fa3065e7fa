package pipeline

import (
	"context"
	"fmt"

	"pricewatch/internal/alerting"
	"pricewatch/internal/policy"
	"pricewatch/internal/storage"
)

// RedeliverReport summarises one redelivery sweep.
type RedeliverReport struct {
	Attempted  int `json:"attempted"`
	Delivered  int `json:"delivered"`
	Suppressed int `json:"suppressed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type redeliverOutcome int

const (
	redeliverDelivered redeliverOutcome = iota
	redeliverFailed
	redeliverSuppressed
	redeliverSkipped
)

// Redeliver retries delivery for open alerts no channel has accepted yet.
// Each alert is re-read under its product lock, so an alert refreshed or
// acknowledged after the listing is not marked with a stale delivery.
func (p *Pipeline) Redeliver(ctx context.Context, limit int) (RedeliverReport, error) {
	var report RedeliverReport

	pol := p.loadPolicy(ctx)
	if !pol.Enabled || len(pol.EnabledChannels()) == 0 {
		return report, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	alerts, err := p.store.ListAlerts(listCtx, storage.AlertFilter{
		Status:      storage.StatusOpen,
		Undelivered: true,
		Limit:       limit,
	})
	cancel()
	if err != nil {
		return report, fmt.Errorf("list undelivered alerts: %w", err)
	}

sweep:
	for i, listed := range alerts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch p.redeliverOne(ctx, listed, pol) {
		case redeliverSuppressed:
			// quiet hours apply to the whole sweep
			report.Suppressed = len(alerts) - i
			break sweep
		case redeliverSkipped:
			report.Skipped++
		case redeliverFailed:
			report.Attempted++
			report.Failed++
		case redeliverDelivered:
			report.Attempted++
			report.Delivered++
		}
	}

	p.logger.Info().
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("suppressed", report.Suppressed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("redelivery sweep finished")
	return report, nil
}

func (p *Pipeline) redeliverOne(ctx context.Context, listed storage.Alert, pol policy.Policy) redeliverOutcome {
	log := p.logger.With().Str("alert_id", listed.ID).Str("product_id", listed.ProductID).Logger()

	lockCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	unlock, err := p.locker.Lock(lockCtx, listed.ProductID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("failed to lock product for redelivery")
		return redeliverFailed
	}
	defer unlock()

	getCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	alert, err := p.store.GetAlert(getCtx, listed.ID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("failed to reload alert for redelivery")
		return redeliverFailed
	}
	if alert.Status != storage.StatusOpen || alert.Delivered() {
		log.Debug().Str("status", string(alert.Status)).Msg("alert changed since listing, skipped")
		return redeliverSkipped
	}

	res := p.notifier.Notify(ctx, alert, pol)
	if res.Suppressed {
		return redeliverSuppressed
	}
	delivered := res.Delivered()
	if len(delivered) == 0 {
		return redeliverFailed
	}

	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	err = p.store.MarkNotified(opCtx, alert.ID, delivered)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("failed to record redelivery")
		return redeliverFailed
	}
	return redeliverDelivered
}

// SendTestAlert delivers a synthetic alert using the stored policy. Nothing
// is persisted.
func (p *Pipeline) SendTestAlert(ctx context.Context) alerting.Report {
	return p.notifier.SendTest(ctx, p.loadPolicy(ctx))
}
