// Package pipeline evaluates observation batches against stored baselines and
// turns qualifying price changes into deduplicated, delivered alerts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/ingest"
	"pricewatch/internal/lock"
	"pricewatch/internal/metrics"
	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
	"pricewatch/internal/storage"
)

// Store is the persistence the pipeline needs.
type Store interface {
	storage.SettingsStore
	storage.ObservationStore
	storage.AlertStore
}

// Notifier delivers alerts; *alerting.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, alert storage.Alert, p policy.Policy) alerting.Report
	SendTest(ctx context.Context, p policy.Policy) alerting.Report
}

// Options tunes concurrency and timeouts.
type Options struct {
	Workers          int
	OperationTimeout time.Duration
	AdvisoryLockKey  int64
}

// Report summarises one ProcessBatch call.
type Report struct {
	Received         int                `json:"received"`
	Skipped          int                `json:"skipped"`
	Rejections       []ingest.Rejection `json:"rejections,omitempty"`
	Products         int                `json:"products"`
	FirstSightings   int                `json:"first_sightings"`
	Evaluated        int                `json:"evaluated"`
	Created          int                `json:"created"`
	Refreshed        int                `json:"refreshed"`
	Suppressed       int                `json:"suppressed"`
	DeliveryFailures int                `json:"delivery_failures"`
	Failed           int                `json:"failed"`
	Stale            int                `json:"stale"`
	Locked           bool               `json:"locked"`
	Duration         time.Duration      `json:"duration_ns"`
}

func (r *Report) merge(o productResult) {
	r.FirstSightings += o.firstSightings
	r.Evaluated += o.evaluated
	r.Created += o.created
	r.Refreshed += o.refreshed
	r.Suppressed += o.suppressed
	r.DeliveryFailures += o.deliveryFailures
	r.Failed += o.failed
	r.Stale += o.stale
}

type productResult struct {
	firstSightings, evaluated, created, refreshed int
	suppressed, deliveryFailures, failed, stale   int
}

type productGroup struct {
	productID    string
	observations []storage.Observation
}

// Pipeline wires the stores, evaluator and notifier together.
type Pipeline struct {
	store    Store
	notifier Notifier
	locker   lock.Locker
	advisory storage.AdvisoryLocker
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the pipeline. When store also implements
// storage.AdvisoryLocker and a key is configured, only one batch runs at a
// time per database.
func New(store Store, notifier Notifier, locker lock.Locker, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Second
	}
	if locker == nil {
		locker = lock.NewLocal()
	}

	var advisory storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		advisory = l
	}

	return &Pipeline{
		store:    store,
		notifier: notifier,
		locker:   locker,
		advisory: advisory,
		opts:     opts,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// Handle adapts ProcessBatch to ingest.BatchHandler.
func (p *Pipeline) Handle(ctx context.Context, batch ingest.Batch) error {
	_, err := p.ProcessBatch(ctx, batch)
	return err
}

// ProcessBatch runs one batch job. Per-product failures are logged and
// counted; the error return is reserved for failures of the whole run.
// Cancelling ctx stops new products from starting while products already in
// flight finish.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch ingest.Batch) (Report, error) {
	start := p.now()
	report := Report{
		Received:   batch.Received,
		Skipped:    len(batch.Rejections),
		Rejections: batch.Rejections,
	}
	if report.Received == 0 {
		report.Received = len(batch.Observations) + len(batch.Rejections)
	}
	metrics.BatchSize.Observe(float64(report.Received))
	metrics.ObservationsTotal.WithLabelValues("rejected").Add(float64(len(batch.Rejections)))

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		p.logger.Info().Int("received", report.Received).Msg("skip batch because advisory lock held elsewhere")
		report.Locked = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	pol := p.loadPolicy(ctx)
	groups := p.group(batch.Observations, &report)
	report.Products = len(groups)

	dispatched := p.fanOut(ctx, groups, pol, &report)

	report.Duration = p.now().Sub(start)
	metrics.BatchDuration.Observe(report.Duration.Seconds())
	p.logger.Info().
		Int("received", report.Received).
		Int("skipped", report.Skipped).
		Int("products", report.Products).
		Int("created", report.Created).
		Int("refreshed", report.Refreshed).
		Int("failed", report.Failed).
		Int("stale", report.Stale).
		Dur("duration", report.Duration).
		Msg("batch processed")

	if dispatched < len(groups) {
		return report, fmt.Errorf("batch interrupted after %d of %d products: %w", dispatched, len(groups), ctx.Err())
	}
	return report, nil
}

// group drops malformed observations and orders each product's observations
// by observation time, keeping input order for ties.
func (p *Pipeline) group(observations []storage.Observation, report *Report) []productGroup {
	index := make(map[string]int)
	var groups []productGroup
	for i, obs := range observations {
		if reason := malformed(obs); reason != "" {
			report.Skipped++
			report.Rejections = append(report.Rejections, ingest.Rejection{Index: i, ProductID: obs.ProductID, Reason: reason})
			metrics.ObservationsTotal.WithLabelValues("rejected").Inc()
			continue
		}
		if obs.ObservedAt.IsZero() {
			obs.ObservedAt = p.now().UTC()
		}
		pos, ok := index[obs.ProductID]
		if !ok {
			pos = len(groups)
			index[obs.ProductID] = pos
			groups = append(groups, productGroup{productID: obs.ProductID})
		}
		groups[pos].observations = append(groups[pos].observations, obs)
	}
	for i := range groups {
		obs := groups[i].observations
		sort.SliceStable(obs, func(a, b int) bool { return obs[a].ObservedAt.Before(obs[b].ObservedAt) })
	}
	return groups
}

func malformed(obs storage.Observation) string {
	switch {
	case obs.ProductID == "":
		return "missing product_id"
	case !obs.Price.Valid || !obs.Price.Decimal.IsPositive():
		return "missing or non-positive price"
	}
	return ""
}

func (p *Pipeline) fanOut(ctx context.Context, groups []productGroup, pol policy.Policy, report *Report) int {
	jobs := make(chan productGroup)
	var mu sync.Mutex
	var wg sync.WaitGroup

	work := context.WithoutCancel(ctx)
	workers := p.opts.Workers
	if workers > len(groups) {
		workers = len(groups)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				res := p.processProduct(work, g, pol)
				mu.Lock()
				report.merge(res)
				mu.Unlock()
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- g:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()
	return dispatched
}

func (p *Pipeline) processProduct(ctx context.Context, g productGroup, pol policy.Policy) (res productResult) {
	log := p.logger.With().Str("product_id", g.productID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("product processing panic recovered")
			metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()
			res.failed++
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	unlock, err := p.locker.Lock(lockCtx, g.productID)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to lock product")
		metrics.ObservationsTotal.WithLabelValues("failed").Add(float64(len(g.observations)))
		res.failed++
		return res
	}
	defer unlock()

	for _, obs := range g.observations {
		if !p.processObservation(ctx, log, obs, pol, &res) {
			break
		}
	}
	return res
}

// processObservation handles one observation. It returns false when the
// product must not be processed further in this run.
func (p *Pipeline) processObservation(ctx context.Context, log zerolog.Logger, obs storage.Observation, pol policy.Policy, res *productResult) bool {
	baseline, found, err := p.baseline(ctx, obs.ProductID)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve baseline")
		metrics.ObservationsTotal.WithLabelValues("failed").Inc()
		res.failed++
		return false
	}

	if found && obs.ObservedAt.Before(baseline.ObservedAt) {
		log.Debug().
			Time("observed_at", obs.ObservedAt).
			Time("baseline_at", baseline.ObservedAt).
			Msg("observation older than baseline, not evaluated")
		res.stale++
		metrics.ObservationsTotal.WithLabelValues("stale").Inc()
		return p.record(ctx, log, obs, res)
	}

	var prior decimal.NullDecimal
	if found {
		prior = decimal.NewNullDecimal(baseline.Price)
	}
	decision := rules.Evaluate(prior, obs.Price, pol)
	metrics.ObservationsTotal.WithLabelValues(string(decision.Outcome)).Inc()

	switch decision.Outcome {
	case rules.OutcomeFirstSighting:
		res.firstSightings++
	case rules.OutcomeTriggered, rules.OutcomeBelowThreshold:
		res.evaluated++
	}

	if decision.Triggered() {
		candidate := storage.Alert{
			ProductID:      obs.ProductID,
			Title:          firstNonEmpty(obs.Title, baseline.Title),
			URL:            obs.URL,
			OldPrice:       baseline.Price,
			NewPrice:       obs.Price.Decimal,
			PercentChange:  decision.PercentChange,
			AbsoluteChange: decision.AbsoluteChange,
			TriggerReason:  decision.Reason,
			TriggeredAt:    p.now().UTC(),
		}
		if !p.raise(ctx, log, candidate, pol, res) {
			return false
		}
	}

	return p.record(ctx, log, obs, res)
}

func (p *Pipeline) raise(ctx context.Context, log zerolog.Logger, candidate storage.Alert, pol policy.Policy, res *productResult) bool {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	alert, created, err := p.store.UpsertOpenAlert(opCtx, candidate, pol)
	cancel()
	if err != nil {
		log.Error().Err(err).
			Str("old_price", candidate.OldPrice.String()).
			Str("new_price", candidate.NewPrice.String()).
			Str("percent_change", candidate.PercentChange.String()).
			Str("absolute_change", candidate.AbsoluteChange.String()).
			Msg("failed to persist alert, baseline left unchanged")
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		res.failed++
		return false
	}

	action := "refreshed"
	if created {
		action = "created"
		res.created++
	} else {
		res.refreshed++
	}
	metrics.AlertsTotal.WithLabelValues(action).Inc()
	log.Info().
		Str("alert_id", alert.ID).
		Str("action", action).
		Str("old_price", alert.OldPrice.String()).
		Str("new_price", alert.NewPrice.String()).
		Str("percent_change", alert.PercentChange.String()).
		Str("reason", string(alert.TriggerReason)).
		Msg("price alert")

	p.deliver(ctx, log, alert, pol, res)
	return true
}

func (p *Pipeline) deliver(ctx context.Context, log zerolog.Logger, alert storage.Alert, pol policy.Policy, res *productResult) {
	report := p.notifier.Notify(ctx, alert, pol)
	if report.Suppressed {
		res.suppressed++
		return
	}
	res.deliveryFailures += report.Failures()

	delivered := report.Delivered()
	if len(delivered) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()
	if err := p.store.MarkNotified(opCtx, alert.ID, delivered); err != nil {
		log.Warn().Err(err).Str("alert_id", alert.ID).Strs("channels", delivered).Msg("failed to record delivered channels")
	}
}

func (p *Pipeline) baseline(ctx context.Context, productID string) (storage.Baseline, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()
	return p.store.Baseline(opCtx, productID)
}

func (p *Pipeline) record(ctx context.Context, log zerolog.Logger, obs storage.Observation, res *productResult) bool {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()
	if _, err := p.store.RecordObservation(opCtx, obs); err != nil {
		log.Error().Err(err).Time("observed_at", obs.ObservedAt).Msg("failed to record observation")
		metrics.ObservationsTotal.WithLabelValues("failed").Inc()
		res.failed++
		return false
	}
	return true
}

// loadPolicy falls back to the disabled default when settings are unavailable.
func (p *Pipeline) loadPolicy(ctx context.Context) policy.Policy {
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	pol, err := p.store.LoadPolicy(opCtx)
	switch {
	case errors.Is(err, storage.ErrPolicyNotFound):
		p.logger.Warn().Msg("no alert policy stored, alerts disabled")
		return policy.Default()
	case err != nil:
		p.logger.Warn().Err(err).Msg("failed to load alert policy, alerts disabled")
		return policy.Default()
	}
	return pol
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.AdvisoryLockKey == 0 || p.advisory == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.advisory.TryAdvisoryLock(ctx, p.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
