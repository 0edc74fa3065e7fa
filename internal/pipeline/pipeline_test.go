package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/ingest"
	"pricewatch/internal/lock"
	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
	"pricewatch/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []storage.Alert
	quietAt  time.Time
	fail     bool
	panicFor string
}

func (n *recordingNotifier) Notify(_ context.Context, alert storage.Alert, p policy.Policy) alerting.Report {
	if alert.ProductID == n.panicFor {
		panic("notifier exploded")
	}
	if !n.quietAt.IsZero() && p.InQuietHours(n.quietAt, time.UTC) {
		return alerting.Report{Suppressed: true}
	}
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()

	var results []alerting.Result
	for _, ch := range p.EnabledChannels() {
		status := alerting.StatusSent
		if n.fail {
			status = alerting.StatusFailed
		}
		results = append(results, alerting.Result{Channel: ch, Status: status})
	}
	return alerting.Report{Results: results}
}

func (n *recordingNotifier) SendTest(ctx context.Context, p policy.Policy) alerting.Report {
	return n.Notify(ctx, storage.Alert{ProductID: alerting.TestProductID}, p)
}

func (n *recordingNotifier) sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func newStore(t *testing.T, seed bool) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if seed {
		if _, err := s.SavePolicy(context.Background(), policy.Seed()); err != nil {
			t.Fatalf("seed policy: %v", err)
		}
	}
	return s
}

func newPipeline(store Store, n Notifier) *Pipeline {
	return New(store, n, lock.NewLocal(), Options{Workers: 3, OperationTimeout: time.Second}, zerolog.Nop())
}

func obs(id, price string, at time.Time) storage.Observation {
	return storage.Observation{
		ProductID:  id,
		Title:      "Product " + id,
		Price:      decimal.NewNullDecimal(decimal.RequireFromString(price)),
		ObservedAt: at,
	}
}

func batchOf(observations ...storage.Observation) ingest.Batch {
	return ingest.Batch{Received: len(observations), Observations: observations}
}

func process(t *testing.T, p *Pipeline, observations ...storage.Observation) Report {
	t.Helper()
	report, err := p.ProcessBatch(context.Background(), batchOf(observations...))
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	return report
}

func openAlerts(t *testing.T, s storage.AlertStore, productID string) []storage.Alert {
	t.Helper()
	alerts, err := s.ListAlerts(context.Background(), storage.AlertFilter{Status: storage.StatusOpen, ProductID: productID})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return alerts
}

func TestPriceDropCreatesAlertAndAdvancesBaseline(t *testing.T) {
	store := newStore(t, true)
	n := &recordingNotifier{}
	p := newPipeline(store, n)

	first := process(t, p, obs("B01", "1000", t0))
	if first.FirstSightings != 1 || first.Created != 0 {
		t.Fatalf("first run = %+v", first)
	}

	report := process(t, p, obs("B01", "750", t0.Add(time.Hour)))
	if report.Created != 1 || report.Evaluated != 1 {
		t.Fatalf("second run = %+v", report)
	}

	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 {
		t.Fatalf("open alerts = %d", len(alerts))
	}
	a := alerts[0]
	if !a.PercentChange.Equal(decimal.NewFromInt(-25)) || a.TriggerReason != "percent_threshold" {
		t.Fatalf("alert = %+v", a)
	}
	if len(a.NotifiedChannels) != 1 || a.NotifiedChannels[0] != "slack" {
		t.Fatalf("notified channels = %v", a.NotifiedChannels)
	}

	b, _, _ := store.Baseline(context.Background(), "B01")
	if !b.Price.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("baseline = %s", b.Price)
	}
}

func TestBelowThresholdStillAdvancesBaseline(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})

	process(t, p, obs("B01", "10000", t0))
	report := process(t, p, obs("B01", "9600", t0.Add(time.Hour)))
	if report.Created != 0 || report.Evaluated != 1 {
		t.Fatalf("report = %+v", report)
	}
	b, _, _ := store.Baseline(context.Background(), "B01")
	if !b.Price.Equal(decimal.NewFromInt(9600)) {
		t.Fatalf("baseline = %s", b.Price)
	}
}

func TestRepeatedChangesRefreshSingleOpenAlert(t *testing.T) {
	store := newStore(t, true)
	n := &recordingNotifier{}
	p := newPipeline(store, n)

	process(t, p, obs("B01", "1000", t0))
	process(t, p, obs("B01", "750", t0.Add(time.Hour)))
	report := process(t, p, obs("B01", "500", t0.Add(2*time.Hour)))
	if report.Refreshed != 1 || report.Created != 0 {
		t.Fatalf("third run = %+v", report)
	}

	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(alerts))
	}
	if !alerts[0].OldPrice.Equal(decimal.NewFromInt(1000)) || !alerts[0].NewPrice.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("episode = %s -> %s", alerts[0].OldPrice, alerts[0].NewPrice)
	}
	if n.sent() != 2 {
		t.Fatalf("notifications = %d, want one per detection", n.sent())
	}
}

func TestRefreshReasonMatchesStoredChange(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})

	process(t, p, obs("B01", "1000", t0))
	process(t, p, obs("B01", "750", t0.Add(time.Hour)))
	report := process(t, p, obs("B01", "1000", t0.Add(2*time.Hour)))
	if report.Refreshed != 1 {
		t.Fatalf("third run = %+v", report)
	}

	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.PercentChange.IsZero() || a.AbsoluteChange.IsZero() {
		t.Fatalf("open alert reports no change: %s%% / %s reason=%s", a.PercentChange, a.AbsoluteChange, a.TriggerReason)
	}
	abs, pct := rules.Change(a.OldPrice, a.NewPrice)
	if got := rules.Classify(abs, pct, policy.Seed()); got == rules.ReasonNone || got != a.TriggerReason {
		t.Fatalf("reason %q inconsistent with %s -> %s", a.TriggerReason, a.OldPrice, a.NewPrice)
	}
	if !a.OldPrice.Equal(decimal.NewFromInt(750)) || !a.NewPrice.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("episode = %s -> %s", a.OldPrice, a.NewPrice)
	}
}

func TestBatchIsOrderedPerProduct(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})
	process(t, p, obs("B01", "1000", t0))

	// delivered out of order: 500 observed after 750
	report := process(t, p,
		obs("B01", "500", t0.Add(2*time.Hour)),
		obs("B02", "300", t0.Add(time.Hour)),
		obs("B01", "750", t0.Add(time.Hour)),
	)
	if report.Products != 2 || report.Created != 1 || report.Refreshed != 1 || report.FirstSightings != 1 {
		t.Fatalf("report = %+v", report)
	}

	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 || !alerts[0].NewPrice.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("alerts = %+v", alerts)
	}
	b, _, _ := store.Baseline(context.Background(), "B01")
	if !b.Price.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("baseline = %s, want latest observation", b.Price)
	}
}

func TestStaleObservationIsNotEvaluated(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})
	process(t, p, obs("B01", "1000", t0))

	report := process(t, p, obs("B01", "100", t0.Add(-time.Hour)))
	if report.Stale != 1 || report.Created != 0 {
		t.Fatalf("report = %+v", report)
	}
	b, _, _ := store.Baseline(context.Background(), "B01")
	if !b.Price.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("stale observation moved baseline to %s", b.Price)
	}
}

func TestQuietHoursRecordButDoNotDeliver(t *testing.T) {
	store := newStore(t, false)
	pol := policy.Seed()
	pol.QuietHours = &policy.QuietHours{Start: policy.MustTimeOfDay("22:00"), End: policy.MustTimeOfDay("07:00")}
	if _, err := store.SavePolicy(context.Background(), pol); err != nil {
		t.Fatal(err)
	}

	n := &recordingNotifier{quietAt: time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)}
	p := newPipeline(store, n)
	process(t, p, obs("B01", "1000", t0))
	report := process(t, p, obs("B01", "600", t0.Add(time.Hour)))

	if report.Created != 1 || report.Suppressed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if n.sent() != 0 {
		t.Fatal("nothing should be delivered during quiet hours")
	}
	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 || alerts[0].Delivered() {
		t.Fatalf("alert should be stored undelivered: %+v", alerts)
	}
}

func TestMissingSettingsDisableAlerts(t *testing.T) {
	store := newStore(t, false)
	n := &recordingNotifier{}
	p := newPipeline(store, n)

	process(t, p, obs("B01", "1000", t0))
	report := process(t, p, obs("B01", "10", t0.Add(time.Hour)))
	if report.Created != 0 || n.sent() != 0 {
		t.Fatalf("alerts must be disabled without settings: %+v", report)
	}
	b, ok, _ := store.Baseline(context.Background(), "B01")
	if !ok || !b.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatal("baseline should still advance")
	}
}

func TestMalformedObservationsAreSkipped(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})

	report := process(t, p,
		storage.Observation{ProductID: "", Price: decimal.NewNullDecimal(decimal.NewFromInt(5)), ObservedAt: t0},
		storage.Observation{ProductID: "B02", ObservedAt: t0},
		obs("B03", "100", t0),
	)
	if report.Skipped != 2 || report.Products != 1 || len(report.Rejections) != 2 {
		t.Fatalf("report = %+v", report)
	}
}

type failingAlertStore struct {
	*storage.SQLiteStore
	failFor string
}

func (f failingAlertStore) UpsertOpenAlert(ctx context.Context, a storage.Alert, p policy.Policy) (storage.Alert, bool, error) {
	if a.ProductID == f.failFor {
		return storage.Alert{}, false, errors.New("disk full")
	}
	return f.SQLiteStore.UpsertOpenAlert(ctx, a, p)
}

func TestAlertPersistenceFailureKeepsBaseline(t *testing.T) {
	base := newStore(t, true)
	store := failingAlertStore{SQLiteStore: base, failFor: "B01"}
	p := newPipeline(store, &recordingNotifier{})

	process(t, p, obs("B01", "1000", t0), obs("B02", "1000", t0))
	report := process(t, p,
		obs("B01", "500", t0.Add(time.Hour)),
		obs("B01", "400", t0.Add(2*time.Hour)),
		obs("B02", "500", t0.Add(time.Hour)),
	)
	if report.Failed != 1 || report.Created != 1 {
		t.Fatalf("report = %+v", report)
	}

	b, _, _ := base.Baseline(context.Background(), "B01")
	if !b.Price.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("failed product baseline = %s, want unchanged 1000", b.Price)
	}
	b, _, _ = base.Baseline(context.Background(), "B02")
	if !b.Price.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("other product baseline = %s, want 500", b.Price)
	}
}

func TestNotifierPanicIsContained(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{panicFor: "B01"})

	process(t, p, obs("B01", "1000", t0), obs("B02", "1000", t0))
	report := process(t, p, obs("B01", "100", t0.Add(time.Hour)), obs("B02", "100", t0.Add(time.Hour)))
	if report.Failed != 1 || report.Created != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRedeliverRetriesUndelivered(t *testing.T) {
	store := newStore(t, true)
	n := &recordingNotifier{fail: true}
	p := newPipeline(store, n)

	process(t, p, obs("B01", "1000", t0))
	report := process(t, p, obs("B01", "700", t0.Add(time.Hour)))
	if report.DeliveryFailures != 1 {
		t.Fatalf("report = %+v", report)
	}

	n.fail = false
	sweep, err := p.Redeliver(context.Background(), 10)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if sweep.Attempted != 1 || sweep.Delivered != 1 {
		t.Fatalf("sweep = %+v", sweep)
	}
	if alerts := openAlerts(t, store, "B01"); !alerts[0].Delivered() {
		t.Fatal("alert should be marked delivered")
	}

	again, _ := p.Redeliver(context.Background(), 10)
	if again.Attempted != 0 {
		t.Fatalf("delivered alerts must not be retried: %+v", again)
	}
}

// blockingNotifier holds its first Notify call until release is closed and
// fails delivery for alerts at failAt.
type blockingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	failAt  decimal.Decimal
}

func (n *blockingNotifier) Notify(_ context.Context, alert storage.Alert, p policy.Policy) alerting.Report {
	n.once.Do(func() {
		close(n.entered)
		<-n.release
	})
	status := alerting.StatusSent
	if alert.NewPrice.Equal(n.failAt) {
		status = alerting.StatusFailed
	}
	var results []alerting.Result
	for _, ch := range p.EnabledChannels() {
		results = append(results, alerting.Result{Channel: ch, Status: status})
	}
	return alerting.Report{Results: results}
}

func (n *blockingNotifier) SendTest(ctx context.Context, p policy.Policy) alerting.Report {
	return n.Notify(ctx, storage.Alert{ProductID: alerting.TestProductID}, p)
}

func TestRedeliverDoesNotMarkConcurrentRefresh(t *testing.T) {
	store := newStore(t, true)
	setup := newPipeline(store, &recordingNotifier{fail: true})
	process(t, setup, obs("B01", "1000", t0))
	process(t, setup, obs("B01", "700", t0.Add(time.Hour)))

	n := &blockingNotifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		failAt:  decimal.NewFromInt(500),
	}
	p := New(store, n, lock.NewLocal(), Options{Workers: 2, OperationTimeout: 5 * time.Second}, zerolog.Nop())

	var wg sync.WaitGroup
	var sweep RedeliverReport
	var sweepErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep, sweepErr = p.Redeliver(context.Background(), 10)
	}()
	<-n.entered

	// refresh the same alert while the sweep is mid-delivery
	var refresh Report
	var refreshErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		refresh, refreshErr = p.ProcessBatch(context.Background(), batchOf(obs("B01", "500", t0.Add(2*time.Hour))))
	}()
	time.Sleep(50 * time.Millisecond)
	close(n.release)
	wg.Wait()

	if sweepErr != nil || refreshErr != nil {
		t.Fatalf("sweep err = %v, refresh err = %v", sweepErr, refreshErr)
	}
	if sweep.Delivered != 1 {
		t.Fatalf("sweep = %+v", sweep)
	}
	if refresh.Refreshed != 1 || refresh.DeliveryFailures == 0 {
		t.Fatalf("refresh = %+v", refresh)
	}

	alerts := openAlerts(t, store, "B01")
	if len(alerts) != 1 || !alerts[0].NewPrice.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("alerts = %+v", alerts)
	}
	if alerts[0].Delivered() {
		t.Fatalf("refreshed alert was never delivered but is marked %v", alerts[0].NotifiedChannels)
	}
}

func TestSendTestAlertPersistsNothing(t *testing.T) {
	store := newStore(t, true)
	n := &recordingNotifier{}
	p := newPipeline(store, n)

	report := p.SendTestAlert(context.Background())
	if len(report.Delivered()) != 1 {
		t.Fatalf("report = %+v", report)
	}
	all, _ := store.ListAlerts(context.Background(), storage.AlertFilter{})
	if len(all) != 0 {
		t.Fatalf("test alert was persisted: %+v", all)
	}
}

func TestCancelledBatchReportsInterruption(t *testing.T) {
	store := newStore(t, true)
	p := newPipeline(store, &recordingNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := p.ProcessBatch(ctx, batchOf(obs("B01", "100", t0)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.Products != 1 {
		t.Fatalf("report = %+v", report)
	}
}
