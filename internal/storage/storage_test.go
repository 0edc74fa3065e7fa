package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func obsAt(id, price string, at time.Time) Observation {
	return Observation{
		ProductID:  id,
		Title:      "Widget " + id,
		Price:      decimal.NewNullDecimal(dec(price)),
		ObservedAt: at,
	}
}

func candidate(id, oldPrice, newPrice string, at time.Time) Alert {
	abs, pct := rules.Change(dec(oldPrice), dec(newPrice))
	return Alert{
		ProductID:      id,
		Title:          "Widget " + id,
		OldPrice:       dec(oldPrice),
		NewPrice:       dec(newPrice),
		AbsoluteChange: abs,
		PercentChange:  rules.RoundPercent(pct),
		TriggerReason:  rules.ReasonPercent,
		TriggeredAt:    at,
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LoadPolicy(ctx); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("empty store: err = %v, want ErrPolicyNotFound", err)
	}

	p := policy.Seed()
	p.QuietHours = &policy.QuietHours{Start: policy.MustTimeOfDay("22:00"), End: policy.MustTimeOfDay("07:00")}
	if _, err := s.SavePolicy(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadPolicy(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Enabled || !got.ThresholdAbsolute.Equal(dec("500")) || !got.ChannelEnabled(policy.ChannelSlack) {
		t.Fatalf("loaded policy mismatch: %+v", got)
	}
	if got.QuietHours == nil || got.QuietHours.End.String() != "07:00" {
		t.Fatalf("quiet hours lost: %+v", got.QuietHours)
	}

	// last writer wins
	p.Enabled = false
	p.QuietHours = nil
	if _, err := s.SavePolicy(ctx, p); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _ = s.LoadPolicy(ctx)
	if got.Enabled || got.QuietHours != nil {
		t.Fatalf("second write not visible: %+v", got)
	}
}

func TestSavePolicyRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	p := policy.Seed()
	p.MinPriceForAlert = dec("-1")
	if _, err := s.SavePolicy(context.Background(), p); err == nil {
		t.Fatal("invalid policy should not be stored")
	}
}

func TestRecordObservationAdvancesBaseline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if _, ok, err := s.Baseline(ctx, "B01"); err != nil || ok {
		t.Fatalf("unseen product: ok=%v err=%v", ok, err)
	}

	if advanced, err := s.RecordObservation(ctx, obsAt("B01", "1000", t0)); err != nil || !advanced {
		t.Fatalf("first record: advanced=%v err=%v", advanced, err)
	}
	if advanced, err := s.RecordObservation(ctx, obsAt("B01", "750", t0.Add(time.Hour))); err != nil || !advanced {
		t.Fatalf("newer record: advanced=%v err=%v", advanced, err)
	}

	// older observation is kept in history but does not move the baseline
	advanced, err := s.RecordObservation(ctx, obsAt("B01", "1200", t0.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("stale record: %v", err)
	}
	if advanced {
		t.Fatal("stale observation must not advance the baseline")
	}

	b, ok, err := s.Baseline(ctx, "B01")
	if err != nil || !ok {
		t.Fatalf("baseline: ok=%v err=%v", ok, err)
	}
	if !b.Price.Equal(dec("750")) || !b.ObservedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("baseline = %s @ %s", b.Price, b.ObservedAt)
	}

	history, err := s.ListPriceHistory(ctx, "B01", t0.Add(-2*time.Hour), t0.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || !history[0].Price.Decimal.Equal(dec("1200")) {
		t.Fatalf("history = %+v", history)
	}
}

func TestUpsertOpenAlertDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, created, err := s.UpsertOpenAlert(ctx, candidate("B01", "1000", "750", t0), policy.Seed())
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if first.Status != StatusOpen || first.ID == "" {
		t.Fatalf("new alert = %+v", first)
	}
	if err := s.MarkNotified(ctx, first.ID, []string{"slack"}); err != nil {
		t.Fatalf("mark notified: %v", err)
	}

	second, created, err := s.UpsertOpenAlert(ctx, candidate("B01", "750", "500", t0.Add(time.Hour)), policy.Seed())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if created {
		t.Fatal("second qualifying change must refresh, not create")
	}
	if second.ID != first.ID {
		t.Fatalf("refresh changed id: %s -> %s", first.ID, second.ID)
	}
	if !second.OldPrice.Equal(dec("1000")) || !second.NewPrice.Equal(dec("500")) {
		t.Fatalf("prices = %s -> %s", second.OldPrice, second.NewPrice)
	}
	if !second.PercentChange.Equal(dec("-50")) || !second.AbsoluteChange.Equal(dec("-500")) {
		t.Fatalf("changes = %s%% / %s", second.PercentChange, second.AbsoluteChange)
	}
	if second.TriggerReason != rules.ReasonBoth {
		t.Fatalf("reason = %q, want both thresholds against the episode start", second.TriggerReason)
	}
	if !second.TriggeredAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("triggered_at = %s", second.TriggeredAt)
	}

	stored, err := s.GetAlert(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Delivered() {
		t.Fatalf("refresh should clear notified channels: %v", stored.NotifiedChannels)
	}

	open, err := s.ListAlerts(ctx, AlertFilter{Status: StatusOpen, ProductID: "B01"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts for B01 = %d, want 1", len(open))
	}
}

func TestRefreshAfterPriceReturnsToEpisodeStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, _, err := s.UpsertOpenAlert(ctx, candidate("B01", "1000", "750", t0), policy.Seed())
	if err != nil {
		t.Fatal(err)
	}

	// 750 -> 1000 qualifies on its own but nets to zero against 1000.
	back, created, err := s.UpsertOpenAlert(ctx, candidate("B01", "750", "1000", t0.Add(time.Hour)), policy.Seed())
	if err != nil || created {
		t.Fatalf("refresh: created=%v err=%v", created, err)
	}
	if back.ID != first.ID {
		t.Fatalf("refresh changed id: %s -> %s", first.ID, back.ID)
	}

	stored, err := s.GetAlert(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []Alert{back, stored} {
		if !a.OldPrice.Equal(dec("750")) || !a.NewPrice.Equal(dec("1000")) {
			t.Fatalf("prices = %s -> %s, want 750 -> 1000", a.OldPrice, a.NewPrice)
		}
		if !a.PercentChange.Equal(dec("33.3333")) || !a.AbsoluteChange.Equal(dec("250")) {
			t.Fatalf("changes = %s%% / %s", a.PercentChange, a.AbsoluteChange)
		}
		if a.TriggerReason != rules.ReasonPercent {
			t.Fatalf("reason = %q", a.TriggerReason)
		}
		abs, pct := rules.Change(a.OldPrice, a.NewPrice)
		if rules.Classify(abs, pct, policy.Seed()) != a.TriggerReason {
			t.Fatalf("stored reason %q does not match stored change %s%% / %s", a.TriggerReason, a.PercentChange, a.AbsoluteChange)
		}
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.AcknowledgeAlert(ctx, "missing", t0); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("unknown id: err = %v", err)
	}

	alert, _, err := s.UpsertOpenAlert(ctx, candidate("B01", "1000", "750", t0), policy.Seed())
	if err != nil {
		t.Fatal(err)
	}

	acked, err := s.AcknowledgeAlert(ctx, alert.ID, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked.Status != StatusAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("ack result = %+v", acked)
	}

	again, err := s.AcknowledgeAlert(ctx, alert.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if !again.AcknowledgedAt.Equal(*acked.AcknowledgedAt) {
		t.Fatalf("second ack moved acknowledged_at: %s -> %s", acked.AcknowledgedAt, again.AcknowledgedAt)
	}

	next, created, err := s.UpsertOpenAlert(ctx, candidate("B01", "750", "400", t0.Add(2*time.Hour)), policy.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if !created || next.ID == alert.ID {
		t.Fatal("change after acknowledgement should open a new alert")
	}
}

func TestListAlertsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a, _, _ := s.UpsertOpenAlert(ctx, candidate("A", "1000", "700", t0), policy.Seed())
	b, _, _ := s.UpsertOpenAlert(ctx, candidate("B", "1000", "1300", t0.Add(time.Minute)), policy.Seed())
	if err := s.MarkNotified(ctx, a.ID, []string{"slack", "email"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNotified(ctx, a.ID, []string{"slack"}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAlerts(ctx, AlertFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}

	undelivered, err := s.ListAlerts(ctx, AlertFilter{Undelivered: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(undelivered) != 1 || undelivered[0].ID != b.ID {
		t.Fatalf("undelivered = %+v", undelivered)
	}

	got, _ := s.GetAlert(ctx, a.ID)
	if len(got.NotifiedChannels) != 2 || got.NotifiedChannels[0] != "email" {
		t.Fatalf("notified channels = %v", got.NotifiedChannels)
	}

	if err := s.MarkNotified(ctx, "missing", []string{"slack"}); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("mark unknown: err = %v", err)
	}
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.LoadPolicy(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil postgres store: err = %v", err)
	}
	var lite *SQLiteStore
	if _, _, err := lite.Baseline(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil sqlite store: err = %v", err)
	}
}

func TestAlertFilterBounds(t *testing.T) {
	if got := (AlertFilter{}).limit(); got != defaultListLimit {
		t.Fatalf("default limit = %d", got)
	}
	if got := (AlertFilter{Limit: 10000}).limit(); got != maxListLimit {
		t.Fatalf("capped limit = %d", got)
	}
	if got := (AlertFilter{Offset: -3}).offset(); got != 0 {
		t.Fatalf("negative offset = %d", got)
	}
}
