//go:build integration

package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/config"
	"pricewatch/internal/policy"
	"pricewatch/internal/rules"
)

// Run with: PRICEWATCH_TEST_PG_DSN=postgres://... go test -tags integration ./internal/storage/

func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PRICEWATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("PRICEWATCH_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.StorageConfig{DSN: dsn, MaxOpenConns: 16})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	s := NewStore(pool)
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// testProduct returns a product id unique to this run and removes its rows afterwards.
func testProduct(t *testing.T, s *Store) string {
	t.Helper()
	id := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM alerts WHERE product_id = $1`, id)
	})
	return id
}

func TestPostgresConcurrentUpsertKeepsOneOpenAlert(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	product := testProduct(t, s)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	const writers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, isNew, err := s.UpsertOpenAlert(ctx, candidate(product, "1000", "700", t0.Add(time.Duration(i)*time.Second)), policy.Seed())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if isNew {
				created++
			}
			ids[a.ID] = true
		}(i)
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("upsert errors: %v", errs)
	}
	if created != 1 || len(ids) != 1 {
		t.Fatalf("created = %d, distinct ids = %d, want 1 and 1", created, len(ids))
	}
	open, err := s.ListAlerts(ctx, AlertFilter{Status: StatusOpen, ProductID: product})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want 1", len(open))
	}
}

func TestPostgresRefreshAndAcknowledge(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	product := testProduct(t, s)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, created, err := s.UpsertOpenAlert(ctx, candidate(product, "1000", "750", t0), policy.Seed())
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if err := s.MarkNotified(ctx, first.ID, []string{"slack"}); err != nil {
		t.Fatal(err)
	}

	back, created, err := s.UpsertOpenAlert(ctx, candidate(product, "750", "1000", t0.Add(time.Hour)), policy.Seed())
	if err != nil || created || back.ID != first.ID {
		t.Fatalf("refresh: created=%v id=%s err=%v", created, back.ID, err)
	}
	stored, err := s.GetAlert(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.OldPrice.Equal(dec("750")) || !stored.NewPrice.Equal(dec("1000")) || stored.TriggerReason != rules.ReasonPercent {
		t.Fatalf("stored = %s -> %s (%s)", stored.OldPrice, stored.NewPrice, stored.TriggerReason)
	}
	if stored.Delivered() {
		t.Fatalf("refresh should clear notified channels: %v", stored.NotifiedChannels)
	}

	acked, err := s.AcknowledgeAlert(ctx, first.ID, t0.Add(2*time.Hour))
	if err != nil || acked.Status != StatusAcknowledged {
		t.Fatalf("ack: %+v %v", acked, err)
	}
	next, created, err := s.UpsertOpenAlert(ctx, candidate(product, "1000", "600", t0.Add(3*time.Hour)), policy.Seed())
	if err != nil || !created || next.ID == first.ID {
		t.Fatalf("after ack: created=%v err=%v", created, err)
	}
}
