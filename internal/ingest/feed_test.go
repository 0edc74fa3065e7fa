package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/config"
)

func TestNewFeedRequiresURL(t *testing.T) {
	if _, err := NewFeed(config.FeedConfig{}, zerolog.Nop()); err == nil {
		t.Fatal("缺少 url 时应返回错误")
	}
}

func TestFeedFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail":"scraper offline"}`))
	}))
	defer srv.Close()

	f, err := NewFeed(config.FeedConfig{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scraper offline") {
		t.Fatalf("HTTP 502 应返回错误, got %v", err)
	}
}

func TestFeedFetchUsesETag(t *testing.T) {
	var auth, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ua = r.Header.Get("User-Agent")
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"asin":"B01","price":"₹1,299.00","scraped_at":"2024-05-01T10:00:00Z"},{"asin":"B02"}]`))
	}))
	defer srv.Close()

	f, err := NewFeed(config.FeedConfig{URL: srv.URL, BearerToken: "secret", UserAgent: "test"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	batch, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("首次拉取失败: %v", err)
	}
	if batch.Received != 2 || len(batch.Observations) != 1 || len(batch.Rejections) != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if auth != "Bearer secret" || ua != "test" {
		t.Fatalf("headers: auth=%q ua=%q", auth, ua)
	}

	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrFeedUnchanged) {
		t.Fatalf("second fetch err = %v, want ErrFeedUnchanged", err)
	}

	calls := 0
	if err := f.Poll(context.Background(), func(context.Context, Batch) error { calls++; return nil }); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if calls != 0 {
		t.Fatal("unchanged feed must not be handed to the pipeline")
	}
}
