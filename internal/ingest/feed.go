package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/config"
)

// ErrFeedUnchanged is returned when the feed answers 304 Not Modified.
var ErrFeedUnchanged = errors.New("ingest: feed unchanged since last poll")

const maxFeedBytes = 32 << 20

// Feed pulls observation batches from a scraper's JSON export over HTTP.
type Feed struct {
	url       string
	token     string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	etag string
}

// NewFeed constructs a feed poller.
func NewFeed(cfg config.FeedConfig, logger zerolog.Logger) (*Feed, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("feed url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "pricewatch/1.0"
	}

	return &Feed{
		url:       url,
		token:     cfg.BearerToken,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "feed").Logger(),
		now:       time.Now,
	}, nil
}

// Fetch downloads and decodes the current export. Conditional requests use
// the last ETag; an unchanged export yields ErrFeedUnchanged.
func (f *Feed) Fetch(ctx context.Context) (Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Batch{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	f.mu.Lock()
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return Batch{}, ErrFeedUnchanged
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return Batch{}, fmt.Errorf("read feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Batch{}, parseHTTPError(resp.StatusCode, payload)
	}
	if len(payload) > maxFeedBytes {
		return Batch{}, fmt.Errorf("feed payload exceeds %d bytes", maxFeedBytes)
	}

	batch, err := Decode(bytes.NewReader(payload), f.now())
	if err != nil {
		return Batch{}, err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		f.mu.Lock()
		f.etag = etag
		f.mu.Unlock()
	}
	f.logger.Debug().
		Int("received", batch.Received).
		Int("rejected", len(batch.Rejections)).
		Msg("feed fetched")
	return batch, nil
}

// Poll fetches once and hands a changed batch to handle.
func (f *Feed) Poll(ctx context.Context, handle BatchHandler) error {
	batch, err := f.Fetch(ctx)
	switch {
	case errors.Is(err, ErrFeedUnchanged):
		f.logger.Debug().Msg("feed unchanged, nothing to process")
		return nil
	case err != nil:
		return err
	}
	return handle(ctx, batch)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Detail, apiErr.Message, apiErr.Error} {
			if msg != "" {
				return fmt.Errorf("feed error (%d): %s", status, msg)
			}
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("feed error (%d): %s", status, body)
	}
	return fmt.Errorf("feed error (%d)", status)
}
