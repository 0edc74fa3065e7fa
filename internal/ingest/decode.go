// Package ingest turns scraper output into validated observations.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// Rejection describes one record dropped from a batch.
type Rejection struct {
	Index     int    `json:"index"`
	ProductID string `json:"product_id,omitempty"`
	Reason    string `json:"reason"`
}

// Batch is the decoded form of one scraper delivery.
type Batch struct {
	Received     int                   `json:"received"`
	Observations []storage.Observation `json:"-"`
	Rejections   []Rejection           `json:"rejections,omitempty"`
	ReceivedAt   time.Time             `json:"received_at"`
}

// ErrEmptyBatch is returned when the payload holds no records at all.
var ErrEmptyBatch = errors.New("ingest: no observations provided")

// record mirrors the scraper's JSON. Numeric fields stay raw so numbers,
// numeric strings and currency strings are all accepted.
type record struct {
	ASIN            string          `json:"asin"`
	ProductID       string          `json:"product_id"`
	Title           string          `json:"title"`
	Category        string          `json:"category"`
	URL             string          `json:"url"`
	Availability    string          `json:"availability"`
	Price           json.RawMessage `json:"price"`
	OriginalPrice   json.RawMessage `json:"original_price"`
	DiscountPercent json.RawMessage `json:"discount_percent"`
	Rating          json.RawMessage `json:"rating"`
	ReviewsCount    json.RawMessage `json:"reviews_count"`
	ScrapedAt       string          `json:"scraped_at"`
	ObservedAt      string          `json:"observed_at"`
}

type envelope struct {
	Observations []json.RawMessage `json:"observations"`
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
}

// Decode reads an array of observations, an {"observations": [...]} envelope
// or a single observation object. Records with no product id or no usable
// price are rejected individually; observations without a timestamp are
// stamped with now.
func Decode(r io.Reader, now time.Time) (Batch, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, fmt.Errorf("read observations: %w", err)
	}
	items, err := splitPayload(body)
	if err != nil {
		return Batch{}, err
	}
	if len(items) == 0 {
		return Batch{}, ErrEmptyBatch
	}

	batch := Batch{
		Received:     len(items),
		Observations: make([]storage.Observation, 0, len(items)),
		ReceivedAt:   now.UTC(),
	}
	for i, raw := range items {
		obs, err := decodeRecord(raw, now)
		if err != nil {
			batch.Rejections = append(batch.Rejections, Rejection{Index: i, ProductID: obs.ProductID, Reason: err.Error()})
			continue
		}
		batch.Observations = append(batch.Observations, obs)
	}
	return batch, nil
}

func splitPayload(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyBatch
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("invalid observation array: %w", err)
		}
		return items, nil
	case '{':
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(body, &keys); err != nil {
			return nil, fmt.Errorf("invalid observation object: %w", err)
		}
		if _, ok := keys["observations"]; ok {
			var env envelope
			if err := json.Unmarshal(body, &env); err != nil {
				return nil, fmt.Errorf("invalid observations envelope: %w", err)
			}
			return env.Observations, nil
		}
		return []json.RawMessage{body}, nil
	default:
		return nil, fmt.Errorf("invalid JSON format: expected observation object or array of observations")
	}
}

func decodeRecord(raw json.RawMessage, now time.Time) (storage.Observation, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return storage.Observation{}, fmt.Errorf("invalid record: %w", err)
	}

	obs := storage.Observation{
		ProductID:    strings.TrimSpace(firstNonEmpty(rec.ProductID, rec.ASIN)),
		Title:        strings.TrimSpace(rec.Title),
		Category:     strings.TrimSpace(rec.Category),
		URL:          strings.TrimSpace(rec.URL),
		Availability: strings.TrimSpace(rec.Availability),
	}
	if obs.ProductID == "" {
		return obs, errors.New("missing product_id")
	}

	obs.Price = parseNumber(rec.Price)
	if !obs.Price.Valid || !obs.Price.Decimal.IsPositive() {
		return obs, errors.New("missing or non-positive price")
	}
	obs.OriginalPrice = parseNumber(rec.OriginalPrice)
	obs.DiscountPercent = parseNumber(rec.DiscountPercent)
	obs.Rating = parseNumber(rec.Rating)
	if reviews := parseNumber(rec.ReviewsCount); reviews.Valid {
		n := reviews.Decimal.IntPart()
		obs.ReviewCount = &n
	}
	if !obs.DiscountPercent.Valid {
		obs.DiscountPercent = deriveDiscount(obs.Price.Decimal, obs.OriginalPrice)
	}

	stamp := firstNonEmpty(rec.ObservedAt, rec.ScrapedAt)
	if stamp == "" {
		obs.ObservedAt = now.UTC()
		return obs, nil
	}
	at, err := parseTime(stamp)
	if err != nil {
		return obs, err
	}
	obs.ObservedAt = at
	return obs, nil
}

// parseNumber accepts JSON numbers and strings such as "₹1,299.00" or
// "4.3 out of 5 stars". A leading minus is kept. Anything unparseable
// becomes null.
func parseNumber(raw json.RawMessage) decimal.NullDecimal {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.NullDecimal{}
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.NullDecimal{}
		}
		s = strings.ReplaceAll(s, ",", "")
		loc := numberPattern.FindStringIndex(s)
		if loc == nil {
			return decimal.NullDecimal{}
		}
		text = s[loc[0]:loc[1]]
		if negativePrefix(s[:loc[0]]) {
			text = "-" + text
		}
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// negativePrefix reports whether the text before a number ends in a minus
// sign, allowing currency symbols and spaces in between ("-₹500", "₹ -500").
func negativePrefix(prefix string) bool {
	prefix = strings.TrimRightFunc(prefix, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.Is(unicode.Sc, r)
	})
	return strings.HasSuffix(prefix, "-") || strings.HasSuffix(prefix, "\u2212")
}

var hundred = decimal.NewFromInt(100)

func deriveDiscount(price decimal.Decimal, original decimal.NullDecimal) decimal.NullDecimal {
	if !original.Valid || !original.Decimal.GreaterThan(price) {
		return decimal.NullDecimal{}
	}
	pct := original.Decimal.Sub(price).Div(original.Decimal).Mul(hundred).Round(2)
	return decimal.NewNullDecimal(pct)
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid observed_at %q", v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
