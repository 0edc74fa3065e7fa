package storage

import (
	"context"
	"errors"
	"time"

	"pricewatch/internal/policy"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrAlertNotFound is returned for unknown alert ids.
	ErrAlertNotFound = errors.New("storage: alert not found")
	// ErrPolicyNotFound is returned when no policy document has been saved yet.
	ErrPolicyNotFound = errors.New("storage: alert policy not found")

	errUpsertRace = errors.New("storage: concurrent open alert insert")
)

const settingsDocumentID = "global"

// SettingsStore owns the singleton alert policy. Writes fully replace the
// stored document (last writer wins).
type SettingsStore interface {
	LoadPolicy(ctx context.Context) (policy.Policy, error)
	SavePolicy(ctx context.Context, p policy.Policy) (policy.Policy, error)
}

// ObservationStore keeps price history and the per-product baseline.
type ObservationStore interface {
	// Baseline returns the current stored price; ok is false for a product never seen.
	Baseline(ctx context.Context, productID string) (Baseline, bool, error)
	// RecordObservation appends to history and advances the baseline unless the
	// observation is older than the stored one, in which case advanced is false.
	RecordObservation(ctx context.Context, obs Observation) (advanced bool, err error)
	ListPriceHistory(ctx context.Context, productID string, from, to time.Time, limit int) ([]Observation, error)
}

// AlertStore owns alert records and their acknowledgement state.
type AlertStore interface {
	// UpsertOpenAlert creates an open alert for the product, or refreshes the
	// existing open one against p's thresholds. It is atomic per product id.
	UpsertOpenAlert(ctx context.Context, candidate Alert, p policy.Policy) (alert Alert, created bool, err error)
	// AcknowledgeAlert moves an alert to acknowledged; repeating it is a no-op.
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) (Alert, error)
	GetAlert(ctx context.Context, id string) (Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	MarkNotified(ctx context.Context, id string, channels []string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete storage implementation.
type Backend interface {
	SettingsStore
	ObservationStore
	AlertStore
	Migrate(ctx context.Context) error
	Close()
}
