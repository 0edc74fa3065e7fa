package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/policy"
)

const (
	loadPolicySQL = `SELECT
        enabled,
        threshold_percent::text,
        threshold_absolute::text,
        min_price_for_alert::text,
        notify_channels,
        quiet_start,
        quiet_end,
        updated_at
    FROM alert_settings
    WHERE id = $1;`

	savePolicySQL = `INSERT INTO alert_settings (
        id,
        enabled,
        threshold_percent,
        threshold_absolute,
        min_price_for_alert,
        notify_channels,
        quiet_start,
        quiet_end,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO UPDATE
    SET
        enabled             = EXCLUDED.enabled,
        threshold_percent   = EXCLUDED.threshold_percent,
        threshold_absolute  = EXCLUDED.threshold_absolute,
        min_price_for_alert = EXCLUDED.min_price_for_alert,
        notify_channels     = EXCLUDED.notify_channels,
        quiet_start         = EXCLUDED.quiet_start,
        quiet_end           = EXCLUDED.quiet_end,
        updated_at          = EXCLUDED.updated_at;`

	selectBaselineSQL = `SELECT product_id, title, price::text, observed_at
    FROM products
    WHERE product_id = $1;`

	insertHistorySQL = `INSERT INTO price_history (
        product_id,
        price,
        original_price,
        discount_percent,
        rating,
        review_count,
        availability,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (product_id, observed_at) DO NOTHING;`

	upsertProductSQL = `INSERT INTO products (
        product_id,
        title,
        category,
        url,
        availability,
        price,
        original_price,
        observed_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,NOW()
    )
    ON CONFLICT (product_id) DO UPDATE
    SET
        title          = COALESCE(NULLIF(EXCLUDED.title, ''), products.title),
        category       = COALESCE(NULLIF(EXCLUDED.category, ''), products.category),
        url            = COALESCE(NULLIF(EXCLUDED.url, ''), products.url),
        availability   = EXCLUDED.availability,
        price          = EXCLUDED.price,
        original_price = EXCLUDED.original_price,
        observed_at    = EXCLUDED.observed_at,
        updated_at     = NOW()
    WHERE products.observed_at <= EXCLUDED.observed_at;`

	listHistorySQL = `SELECT
        product_id,
        price::text,
        original_price::text,
        discount_percent::text,
        rating::text,
        review_count,
        availability,
        observed_at
    FROM price_history
    WHERE product_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at
    LIMIT $4;`

	alertColumns = `id,
        product_id,
        title,
        url,
        old_price::text,
        new_price::text,
        percent_change::text,
        absolute_change::text,
        trigger_reason,
        status,
        triggered_at,
        acknowledged_at,
        notified_channels,
        created_at`

	selectOpenAlertForUpdateSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE product_id = $1 AND status = 'open'
    FOR UPDATE;`

	selectAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        product_id,
        title,
        url,
        old_price,
        new_price,
        percent_change,
        absolute_change,
        trigger_reason,
        status,
        triggered_at,
        notified_channels,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,'open',$10,'{}',$11
    )
    ON CONFLICT (product_id) WHERE status = 'open' DO NOTHING;`

	refreshAlertSQL = `UPDATE alerts
    SET
        title             = $2,
        url               = $3,
        old_price         = $4,
        new_price         = $5,
        percent_change    = $6,
        absolute_change   = $7,
        trigger_reason    = $8,
        triggered_at      = $9,
        notified_channels = '{}'
    WHERE id = $1;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET status = 'acknowledged', acknowledged_at = $2
    WHERE id = $1 AND status = 'open';`

	markNotifiedSQL = `UPDATE alerts
    SET notified_channels = $2
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ Backend = (*Store)(nil)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the lock dies with the session if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadPolicy reads the settings document.
func (s *Store) LoadPolicy(ctx context.Context) (policy.Policy, error) {
	pool, err := s.getPool()
	if err != nil {
		return policy.Policy{}, err
	}

	var row policyRow
	var updatedAt time.Time
	scanErr := pool.QueryRow(ctx, loadPolicySQL, settingsDocumentID).Scan(
		&row.enabled,
		&row.thresholdPercent,
		&row.thresholdAbsolute,
		&row.minPrice,
		&row.channels,
		&row.quietStart,
		&row.quietEnd,
		&updatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return policy.Policy{}, ErrPolicyNotFound
	}
	if scanErr != nil {
		return policy.Policy{}, fmt.Errorf("load policy: %w", scanErr)
	}

	p, err := row.decode()
	if err != nil {
		return policy.Policy{}, err
	}
	p.UpdatedAt = updatedAt
	return p, nil
}

// SavePolicy replaces the settings document.
func (s *Store) SavePolicy(ctx context.Context, p policy.Policy) (policy.Policy, error) {
	pool, err := s.getPool()
	if err != nil {
		return policy.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, err
	}
	row, err := encodePolicy(p)
	if err != nil {
		return policy.Policy{}, err
	}

	saved := p.Clone()
	saved.UpdatedAt = time.Now().UTC()
	if _, err := pool.Exec(ctx, savePolicySQL,
		settingsDocumentID,
		row.enabled,
		row.thresholdPercent,
		row.thresholdAbsolute,
		row.minPrice,
		row.channels,
		row.quietStart,
		row.quietEnd,
		saved.UpdatedAt,
	); err != nil {
		return policy.Policy{}, fmt.Errorf("save policy: %w", err)
	}
	return saved, nil
}

// Baseline returns the stored price for productID.
func (s *Store) Baseline(ctx context.Context, productID string) (Baseline, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Baseline{}, false, err
	}

	var b Baseline
	var priceStr string
	scanErr := pool.QueryRow(ctx, selectBaselineSQL, productID).Scan(&b.ProductID, &b.Title, &priceStr, &b.ObservedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Baseline{}, false, nil
	}
	if scanErr != nil {
		return Baseline{}, false, fmt.Errorf("load baseline %s: %w", productID, scanErr)
	}
	if b.Price, err = parseDecimal("price", priceStr); err != nil {
		return Baseline{}, false, err
	}
	return b, true, nil
}

// RecordObservation appends obs to the price history and advances the
// product baseline when obs is not older than it.
func (s *Store) RecordObservation(ctx context.Context, obs Observation) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if !obs.Price.Valid {
		return false, fmt.Errorf("record observation %s: price is required", obs.ProductID)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin observation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertHistorySQL,
		obs.ProductID,
		obs.Price.Decimal.String(),
		nullDecimalArg(obs.OriginalPrice),
		nullDecimalArg(obs.DiscountPercent),
		nullDecimalArg(obs.Rating),
		obs.ReviewCount,
		obs.Availability,
		obs.ObservedAt,
	); err != nil {
		return false, fmt.Errorf("insert price history: %w", err)
	}

	tag, err := tx.Exec(ctx, upsertProductSQL,
		obs.ProductID,
		obs.Title,
		obs.Category,
		obs.URL,
		obs.Availability,
		obs.Price.Decimal.String(),
		nullDecimalArg(obs.OriginalPrice),
		obs.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert product: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit observation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPriceHistory lists observations for productID within [from, to).
func (s *Store) ListPriceHistory(ctx context.Context, productID string, from, to time.Time, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxHistoryLimit
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, productID, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]Observation, 0)
	for rows.Next() {
		var obs Observation
		var priceStr string
		var original, discount, rating sql.NullString
		if err := rows.Scan(
			&obs.ProductID,
			&priceStr,
			&original,
			&discount,
			&rating,
			&obs.ReviewCount,
			&obs.Availability,
			&obs.ObservedAt,
		); err != nil {
			return nil, err
		}
		if err := fillHistory(&obs, priceStr, original, discount, rating); err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertOpenAlert inserts a new open alert or refreshes the product's existing one.
// A lost insert race against a concurrent writer is retried once as a refresh.
func (s *Store) UpsertOpenAlert(ctx context.Context, candidate Alert, p policy.Policy) (Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, false, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		alert, created, err := s.upsertOpenAlertOnce(ctx, pool, candidate, p)
		if errors.Is(err, errUpsertRace) {
			continue
		}
		return alert, created, err
	}
	return Alert{}, false, fmt.Errorf("upsert open alert %s: %w", candidate.ProductID, errUpsertRace)
}

func (s *Store) upsertOpenAlertOnce(ctx context.Context, pool *pgxpool.Pool, candidate Alert, p policy.Policy) (Alert, bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Alert{}, false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, scanErr := scanAlert(tx.QueryRow(ctx, selectOpenAlertForUpdateSQL, candidate.ProductID))
	switch {
	case errors.Is(scanErr, pgx.ErrNoRows):
		alert := newOpenAlert(candidate)
		tag, err := tx.Exec(ctx, insertAlertSQL,
			alert.ID,
			alert.ProductID,
			alert.Title,
			alert.URL,
			alert.OldPrice.String(),
			alert.NewPrice.String(),
			alert.PercentChange.String(),
			alert.AbsoluteChange.String(),
			string(alert.TriggerReason),
			alert.TriggeredAt,
			alert.CreatedAt,
		)
		if err != nil {
			return Alert{}, false, fmt.Errorf("insert alert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Alert{}, false, errUpsertRace
		}
		if err := tx.Commit(ctx); err != nil {
			return Alert{}, false, fmt.Errorf("commit alert: %w", err)
		}
		return alert, true, nil
	case scanErr != nil:
		return Alert{}, false, fmt.Errorf("select open alert: %w", scanErr)
	}

	refreshed := refreshOpenAlert(existing, candidate, p)
	if _, err := tx.Exec(ctx, refreshAlertSQL,
		refreshed.ID,
		refreshed.Title,
		refreshed.URL,
		refreshed.OldPrice.String(),
		refreshed.NewPrice.String(),
		refreshed.PercentChange.String(),
		refreshed.AbsoluteChange.String(),
		string(refreshed.TriggerReason),
		refreshed.TriggeredAt,
	); err != nil {
		return Alert{}, false, fmt.Errorf("refresh alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, false, fmt.Errorf("commit alert refresh: %w", err)
	}
	return refreshed, false, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps the
// first acknowledgement time.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	if _, err := pool.Exec(ctx, acknowledgeAlertSQL, id, at); err != nil {
		return Alert{}, fmt.Errorf("acknowledge alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, scanErr := scanAlert(pool.QueryRow(ctx, selectAlertSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Alert{}, ErrAlertNotFound
	}
	if scanErr != nil {
		return Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// ListAlerts lists alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if filter.Undelivered {
		where = append(where, "cardinality(notified_channels) = 0")
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), filter.offset())
	query += fmt.Sprintf(" ORDER BY triggered_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// MarkNotified records channels that accepted the alert.
func (s *Store) MarkNotified(ctx context.Context, id string, channels []string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin notified tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current []string
	scanErr := tx.QueryRow(ctx, `SELECT notified_channels FROM alerts WHERE id = $1 FOR UPDATE;`, id).Scan(&current)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ErrAlertNotFound
	}
	if scanErr != nil {
		return fmt.Errorf("load notified channels: %w", scanErr)
	}
	if _, err := tx.Exec(ctx, markNotifiedSQL, id, mergeChannels(current, channels)); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (Alert, error) {
	var a Alert
	var r alertRow
	var status string
	if err := row.Scan(
		&a.ID,
		&a.ProductID,
		&a.Title,
		&a.URL,
		&r.oldPrice,
		&r.newPrice,
		&r.percent,
		&r.absolute,
		&r.reason,
		&status,
		&a.TriggeredAt,
		&a.AcknowledgedAt,
		&a.NotifiedChannels,
		&a.CreatedAt,
	); err != nil {
		return Alert{}, err
	}
	a.Status = AlertStatus(status)
	if err := r.apply(&a); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func newOpenAlert(candidate Alert) Alert {
	alert := candidate
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.Status = StatusOpen
	alert.AcknowledgedAt = nil
	alert.NotifiedChannels = []string{}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	return alert
}

func fillHistory(obs *Observation, priceStr string, original, discount, rating sql.NullString) error {
	price, err := parseDecimal("price", priceStr)
	if err != nil {
		return err
	}
	obs.Price.Decimal, obs.Price.Valid = price, true
	if obs.OriginalPrice, err = parseNullDecimal("original_price", original); err != nil {
		return err
	}
	if obs.DiscountPercent, err = parseNullDecimal("discount_percent", discount); err != nil {
		return err
	}
	if obs.Rating, err = parseNullDecimal("rating", rating); err != nil {
		return err
	}
	return nil
}
