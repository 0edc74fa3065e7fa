package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pricewatch/internal/policy"
)

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"

// SQLiteStore is the single-node backend. One connection serialises all
// writers, which also makes alert upserts atomic per product.
type SQLiteStore struct {
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database file at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + sqlitePragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &SQLiteStore{db: db}, nil
}

// OpenMemory returns a migrated in-memory store.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(v int64) time.Time { return time.Unix(0, v).UTC() }

func joinChannels(chs []string) string { return strings.Join(chs, ",") }

func splitChannels(v string) []string {
	if v == "" {
		return []string{}
	}
	return strings.Split(v, ",")
}

// LoadPolicy reads the settings document.
func (s *SQLiteStore) LoadPolicy(ctx context.Context) (policy.Policy, error) {
	db, err := s.getDB()
	if err != nil {
		return policy.Policy{}, err
	}

	var row policyRow
	var updatedAt int64
	scanErr := db.QueryRowContext(ctx, `SELECT enabled, threshold_percent, threshold_absolute,
        min_price_for_alert, notify_channels, quiet_start, quiet_end, updated_at
        FROM alert_settings WHERE id = ?`, settingsDocumentID).Scan(
		&row.enabled,
		&row.thresholdPercent,
		&row.thresholdAbsolute,
		&row.minPrice,
		&row.channels,
		&row.quietStart,
		&row.quietEnd,
		&updatedAt,
	)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return policy.Policy{}, ErrPolicyNotFound
	}
	if scanErr != nil {
		return policy.Policy{}, fmt.Errorf("load policy: %w", scanErr)
	}

	p, err := row.decode()
	if err != nil {
		return policy.Policy{}, err
	}
	p.UpdatedAt = fromUnix(updatedAt)
	return p, nil
}

// SavePolicy replaces the settings document.
func (s *SQLiteStore) SavePolicy(ctx context.Context, p policy.Policy) (policy.Policy, error) {
	db, err := s.getDB()
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
	if _, err := db.ExecContext(ctx, `INSERT INTO alert_settings (
            id, enabled, threshold_percent, threshold_absolute, min_price_for_alert,
            notify_channels, quiet_start, quiet_end, updated_at
        ) VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT (id) DO UPDATE SET
            enabled = excluded.enabled,
            threshold_percent = excluded.threshold_percent,
            threshold_absolute = excluded.threshold_absolute,
            min_price_for_alert = excluded.min_price_for_alert,
            notify_channels = excluded.notify_channels,
            quiet_start = excluded.quiet_start,
            quiet_end = excluded.quiet_end,
            updated_at = excluded.updated_at`,
		settingsDocumentID,
		row.enabled,
		row.thresholdPercent,
		row.thresholdAbsolute,
		row.minPrice,
		row.channels,
		row.quietStart,
		row.quietEnd,
		toUnix(saved.UpdatedAt),
	); err != nil {
		return policy.Policy{}, fmt.Errorf("save policy: %w", err)
	}
	return saved, nil
}

// Baseline returns the stored price for productID.
func (s *SQLiteStore) Baseline(ctx context.Context, productID string) (Baseline, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Baseline{}, false, err
	}

	var b Baseline
	var priceStr string
	var observedAt int64
	scanErr := db.QueryRowContext(ctx, `SELECT product_id, title, price, observed_at
        FROM products WHERE product_id = ?`, productID).Scan(&b.ProductID, &b.Title, &priceStr, &observedAt)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return Baseline{}, false, nil
	}
	if scanErr != nil {
		return Baseline{}, false, fmt.Errorf("load baseline %s: %w", productID, scanErr)
	}
	if b.Price, err = parseDecimal("price", priceStr); err != nil {
		return Baseline{}, false, err
	}
	b.ObservedAt = fromUnix(observedAt)
	return b, true, nil
}

// RecordObservation appends obs to the price history and advances the
// product baseline when obs is not older than it.
func (s *SQLiteStore) RecordObservation(ctx context.Context, obs Observation) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	if !obs.Price.Valid {
		return false, fmt.Errorf("record observation %s: price is required", obs.ProductID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin observation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var reviews interface{}
	if obs.ReviewCount != nil {
		reviews = *obs.ReviewCount
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO price_history (
            product_id, price, original_price, discount_percent, rating, review_count, availability, observed_at
        ) VALUES (?,?,?,?,?,?,?,?)
        ON CONFLICT (product_id, observed_at) DO NOTHING`,
		obs.ProductID,
		obs.Price.Decimal.String(),
		nullDecimalArg(obs.OriginalPrice),
		nullDecimalArg(obs.DiscountPercent),
		nullDecimalArg(obs.Rating),
		reviews,
		obs.Availability,
		toUnix(obs.ObservedAt),
	); err != nil {
		return false, fmt.Errorf("insert price history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO products (
            product_id, title, category, url, availability, price, original_price, observed_at, updated_at
        ) VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT (product_id) DO UPDATE SET
            title = COALESCE(NULLIF(excluded.title, ''), products.title),
            category = COALESCE(NULLIF(excluded.category, ''), products.category),
            url = COALESCE(NULLIF(excluded.url, ''), products.url),
            availability = excluded.availability,
            price = excluded.price,
            original_price = excluded.original_price,
            observed_at = excluded.observed_at,
            updated_at = excluded.updated_at
        WHERE products.observed_at <= excluded.observed_at`,
		obs.ProductID,
		obs.Title,
		obs.Category,
		obs.URL,
		obs.Availability,
		obs.Price.Decimal.String(),
		nullDecimalArg(obs.OriginalPrice),
		toUnix(obs.ObservedAt),
		toUnix(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("upsert product: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert product: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit observation: %w", err)
	}
	return affected > 0, nil
}

// ListPriceHistory lists observations for productID within [from, to).
func (s *SQLiteStore) ListPriceHistory(ctx context.Context, productID string, from, to time.Time, limit int) ([]Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxHistoryLimit
	}

	rows, err := db.QueryContext(ctx, `SELECT product_id, price, original_price, discount_percent,
            rating, review_count, availability, observed_at
        FROM price_history
        WHERE product_id = ? AND observed_at >= ? AND observed_at < ?
        ORDER BY observed_at
        LIMIT ?`, productID, toUnix(from), toUnix(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list price history: %w", err)
	}
	defer rows.Close()

	out := make([]Observation, 0)
	for rows.Next() {
		var obs Observation
		var priceStr string
		var original, discount, rating sql.NullString
		var reviews sql.NullInt64
		var observedAt int64
		if err := rows.Scan(&obs.ProductID, &priceStr, &original, &discount, &rating, &reviews, &obs.Availability, &observedAt); err != nil {
			return nil, err
		}
		if err := fillHistory(&obs, priceStr, original, discount, rating); err != nil {
			return nil, err
		}
		if reviews.Valid {
			n := reviews.Int64
			obs.ReviewCount = &n
		}
		obs.ObservedAt = fromUnix(observedAt)
		out = append(out, obs)
	}
	return out, rows.Err()
}

const sqliteAlertColumns = `id, product_id, title, url, old_price, new_price, percent_change,
    absolute_change, trigger_reason, status, triggered_at, acknowledged_at, notified_channels, created_at`

func scanSQLiteAlert(row rowScanner) (Alert, error) {
	var a Alert
	var r alertRow
	var status, channels string
	var triggeredAt, createdAt int64
	var ackAt sql.NullInt64
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
		&triggeredAt,
		&ackAt,
		&channels,
		&createdAt,
	); err != nil {
		return Alert{}, err
	}
	a.Status = AlertStatus(status)
	a.TriggeredAt = fromUnix(triggeredAt)
	a.CreatedAt = fromUnix(createdAt)
	if ackAt.Valid {
		t := fromUnix(ackAt.Int64)
		a.AcknowledgedAt = &t
	}
	a.NotifiedChannels = splitChannels(channels)
	if err := r.apply(&a); err != nil {
		return Alert{}, err
	}
	return a, nil
}

// UpsertOpenAlert inserts a new open alert or refreshes the product's existing one.
func (s *SQLiteStore) UpsertOpenAlert(ctx context.Context, candidate Alert, p policy.Policy) (Alert, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Alert{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Alert{}, false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, scanErr := scanSQLiteAlert(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAlertColumns+` FROM alerts WHERE product_id = ? AND status = 'open'`, candidate.ProductID))
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		return Alert{}, false, fmt.Errorf("select open alert: %w", scanErr)
	}

	if errors.Is(scanErr, sql.ErrNoRows) {
		alert := newOpenAlert(candidate)
		if _, err := tx.ExecContext(ctx, `INSERT INTO alerts (
                id, product_id, title, url, old_price, new_price, percent_change, absolute_change,
                trigger_reason, status, triggered_at, notified_channels, created_at
            ) VALUES (?,?,?,?,?,?,?,?,?,'open',?,'',?)`,
			alert.ID,
			alert.ProductID,
			alert.Title,
			alert.URL,
			alert.OldPrice.String(),
			alert.NewPrice.String(),
			alert.PercentChange.String(),
			alert.AbsoluteChange.String(),
			string(alert.TriggerReason),
			toUnix(alert.TriggeredAt),
			toUnix(alert.CreatedAt),
		); err != nil {
			return Alert{}, false, fmt.Errorf("insert alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Alert{}, false, fmt.Errorf("commit alert: %w", err)
		}
		return alert, true, nil
	}

	refreshed := refreshOpenAlert(existing, candidate, p)
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET
            title = ?, url = ?, old_price = ?, new_price = ?, percent_change = ?, absolute_change = ?,
            trigger_reason = ?, triggered_at = ?, notified_channels = ''
        WHERE id = ?`,
		refreshed.Title,
		refreshed.URL,
		refreshed.OldPrice.String(),
		refreshed.NewPrice.String(),
		refreshed.PercentChange.String(),
		refreshed.AbsoluteChange.String(),
		string(refreshed.TriggerReason),
		toUnix(refreshed.TriggeredAt),
		refreshed.ID,
	); err != nil {
		return Alert{}, false, fmt.Errorf("refresh alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Alert{}, false, fmt.Errorf("commit alert refresh: %w", err)
	}
	return refreshed, false, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps the
// first acknowledgement time.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (Alert, error) {
	db, err := s.getDB()
	if err != nil {
		return Alert{}, err
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE alerts SET status = 'acknowledged', acknowledged_at = ? WHERE id = ? AND status = 'open'`,
		toUnix(at), id); err != nil {
		return Alert{}, fmt.Errorf("acknowledge alert: %w", err)
	}
	return s.GetAlert(ctx, id)
}

// GetAlert loads one alert by id.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (Alert, error) {
	db, err := s.getDB()
	if err != nil {
		return Alert{}, err
	}
	alert, scanErr := scanSQLiteAlert(db.QueryRowContext(ctx, `SELECT `+sqliteAlertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(scanErr, sql.ErrNoRows) {
		return Alert{}, ErrAlertNotFound
	}
	if scanErr != nil {
		return Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// ListAlerts lists alerts newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.Undelivered {
		where = append(where, "notified_channels = ''")
	}

	query := `SELECT ` + sqliteAlertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), filter.offset())

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkNotified records channels that accepted the alert.
func (s *SQLiteStore) MarkNotified(ctx context.Context, id string, channels []string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notified tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	scanErr := tx.QueryRowContext(ctx, `SELECT notified_channels FROM alerts WHERE id = ?`, id).Scan(&current)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return ErrAlertNotFound
	}
	if scanErr != nil {
		return fmt.Errorf("load notified channels: %w", scanErr)
	}
	merged := mergeChannels(splitChannels(current), channels)
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET notified_channels = ? WHERE id = ?`, joinChannels(merged), id); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return tx.Commit()
}
