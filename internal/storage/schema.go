package storage

// postgresSchema is applied by Migrate. Statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS alert_settings (
    id                  TEXT PRIMARY KEY,
    enabled             BOOLEAN NOT NULL,
    threshold_percent   NUMERIC NOT NULL,
    threshold_absolute  NUMERIC NOT NULL,
    min_price_for_alert NUMERIC NOT NULL,
    notify_channels     TEXT NOT NULL DEFAULT '{}',
    quiet_start         TEXT,
    quiet_end           TEXT,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS products (
    product_id     TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    availability   TEXT NOT NULL DEFAULT '',
    price          NUMERIC NOT NULL,
    original_price NUMERIC,
    observed_at    TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS price_history (
    id               BIGSERIAL PRIMARY KEY,
    product_id       TEXT NOT NULL,
    price            NUMERIC NOT NULL,
    original_price   NUMERIC,
    discount_percent NUMERIC,
    rating           NUMERIC,
    review_count     BIGINT,
    availability     TEXT NOT NULL DEFAULT '',
    observed_at      TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (product_id, observed_at)
);

CREATE TABLE IF NOT EXISTS alerts (
    id                TEXT PRIMARY KEY,
    product_id        TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    old_price         NUMERIC NOT NULL,
    new_price         NUMERIC NOT NULL,
    percent_change    NUMERIC NOT NULL,
    absolute_change   NUMERIC NOT NULL,
    trigger_reason    TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'open',
    triggered_at      TIMESTAMPTZ NOT NULL,
    acknowledged_at   TIMESTAMPTZ,
    notified_channels TEXT[] NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_open_per_product
    ON alerts (product_id) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS alerts_triggered_at_idx ON alerts (triggered_at DESC);
`

// sqliteSchema mirrors postgresSchema. Timestamps are unix nanoseconds,
// decimals are canonical strings and channel lists are comma separated.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS alert_settings (
    id                  TEXT PRIMARY KEY,
    enabled             INTEGER NOT NULL,
    threshold_percent   TEXT NOT NULL,
    threshold_absolute  TEXT NOT NULL,
    min_price_for_alert TEXT NOT NULL,
    notify_channels     TEXT NOT NULL DEFAULT '{}',
    quiet_start         TEXT,
    quiet_end           TEXT,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    product_id     TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    availability   TEXT NOT NULL DEFAULT '',
    price          TEXT NOT NULL,
    original_price TEXT,
    observed_at    INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS price_history (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    product_id       TEXT NOT NULL,
    price            TEXT NOT NULL,
    original_price   TEXT,
    discount_percent TEXT,
    rating           TEXT,
    review_count     INTEGER,
    availability     TEXT NOT NULL DEFAULT '',
    observed_at      INTEGER NOT NULL,
    UNIQUE (product_id, observed_at)
);

CREATE TABLE IF NOT EXISTS alerts (
    id                TEXT PRIMARY KEY,
    product_id        TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    old_price         TEXT NOT NULL,
    new_price         TEXT NOT NULL,
    percent_change    TEXT NOT NULL,
    absolute_change   TEXT NOT NULL,
    trigger_reason    TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'open',
    triggered_at      INTEGER NOT NULL,
    acknowledged_at   INTEGER,
    notified_channels TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS alerts_one_open_per_product
    ON alerts (product_id) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS alerts_triggered_at_idx ON alerts (triggered_at DESC);
`
