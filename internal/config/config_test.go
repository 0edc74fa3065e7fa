package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Fatalf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.OperationTimeout != 10*time.Second {
		t.Fatalf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Lock.Backend != LockLocal {
		t.Fatalf("lock backend = %q", cfg.Lock.Backend)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
storage:
  backend: postgres
  dsn: postgres://localhost/pricewatch
alerting:
  timezone: Asia/Kolkata
  email:
    host: smtp.example.com
    from: alerts@example.com
    to: [ops@example.com]
kafka:
  enabled: true
  brokers: [localhost:9092]
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PRICEWATCH_PIPELINE_WORKERS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://localhost/pricewatch" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Pipeline.Workers != 9 {
		t.Fatalf("env override ignored: workers = %d", cfg.Pipeline.Workers)
	}
	if !cfg.Alerting.Email.Configured() {
		t.Fatalf("email should be configured: %+v", cfg.Alerting.Email)
	}
	loc, err := cfg.Alerting.Location()
	if err != nil || loc.String() != "Asia/Kolkata" {
		t.Fatalf("location = %v, %v", loc, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PRICEWATCH_LOCK_BACKEND=redis\nPRICEWATCH_LOCK_REDIS_URL=redis://localhost:6379/0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("PRICEWATCH_LOCK_BACKEND")
		os.Unsetenv("PRICEWATCH_LOCK_REDIS_URL")
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.Backend != LockRedis || cfg.Lock.RedisURL == "" {
		t.Fatalf(".env not applied: %+v", cfg.Lock)
	}
}

func TestLoadKeysWithoutDefaultsFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PRICEWATCH_STORAGE_BACKEND", BackendPostgres)
	t.Setenv("PRICEWATCH_STORAGE_DSN", "postgres://pw:pw@localhost:5432/pricewatch")
	t.Setenv("PRICEWATCH_ALERTING_SLACK_WEBHOOK_URL", "https://hooks.slack.test/T000/B000")
	t.Setenv("PRICEWATCH_ALERTING_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("PRICEWATCH_ALERTING_TELEGRAM_CHAT_ID", "-1001")
	t.Setenv("PRICEWATCH_KAFKA_ENABLED", "true")
	t.Setenv("PRICEWATCH_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PRICEWATCH_FEED_URL", "https://scraper.local/latest.json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://pw:pw@localhost:5432/pricewatch" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Alerting.Slack.WebhookURL != "https://hooks.slack.test/T000/B000" {
		t.Fatalf("slack webhook = %q", cfg.Alerting.Slack.WebhookURL)
	}
	if !cfg.Alerting.Telegram.Configured() {
		t.Fatalf("telegram should be configured: %+v", cfg.Alerting.Telegram)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Feed.Enabled() {
		t.Fatalf("feed should be enabled: %+v", cfg.Feed)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   StorageConfig{Backend: BackendSQLite, SQLitePath: "x.db"},
			Pipeline:  PipelineConfig{Workers: 1, OperationTimeout: time.Second},
			Lock:      LockConfig{Backend: LockLocal},
			Alerting:  AlertingConfig{Timezone: "UTC", DeliveryTimeout: time.Second},
			Scheduler: SchedulerConfig{RedeliverInterval: time.Minute},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := map[string]func(*Config){
		"postgres without dsn": func(c *Config) { c.Storage.Backend = BackendPostgres },
		"unknown backend":      func(c *Config) { c.Storage.Backend = "mysql" },
		"zero workers":         func(c *Config) { c.Pipeline.Workers = 0 },
		"redis without url":    func(c *Config) { c.Lock.Backend = LockRedis },
		"bad timezone":         func(c *Config) { c.Alerting.Timezone = "Mars/Base" },
		"half telegram":        func(c *Config) { c.Alerting.Telegram.BotToken = "t" },
		"kafka without broker": func(c *Config) { c.Kafka.Enabled = true },
		"feed not http":        func(c *Config) { c.Feed = FeedConfig{URL: "ftp://x", Interval: time.Minute} },
		"feed zero interval":   func(c *Config) { c.Feed.URL = "https://scraper.local/latest.json" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
