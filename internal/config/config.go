package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Lock      LockConfig      `mapstructure:"lock"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Feed      FeedConfig      `mapstructure:"feed"`
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	EnvFile     string `mapstructure:"env_file"`
}

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	LockLocal = "local"
	LockRedis = "redis"
)

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PipelineConfig governs batch processing.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
}

// LockConfig selects the per-product lock implementation.
type LockConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
	Retry    time.Duration `mapstructure:"retry"`
}

// AlertingConfig defines channel credentials and delivery behaviour. Which
// channels are used is decided by the stored alert policy.
type AlertingConfig struct {
	Timezone        string         `mapstructure:"timezone"`
	DeliveryTimeout time.Duration  `mapstructure:"delivery_timeout"`
	Slack           SlackConfig    `mapstructure:"slack"`
	Email           EmailConfig    `mapstructure:"email"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// SlackConfig holds the incoming webhook.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// EmailConfig holds SMTP delivery parameters.
type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Configured reports whether enough is set to attempt delivery.
func (e EmailConfig) Configured() bool {
	return e.Host != "" && e.From != "" && len(e.To) > 0
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Configured reports whether bot credentials are present.
func (t TelegramConfig) Configured() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// KafkaConfig enables the observation topic consumer.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// FeedConfig points at a scraper's JSON export that is polled for batches.
type FeedConfig struct {
	URL         string        `mapstructure:"url"`
	BearerToken string        `mapstructure:"bearer_token"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// Enabled reports whether a feed URL is configured.
func (f FeedConfig) Enabled() bool {
	return f.URL != ""
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// SchedulerConfig governs the redelivery sweep.
type SchedulerConfig struct {
	RedeliverInterval time.Duration `mapstructure:"redeliver_interval"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	RedeliverLimit    int           `mapstructure:"redeliver_limit"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults. A .env
// file is loaded into the process environment first; existing variables win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(os.Getenv("PRICEWATCH_APP_ENV_FILE")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// envOnlyKeys have no default, so AutomaticEnv alone would never surface them
// during Unmarshal. Credentials and endpoints usually arrive this way.
var envOnlyKeys = []string{
	"app.env_file",
	"logging.time_format",
	"logging.caller",
	"logging.pretty",
	"storage.dsn",
	"lock.redis_url",
	"alerting.slack.webhook_url",
	"alerting.email.host",
	"alerting.email.username",
	"alerting.email.password",
	"alerting.email.from",
	"alerting.email.to",
	"alerting.telegram.bot_token",
	"alerting.telegram.chat_id",
	"kafka.brokers",
	"feed.url",
	"feed.bearer_token",
}

func bindEnv(v *viper.Viper) error {
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "pricewatch.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.operation_timeout", "10s")
	v.SetDefault("pipeline.advisory_lock_key", int64(0x70726963))

	v.SetDefault("lock.backend", LockLocal)
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.retry", "50ms")

	v.SetDefault("alerting.timezone", "Local")
	v.SetDefault("alerting.delivery_timeout", "10s")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "price-observations")
	v.SetDefault("kafka.group_id", "pricewatch")

	v.SetDefault("feed.interval", "15m")
	v.SetDefault("feed.timeout", "30s")
	v.SetDefault("feed.user_agent", "pricewatch/1.0")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.max_body_bytes", int64(8<<20))

	v.SetDefault("scheduler.redeliver_interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.redeliver_limit", 100)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendPostgres, BackendSQLite, c.Storage.Backend)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Pipeline.OperationTimeout <= 0 {
		return fmt.Errorf("pipeline.operation_timeout must be greater than zero")
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis lock backend")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be greater than zero")
		}
	default:
		return fmt.Errorf("lock.backend must be %q or %q, got %q", LockLocal, LockRedis, c.Lock.Backend)
	}

	if _, err := c.Alerting.Location(); err != nil {
		return err
	}
	if c.Alerting.DeliveryTimeout <= 0 {
		return fmt.Errorf("alerting.delivery_timeout must be greater than zero")
	}
	if (c.Alerting.Telegram.BotToken == "") != (c.Alerting.Telegram.ChatID == "") {
		return fmt.Errorf("alerting.telegram.bot_token 与 chat_id 必须同时配置")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	if c.Feed.Enabled() {
		if !strings.HasPrefix(c.Feed.URL, "http://") && !strings.HasPrefix(c.Feed.URL, "https://") {
			return fmt.Errorf("feed.url must be an http(s) URL")
		}
		if c.Feed.Interval <= 0 {
			return fmt.Errorf("feed.interval must be greater than zero")
		}
	}

	if c.Scheduler.RedeliverInterval <= 0 {
		return fmt.Errorf("scheduler.redeliver_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Location resolves the timezone used for quiet hours.
func (a AlertingConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || strings.EqualFold(a.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("alerting.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
