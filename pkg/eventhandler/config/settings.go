package config

import (
	"os"
	"slices"
	"time"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Setting keys.
const (
	KeyHTTPAddr                   = "http.addr"
	KeyHTTPMaxBodyBytes           = "http.max_body_bytes"
	KeyStoreDriver                = "store.driver"
	KeyStoreSQLitePath            = "store.sqlite_path"
	KeyStorePostgresDSN           = "store.postgres_dsn"
	KeyDeliveryAttemptTimeout     = "delivery.attempt_timeout"
	KeyDeliveryMaxConcurrency     = "delivery.max_concurrency"
	KeyDeliveryInsecureSkipVerify = "delivery.insecure_skip_verify"
	KeyRedisAddr                  = "redis.addr"
	KeyRedisIdempotencyTTL        = "redis.idempotency_ttl"
	KeyKafkaBrokers               = "kafka.brokers"
	KeyKafkaReportTopic           = "kafka.report_topic"
	KeyLogLevel                   = "log.level"
	KeyLogFormat                  = "log.format"
)

// Keys lists every key Load reads, in the order above.
var Keys = []string{
	KeyHTTPAddr, KeyHTTPMaxBodyBytes,
	KeyStoreDriver, KeyStoreSQLitePath, KeyStorePostgresDSN,
	KeyDeliveryAttemptTimeout, KeyDeliveryMaxConcurrency, KeyDeliveryInsecureSkipVerify,
	KeyRedisAddr, KeyRedisIdempotencyTTL,
	KeyKafkaBrokers, KeyKafkaReportTopic,
	KeyLogLevel, KeyLogFormat,
}

// Settings is the typed server configuration.
type Settings struct {
	HTTP     HTTPSettings
	Store    StoreSettings
	Delivery DeliverySettings
	Redis    RedisSettings
	Kafka    KafkaSettings
	Log      LogSettings
}

// HTTPSettings configures the API listener.
type HTTPSettings struct {
	Addr         string
	MaxBodyBytes int64
}

// StoreSettings selects and configures the subscription store.
type StoreSettings struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// DeliverySettings tunes the fan-out.
type DeliverySettings struct {
	AttemptTimeout     time.Duration
	MaxConcurrency     int
	InsecureSkipVerify bool
}

// RedisSettings enables publish idempotency when Addr is set.
type RedisSettings struct {
	Addr           string
	IdempotencyTTL time.Duration
}

// KafkaSettings enables delivery reports when Brokers is non-empty.
type KafkaSettings struct {
	Brokers     []string
	ReportTopic string
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level  string
	Format string
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		HTTP: HTTPSettings{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Store: StoreSettings{
			Driver:     DriverMemory,
			SQLitePath: "eventhandler.db",
		},
		Delivery: DeliverySettings{
			AttemptTimeout: 10 * time.Second,
			MaxConcurrency: 16,
		},
		Redis: RedisSettings{
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: KafkaSettings{
			ReportTopic: "eventhandler.deliveries",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds Settings from cfg over Defaults and validates them.
// It does not consult the environment; use WithEnv or LoadFromEnv for that.
func Load(cfg Config) (Settings, error) {
	d := Defaults()
	s := Settings{
		HTTP: HTTPSettings{
			Addr:         cfg.String(KeyHTTPAddr, d.HTTP.Addr),
			MaxBodyBytes: int64(cfg.Int(KeyHTTPMaxBodyBytes, int(d.HTTP.MaxBodyBytes))),
		},
		Store: StoreSettings{
			Driver:      cfg.String(KeyStoreDriver, d.Store.Driver),
			SQLitePath:  cfg.String(KeyStoreSQLitePath, d.Store.SQLitePath),
			PostgresDSN: cfg.String(KeyStorePostgresDSN, d.Store.PostgresDSN),
		},
		Delivery: DeliverySettings{
			AttemptTimeout:     cfg.Duration(KeyDeliveryAttemptTimeout, d.Delivery.AttemptTimeout),
			MaxConcurrency:     cfg.Int(KeyDeliveryMaxConcurrency, d.Delivery.MaxConcurrency),
			InsecureSkipVerify: cfg.Bool(KeyDeliveryInsecureSkipVerify, d.Delivery.InsecureSkipVerify),
		},
		Redis: RedisSettings{
			Addr:           cfg.String(KeyRedisAddr, d.Redis.Addr),
			IdempotencyTTL: cfg.Duration(KeyRedisIdempotencyTTL, d.Redis.IdempotencyTTL),
		},
		Kafka: KafkaSettings{
			Brokers:     cfg.StringSlice(KeyKafkaBrokers, d.Kafka.Brokers),
			ReportTopic: cfg.String(KeyKafkaReportTopic, d.Kafka.ReportTopic),
		},
		Log: LogSettings{
			Level:  cfg.String(KeyLogLevel, d.Log.Level),
			Format: cfg.String(KeyLogFormat, d.Log.Format),
		},
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadFromEnv reads the file at path (skipped when empty), applies
// EVENTHANDLER_* overrides from the process environment, and calls Load.
func LoadFromEnv(path string) (Settings, error) {
	cfg := New(nil)
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}
	return Load(cfg.WithEnv(os.Getenv, Keys...))
}

// Validate reports every setting the server cannot run with.
func (s Settings) Validate() error {
	var fe eherrors.FieldErrors
	if s.HTTP.Addr == "" {
		fe.Add(KeyHTTPAddr, "is required")
	}
	if s.HTTP.MaxBodyBytes <= 0 {
		fe.Add(KeyHTTPMaxBodyBytes, "must be positive")
	}
	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Store.SQLitePath == "" {
			fe.Add(KeyStoreSQLitePath, "is required for the sqlite driver")
		}
	case DriverPostgres:
		if s.Store.PostgresDSN == "" {
			fe.Add(KeyStorePostgresDSN, "is required for the postgres driver")
		}
	default:
		fe.Add(KeyStoreDriver, "must be one of memory, sqlite, postgres")
	}
	if s.Delivery.AttemptTimeout <= 0 {
		fe.Add(KeyDeliveryAttemptTimeout, "must be positive")
	}
	if s.Delivery.MaxConcurrency <= 0 {
		fe.Add(KeyDeliveryMaxConcurrency, "must be positive")
	}
	if s.Redis.Addr != "" && s.Redis.IdempotencyTTL <= 0 {
		fe.Add(KeyRedisIdempotencyTTL, "must be positive")
	}
	if len(s.Kafka.Brokers) > 0 && s.Kafka.ReportTopic == "" {
		fe.Add(KeyKafkaReportTopic, "is required when brokers are set")
	}
	if slices.Contains(s.Kafka.Brokers, "") {
		fe.Add(KeyKafkaBrokers, "must not contain empty entries")
	}
	if !slices.Contains([]string{"json", "text"}, s.Log.Format) {
		fe.Add(KeyLogFormat, "must be json or text")
	}
	if err := fe.Err(); err != nil {
		return eherrors.Validation("load settings", err)
	}
	return nil
}
