package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
)

const (
	// StorageDriverMemory хранит всё в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит заказы, журнал саги и склад в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервисов. Значения по умолчанию берутся из
// DefaultConfig, переменные окружения их переопределяют.
type Config struct {
	HTTPAddr    string `env:"SHOP_HTTP_ADDR"`
	MetricsAddr string `env:"SHOP_METRICS_ADDR"`
	GRPCAddr    string `env:"SHOP_GRPC_ADDR"`
	LogLevel    string `env:"SHOP_LOG_LEVEL"`

	StorageDriver       string `env:"SHOP_STORAGE_DRIVER"`
	PostgresDSN         string `env:"SHOP_POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"SHOP_POSTGRES_AUTO_MIGRATE"`

	IdentityURL         string        `env:"SHOP_IDENTITY_URL"`
	CatalogURL          string        `env:"SHOP_CATALOG_URL"`
	InventoryURL        string        `env:"SHOP_INVENTORY_URL"`
	UpstreamTimeout     time.Duration `env:"SHOP_UPSTREAM_TIMEOUT"`
	BreakerMaxFailures  int           `env:"SHOP_BREAKER_MAX_FAILURES"`
	BreakerResetTimeout time.Duration `env:"SHOP_BREAKER_RESET_TIMEOUT"`

	InventorySyncOnStart bool          `env:"SHOP_INVENTORY_SYNC_ON_START"`
	InventorySyncTimeout time.Duration `env:"SHOP_INVENTORY_SYNC_TIMEOUT"`

	RedisAddr     string        `env:"SHOP_REDIS_ADDR"`
	RedisPassword string        `env:"SHOP_REDIS_PASSWORD"`
	RedisDB       int           `env:"SHOP_REDIS_DB"`
	CacheTTL      time.Duration `env:"SHOP_CACHE_TTL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID string   `env:"SHOP_KAFKA_GROUP_ID"`

	JaegerEndpoint string `env:"SHOP_JAEGER_ENDPOINT"`

	CompensationAttempts int           `env:"SHOP_COMPENSATION_ATTEMPTS"`
	CompensationDelay    time.Duration `env:"SHOP_COMPENSATION_DELAY"`

	SweepInterval   time.Duration `env:"SHOP_SWEEP_INTERVAL"`
	SweepStaleAfter time.Duration `env:"SHOP_SWEEP_STALE_AFTER"`

	OutboxPollInterval time.Duration `env:"SHOP_OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `env:"SHOP_OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `env:"SHOP_OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `env:"SHOP_OUTBOX_RETRY_DELAY"`

	IdempotencyTTL              time.Duration `env:"SHOP_IDEMPOTENCY_TTL"`
	IdempotencyCleanupInterval  time.Duration `env:"SHOP_IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `env:"SHOP_IDEMPOTENCY_CLEANUP_BATCH_SIZE"`
	IdempotencyAbandonAfter     time.Duration `env:"SHOP_IDEMPOTENCY_ABANDON_AFTER"`
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		UpstreamTimeout:     5 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		InventorySyncOnStart: true,
		InventorySyncTimeout: 10 * time.Second,

		CacheTTL:     5 * time.Minute,
		KafkaGroupID: "shop-reconciler",

		CompensationAttempts: 3,
		CompensationDelay:    100 * time.Millisecond,

		SweepInterval:   30 * time.Second,
		SweepStaleAfter: 5 * time.Minute,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyAbandonAfter:     10 * time.Minute,
	}
}

// LoadConfig накладывает переменные окружения на DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}

// Validate проверяет настройки хранилища.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("SHOP_POSTGRES_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("upstream timeout must be positive")
	}
	if c.InventorySyncOnStart && c.InventorySyncTimeout <= 0 {
		return errors.New("inventory sync timeout must be positive")
	}
	return nil
}

// validateOrderService дополнительно требует адреса identity и catalog.
func (c Config) validateOrderService() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IdentityURL == "" {
		return errors.New("SHOP_IDENTITY_URL is required")
	}
	if c.CatalogURL == "" {
		return errors.New("SHOP_CATALOG_URL is required")
	}
	return nil
}

// Fields — безопасное для логов представление настроек.
func (c Config) Fields() log.Fields {
	return log.Fields{
		"http_addr":      c.HTTPAddr,
		"metrics_addr":   c.MetricsAddr,
		"grpc_addr":      c.GRPCAddr,
		"storage":        c.StorageDriver,
		"identity_url":   c.IdentityURL,
		"catalog_url":    c.CatalogURL,
		"inventory_url":  c.InventoryURL,
		"redis_enabled":  c.RedisAddr != "",
		"kafka_brokers":  c.KafkaBrokers,
		"tracing":        c.JaegerEndpoint != "",
		"sweep_interval": c.SweepInterval.String(),
	}
}
