package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	CartStoreRedis        = "redis"
)

const envPrefix = "STOREFRONT_"

const (
	envHTTPAddr                    = envPrefix + "HTTP_ADDR"
	envMetricsAddr                 = envPrefix + "METRICS_ADDR"
	envGRPCHealthAddr              = envPrefix + "GRPC_HEALTH_ADDR"
	envStorageDriver               = envPrefix + "STORAGE_DRIVER"
	envPostgresDSN                 = envPrefix + "POSTGRES_DSN"
	envPostgresAutoMigrate         = envPrefix + "POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns            = envPrefix + "POSTGRES_MAX_CONNS"
	envCartStore                   = envPrefix + "CART_STORE"
	envRedisAddr                   = envPrefix + "REDIS_ADDR"
	envRedisPassword               = envPrefix + "REDIS_PASSWORD"
	envRedisDB                     = envPrefix + "REDIS_DB"
	envGuestCartTTL                = envPrefix + "GUEST_CART_TTL"
	envJWTSecret                   = envPrefix + "JWT_SECRET"
	envAllowOrigins                = envPrefix + "ALLOW_ORIGINS"
	envKafkaBrokers                = envPrefix + "KAFKA_BROKERS"
	envKafkaTopic                  = envPrefix + "KAFKA_TOPIC"
	envOutboxPollInterval          = envPrefix + "OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = envPrefix + "OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = envPrefix + "OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = envPrefix + "OUTBOX_RETRY_DELAY"
	envIdempotencyCleanupInterval  = envPrefix + "IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = envPrefix + "IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envCatalogBaseURL              = envPrefix + "CATALOG_BASE_URL"
	envCatalogTimeout              = envPrefix + "CATALOG_TIMEOUT"
	envCatalogEnabled              = envPrefix + "CATALOG_ENABLED"
	envRestockOnCancel             = envPrefix + "RESTOCK_ON_CANCEL"
)

// ErrInvalidConfig возвращается Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	CartStore     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	GuestCartTTL  time.Duration

	JWTSecret    string
	AllowOrigins string

	KafkaBrokers []string
	KafkaTopic   string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	CatalogEnabled bool
	CatalogBaseURL string
	CatalogTimeout time.Duration

	RestockOnCancel bool
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		MetricsAddr:                 ":9090",
		GRPCHealthAddr:              ":50051",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            20,
		GuestCartTTL:                7 * 24 * time.Hour,
		AllowOrigins:                "*",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           10,
		OutboxRetryDelay:            100 * time.Millisecond,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		CatalogEnabled:              true,
		CatalogTimeout:              4 * time.Second,
		RestockOnCancel:             true,
	}
}

// CartDriver возвращает фактическое хранилище корзин.
func (c Config) CartDriver() string {
	if c.CartStore == "" {
		return c.StorageDriver
	}
	return c.CartStore
}

// KafkaEnabled сообщает, настроена ли публикация событий.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTPAddr) == "" {
		problems = append(problems, "http address is empty")
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, "postgres dsn is required for postgres storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.StorageDriver))
	}
	switch c.CartDriver() {
	case StorageDriverMemory, StorageDriverPostgres:
		if c.CartDriver() != c.StorageDriver {
			problems = append(problems, fmt.Sprintf("cart store %q must match storage driver or be %q", c.CartStore, CartStoreRedis))
		}
	case CartStoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, "redis address is required for redis cart store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown cart store %q", c.CartStore))
	}
	if c.GuestCartTTL <= 0 {
		problems = append(problems, "guest cart ttl must be > 0")
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.OutboxPollInterval <= 0 {
		problems = append(problems, "outbox settings must be > 0")
	}
	if c.CatalogEnabled && c.CatalogTimeout <= 0 {
		problems = append(problems, "catalog timeout must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

type envLookup func(key string) (string, bool)

// LoadConfigFromEnv читает .env (если есть) и переменные окружения.
// Некорректные значения логируются и заменяются значениями по умолчанию.
func LoadConfigFromEnv(logger *log.Entry) (Config, error) {
	if logger == nil {
		logger = log.WithField("component", "config")
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("failed to load .env file")
	}

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		logger.WithError(warning).Warn("invalid config value, using default")
	}
	return cfg, cfg.Validate()
}

func readConfigFromEnv(lookup envLookup) (Config, []error) {
	cfg := DefaultConfig()
	var warnings []error

	setString := func(key string, target *string) {
		if value, ok := lookup(key); ok {
			*target = strings.TrimSpace(value)
		}
	}
	setLower := func(key string, target *string) {
		if value, ok := lookup(key); ok {
			*target = strings.ToLower(strings.TrimSpace(value))
		}
	}
	setBool := func(key string, target *bool) {
		value, ok := lookup(key)
		if !ok {
			return
		}
		parsed, err := parseBool(value)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = parsed
	}
	setInt := func(key string, target *int, valid func(int) bool, rule string) {
		value, ok := lookup(key)
		if !ok {
			return
		}
		parsed, err := parseInt(value, valid, rule)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = parsed
	}
	setDuration := func(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
		value, ok := lookup(key)
		if !ok {
			return
		}
		parsed, err := parseDuration(value, valid, rule)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = parsed
	}
	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	setString(envGRPCHealthAddr, &cfg.GRPCHealthAddr)
	setLower(envStorageDriver, &cfg.StorageDriver)
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positive, "must be > 0")

	setLower(envCartStore, &cfg.CartStore)
	setString(envRedisAddr, &cfg.RedisAddr)
	setString(envRedisPassword, &cfg.RedisPassword)
	setInt(envRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")
	setDuration(envGuestCartTTL, &cfg.GuestCartTTL, positiveDuration, "must be > 0")

	setString(envJWTSecret, &cfg.JWTSecret)
	setString(envAllowOrigins, &cfg.AllowOrigins)

	if value, ok := lookup(envKafkaBrokers); ok {
		cfg.KafkaBrokers = splitList(value)
	}
	setString(envKafkaTopic, &cfg.KafkaTopic)
	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	setBool(envCatalogEnabled, &cfg.CatalogEnabled)
	setString(envCatalogBaseURL, &cfg.CatalogBaseURL)
	setDuration(envCatalogTimeout, &cfg.CatalogTimeout, positiveDuration, "must be > 0")
	setBool(envRestockOnCancel, &cfg.RestockOnCancel)

	return cfg, warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid int value %d: %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid duration value %s: %s", value, rule)
	}
	return value, nil
}
