package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/utils"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Version                       string   `env:"VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`

	// Contact store
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres" validate:"oneof=postgres memory"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  int           `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:"postgres"`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis (distributed locks)
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Locking
	LockBackend     string        `env:"LOCK_BACKEND" env-default:"local" validate:"oneof=local redis"`
	LockKeyPrefix   string        `env:"LOCK_KEY_PREFIX" env-default:"fern:lock:"`
	LockTTL         time.Duration `env:"LOCK_TTL" env-default:"30s"`
	LockWaitTimeout time.Duration `env:"LOCK_WAIT_TIMEOUT" env-default:"10s"`

	// Reconciliation
	ReconcileMaxAttempts      int           `env:"RECONCILE_MAX_ATTEMPTS" env-default:"3" validate:"min=1"`
	ReconcileTimeout          time.Duration `env:"RECONCILE_TIMEOUT" env-default:"10s"`
	ReconcilePhoneNormalizers []string      `env:"RECONCILE_PHONE_NORMALIZERS" env-default:"trim"`

	// Kafka consumer (observations)
	KafkaConsumerEnabled bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"false"`
	KafkaBrokers         []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string        `env:"KAFKA_INPUT_TOPIC" env-default:"contact-observations"`
	KafkaConsumerGroup   string        `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-consumer"`
	KafkaMaxRetryBackoff time.Duration `env:"KAFKA_MAX_RETRY_BACKOFF" env-default:"30s"`

	// Kafka producer (dead letters). Empty topic disables dead-lettering.
	KafkaDeadLetterTopic string `env:"KAFKA_DLQ_TOPIC" env-default:""`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"50"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" env-default:"snappy" validate:"oneof=snappy gzip lz4 zstd none"`

	// Tracing
	TracingEnabled     bool    `env:"TRACING_ENABLED" env-default:"false"`
	TracingExporter    string  `env:"TRACING_EXPORTER" env-default:"otlp" validate:"oneof=otlp console"`
	TracingEndpoint    string  `env:"TRACING_ENDPOINT" env-default:"localhost:4317"`
	TracingProtocol    string  `env:"TRACING_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	TracingInsecure    bool    `env:"TRACING_INSECURE" env-default:"true"`
	TracingSampleRatio float64 `env:"TRACING_SAMPLE_RATIO" env-default:"1" validate:"min=0,max=1"`
}

// Load reads an optional .env file, then the environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if _, err := utils.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// HTTPAddr is the listen address of the HTTP server
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HttpServerWriteTimeout() time.Duration {
	return time.Duration(c.HttpServerWriteTimeoutSeconds) * time.Second
}

func (c *Config) HttpServerReadTimeout() time.Duration {
	return time.Duration(c.HttpServerReadTimeoutSeconds) * time.Second
}

func (c *Config) HttpServerIdleTimeout() time.Duration {
	return time.Duration(c.HttpServerIdleTimeoutSeconds) * time.Second
}

func (c *Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}
