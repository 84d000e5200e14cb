package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the process configuration read from the environment.
// Tags like `envconfig:"APP_ENV"` name the variable, `default:""` applies when
// it is unset, and `required:"true"` makes it mandatory.
type Config struct {
	AppEnv     string `envconfig:"APP_ENV" default:"development"` // development, staging, production
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`      // debug, info, warn, error
	HttpServer ServerConfig
	GrpcServer GrpcServerConfig
	Postgres   PostgresConfig
	Ingest     IngestConfig
	Source     SourceConfig
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Port         string        `envconfig:"HTTP_SERVER_PORT" default:"8080"`
	TimeoutRead  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_READ" default:"15s"`
	TimeoutWrite time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_WRITE" default:"15m"` // run triggers block until the run ends
	TimeoutIdle  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_IDLE" default:"60s"`
}

// GrpcServerConfig holds the gRPC health server settings.
type GrpcServerConfig struct {
	Port string `envconfig:"GRPC_SERVER_PORT" default:"9090"`
}

// PostgresConfig holds PostgreSQL connection details. DSN, when set, wins
// over the individual fields.
type PostgresConfig struct {
	DSNOverride  string `envconfig:"POSTGRES_DSN"`
	Host         string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port         string `envconfig:"POSTGRES_PORT" default:"5432"`
	User         string `envconfig:"POSTGRES_USER" default:"postgres"`
	Password     string `envconfig:"POSTGRES_PASSWORD"`
	DBName       string `envconfig:"POSTGRES_DBNAME" default:"catalog"`
	SSLMode      string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
	MaxOpenConns int    `envconfig:"POSTGRES_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns int    `envconfig:"POSTGRES_MAX_IDLE_CONNS" default:"5"`
}

// DSN builds the connection string for lib/pq.
func (pc *PostgresConfig) DSN() string {
	if pc.DSNOverride != "" {
		return pc.DSNOverride
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		pc.Host, pc.Port, pc.User, pc.Password, pc.DBName, pc.SSLMode)
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	MaxConsecutiveMisses int           `envconfig:"INGEST_MAX_CONSECUTIVE_MISSES" default:"20"`
	MinTitleLength       int           `envconfig:"INGEST_MIN_TITLE_LENGTH" default:"3"`
	FetchRetries         int           `envconfig:"INGEST_FETCH_RETRIES" default:"2"`
	StorageRetries       int           `envconfig:"INGEST_STORAGE_RETRIES" default:"2"`
	RetryDelay           time.Duration `envconfig:"INGEST_RETRY_DELAY" default:"500ms"`
	BlobDir              string        `envconfig:"INGEST_BLOB_DIR"` // empty keeps every payload inline
	PolicyFile           string        `envconfig:"INGEST_POLICY_FILE"`
}

// SourceConfig configures the reference source used when the policy file
// lists no sources.
type SourceConfig struct {
	Name              string        `envconfig:"SOURCE_NAME" default:"catalog"`
	BaseURL           string        `envconfig:"SOURCE_BASE_URL"`
	UserAgent         string        `envconfig:"SOURCE_USER_AGENT" default:"catalog-ingest-service/1.0"`
	Timeout           time.Duration `envconfig:"SOURCE_TIMEOUT" default:"20s"`
	BrowserControlURL string        `envconfig:"SOURCE_BROWSER_CONTROL_URL"`
}

// Load reads the configuration from the environment. Callers load .env
// beforehand if they want one.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}
	switch cfg.AppEnv {
	case "development", "staging", "production":
	default:
		return nil, fmt.Errorf("invalid APP_ENV: %s", cfg.AppEnv)
	}
	if cfg.Ingest.MaxConsecutiveMisses < 0 {
		return nil, fmt.Errorf("invalid INGEST_MAX_CONSECUTIVE_MISSES: %d", cfg.Ingest.MaxConsecutiveMisses)
	}
	return &cfg, nil
}
