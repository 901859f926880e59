// Package config loads tabsplit settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable, e.g. TABSPLIT_PORT.
const Prefix = "TABSPLIT"

// Storage drivers.
const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"

	BlobDir = "dir"
	BlobS3  = "s3"
)

// Config holds the configuration for the tabsplit server.
type Config struct {
	Port          int    `envconfig:"PORT" default:"8080"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	StoreDriver  string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath       string `envconfig:"DB_PATH" default:"./data/tabsplit.db"`
	GCPProjectID string `envconfig:"GCP_PROJECT_ID"`

	BlobDriver string `envconfig:"BLOB_DRIVER" default:"dir"`
	BlobDir    string `envconfig:"BLOB_DIR" default:"./data/receipts"`
	S3         S3     `envconfig:"S3"`

	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	JWTSecret   string        `envconfig:"JWT_SECRET"`
	TokenExpiry time.Duration `envconfig:"TOKEN_EXPIRY" default:"720h"`

	PrivateDebounce time.Duration `envconfig:"PRIVATE_DEBOUNCE" default:"500ms"`
	CollabDebounce  time.Duration `envconfig:"COLLAB_DEBOUNCE" default:"1s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"20m"`
	CollabRetention time.Duration `envconfig:"COLLAB_RETENTION" default:"24h"`
	SweepSchedule   string        `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`

	// EvictAfter closes in-memory managers and collaborative clients unused this long.
	EvictAfter time.Duration `envconfig:"EVICT_AFTER" default:"30m"`
}

// S3 configures an S3-compatible receipt bucket.
type S3 struct {
	Endpoint      string `envconfig:"ENDPOINT"`
	Region        string `envconfig:"REGION" default:"auto"`
	AccessKey     string `envconfig:"ACCESS_KEY"`
	SecretKey     string `envconfig:"SECRET_KEY"`
	Bucket        string `envconfig:"BUCKET"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`
}

// Validate checks driver names and the settings each driver needs.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite store")
		}
	case StoreFirestore:
		if c.GCPProjectID == "" {
			return errors.New("GCP_PROJECT_ID is required for the firestore store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}

	switch c.BlobDriver {
	case BlobDir:
		if c.BlobDir == "" {
			return errors.New("BLOB_DIR is required for the dir blob store")
		}
	case BlobS3:
		if c.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 blob store")
		}
	default:
		return fmt.Errorf("unsupported BLOB_DRIVER: %s", c.BlobDriver)
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// RequireSecret checks the settings only the server needs.
func (c *Config) RequireSecret() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// New loads an optional .env file and parses TABSPLIT_* variables.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Config loaded",
		"port", cfg.Port,
		"store_driver", cfg.StoreDriver,
		"blob_driver", cfg.BlobDriver,
		"gemini_configured", cfg.GeminiAPIKey != "",
		"idle_timeout", cfg.IdleTimeout,
		"sweep_schedule", cfg.SweepSchedule,
	)
	return &cfg, nil
}
