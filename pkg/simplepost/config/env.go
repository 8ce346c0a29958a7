package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// envConfig is the process environment as read by cleanenv. Fields carry no
// defaults so that unset variables leave earlier options in place.
type envConfig struct {
	Port        string `env:"PORT"`
	Environment string `env:"ENVIRONMENT"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`
	AutoMigrate string `env:"AUTO_MIGRATE"`

	StorageURL string `env:"STORAGE_URL"`
	KeyScheme  string `env:"KEY_SCHEME"`

	StoreTimeout     time.Duration `env:"STORE_TIMEOUT"`
	RetryMax         string        `env:"RETRY_MAX"`
	RetryMinInterval time.Duration `env:"RETRY_MIN_INTERVAL"`
	RetryMaxInterval time.Duration `env:"RETRY_MAX_INTERVAL"`

	JWTSecret      string `env:"JWT_SECRET"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES"`
	EventLogging   string `env:"EVENT_LOGGING"`

	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string `env:"AWS_REGION"`
}

// WithEnv applies environment variable overrides.
//
// Database:
//
//	DATABASE_URL - "memory", "postgres://..." / "postgresql://...", or
//	               "sqlite://path/to/posts.db" ("sqlite://:memory:" for a private db)
//
// Storage:
//
//	STORAGE_URL - one of
//	              "memory://"
//	              "file:///path/to/data"
//	              "s3://bucket?region=us-east-1&endpoint=http://localhost:9000&path_style=true"
//
// Tunables: STORE_TIMEOUT, RETRY_MAX, RETRY_MIN_INTERVAL, RETRY_MAX_INTERVAL,
// JWT_SECRET, MAX_UPLOAD_BYTES, KEY_SCHEME, EVENT_LOGGING, AUTO_MIGRATE.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env envConfig
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return env.apply(c)
	}
}

func (e envConfig) apply(c *ServerConfig) error {
	if e.Port != "" {
		c.Port = e.Port
	}
	if e.Environment != "" {
		c.Environment = e.Environment
	}

	if err := applyDatabaseURL(e.DatabaseURL, c); err != nil {
		return err
	}
	if e.DBSchema != "" {
		c.DBSchema = e.DBSchema
	}
	if err := applyBool("AUTO_MIGRATE", e.AutoMigrate, &c.AutoMigrate); err != nil {
		return err
	}

	// AWS_* first so a region in STORAGE_URL wins
	if e.AWSAccessKeyID != "" {
		c.Storage.S3.AccessKeyID = e.AWSAccessKeyID
	}
	if e.AWSSecretAccessKey != "" {
		c.Storage.S3.SecretAccessKey = e.AWSSecretAccessKey
	}
	if e.AWSRegion != "" {
		c.Storage.S3.Region = e.AWSRegion
	}
	if err := applyStorageURL(e.StorageURL, c); err != nil {
		return err
	}
	if e.KeyScheme != "" {
		c.KeyScheme = e.KeyScheme
	}

	if e.StoreTimeout > 0 {
		c.StoreTimeout = e.StoreTimeout
	}
	if e.RetryMax != "" {
		n, err := strconv.Atoi(e.RetryMax)
		if err != nil {
			return fmt.Errorf("invalid integer for RETRY_MAX: %w", err)
		}
		c.RetryMax = n
	}
	if e.RetryMinInterval > 0 {
		c.RetryMinInterval = e.RetryMinInterval
	}
	if e.RetryMaxInterval > 0 {
		c.RetryMaxInterval = e.RetryMaxInterval
	}

	if e.JWTSecret != "" {
		c.JWTSecret = e.JWTSecret
	}
	if e.MaxUploadBytes > 0 {
		c.MaxUploadBytes = e.MaxUploadBytes
	}
	return applyBool("EVENT_LOGGING", e.EventLogging, &c.EnableEventLogging)
}

func applyBool(name, raw string, dst *bool) error {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", name, err)
	}
	*dst = v
	return nil
}

// applyDatabaseURL detects the metadata store from the URL scheme
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "":
		return nil
	case dbURL == "memory" || dbURL == "memory://":
		c.DatabaseType = DatabaseMemory
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		c.DatabaseType = DatabasePostgres
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return fmt.Errorf("sqlite path cannot be empty in DATABASE_URL")
		}
		c.DatabaseType = DatabaseSQLite
		c.DatabaseURL = path
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgres://...' or 'sqlite://...')", dbURL)
	}
	return nil
}

// applyStorageURL configures the blob store from a URL
func applyStorageURL(storageURL string, c *ServerConfig) error {
	switch {
	case storageURL == "":
		return nil
	case storageURL == "memory" || storageURL == "memory://":
		c.Storage.Type = StorageMemory
		return nil
	case strings.HasPrefix(storageURL, "file://"):
		path := strings.TrimPrefix(storageURL, "file://")
		if path == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		c.Storage.Type = StorageFS
		c.Storage.BaseDir = path
		return nil
	case strings.HasPrefix(storageURL, "s3://"):
		return applyS3URL(storageURL, c)
	}
	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...' or 's3://...')", storageURL)
}

// applyS3URL parses s3://bucket?region=...&endpoint=...&path_style=...&create_bucket=...
func applyS3URL(raw string, c *ServerConfig) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	s3c := c.Storage.S3
	s3c.Bucket = u.Host
	q := u.Query()
	if v := q.Get("region"); v != "" {
		s3c.Region = v
	}
	if v := q.Get("endpoint"); v != "" {
		s3c.Endpoint = v
	}
	if err := applyBool("path_style", q.Get("path_style"), &s3c.UsePathStyle); err != nil {
		return err
	}
	if err := applyBool("create_bucket", q.Get("create_bucket"), &s3c.CreateBucketIfNotExist); err != nil {
		return err
	}
	if v := q.Get("sse"); v != "" {
		s3c.EnableSSE = true
		s3c.SSEAlgorithm = v
	}

	c.Storage.Type = StorageS3
	c.Storage.S3 = s3c
	return nil
}
