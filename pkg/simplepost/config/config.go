package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-post/pkg/simplepost"
	"github.com/tendant/simple-post/pkg/simplepost/objectkey"
	"github.com/tendant/simple-post/pkg/simplepost/repo/memory"
	repopg "github.com/tendant/simple-post/pkg/simplepost/repo/postgres"
	reposqlite "github.com/tendant/simple-post/pkg/simplepost/repo/sqlite"
	fsstorage "github.com/tendant/simple-post/pkg/simplepost/storage/fs"
	memorystorage "github.com/tendant/simple-post/pkg/simplepost/storage/memory"
	s3storage "github.com/tendant/simple-post/pkg/simplepost/storage/s3"
)

const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite"

	StorageMemory = "memory"
	StorageFS     = "fs"
	StorageS3     = "s3"

	KeySchemeSharded   = "sharded"
	KeySchemeTimestamp = "timestamp"

	DefaultMaxUploadBytes int64 = 10 * 1024 * 1024
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	retry := simplepost.DefaultRetryPolicy()
	return ServerConfig{
		Port:         "8080",
		Environment:  "development",
		DatabaseType: DatabaseMemory,
		Storage: StorageConfig{
			Type: StorageMemory,
			S3: S3Config{
				Region:       "us-east-1",
				SSEAlgorithm: "AES256",
			},
		},
		KeyScheme:          KeySchemeSharded,
		StoreTimeout:       retry.CallTimeout,
		RetryMax:           retry.MaxRetries,
		RetryMinInterval:   retry.MinInterval,
		RetryMaxInterval:   retry.MaxInterval,
		MaxUploadBytes:     DefaultMaxUploadBytes,
		EnableEventLogging: true,
	}
}

// ServerConfig represents configuration for the simple-post service and its binaries
type ServerConfig struct {
	Port        string `toml:"port"`
	Environment string `toml:"environment"` // development, production, testing

	// Metadata store
	DatabaseType string `toml:"database_type"` // "memory", "postgres", "sqlite"
	DatabaseURL  string `toml:"database_url"`  // postgres DSN or sqlite file path
	DBSchema     string `toml:"db_schema"`     // optional Postgres search_path
	AutoMigrate  bool   `toml:"auto_migrate"`

	// Blob store
	Storage   StorageConfig `toml:"storage"`
	KeyScheme string        `toml:"key_scheme"`

	// Store call bounds
	StoreTimeout     time.Duration `toml:"store_timeout"`
	RetryMax         int           `toml:"retry_max"`
	RetryMinInterval time.Duration `toml:"retry_min_interval"`
	RetryMaxInterval time.Duration `toml:"retry_max_interval"`

	// HTTP surface
	JWTSecret      string `toml:"jwt_secret"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`

	EnableEventLogging bool `toml:"enable_event_logging"`
}

// StorageConfig selects and configures the thumbnail blob store
type StorageConfig struct {
	Type    string   `toml:"type"` // "memory", "fs", "s3"
	BaseDir string   `toml:"base_dir"`
	S3      S3Config `toml:"s3"`
}

// S3Config mirrors s3storage.Config with file tags
type S3Config struct {
	Region                 string `toml:"region"`
	Bucket                 string `toml:"bucket"`
	AccessKeyID            string `toml:"access_key_id"`
	SecretAccessKey        string `toml:"secret_access_key"`
	Endpoint               string `toml:"endpoint"`
	UsePathStyle           bool   `toml:"use_path_style"`
	EnableSSE              bool   `toml:"enable_sse"`
	SSEAlgorithm           string `toml:"sse_algorithm"`
	SSEKMSKeyID            string `toml:"sse_kms_key_id"`
	CreateBucketIfNotExist bool   `toml:"create_bucket_if_not_exist"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case DatabaseMemory:
	case DatabasePostgres, DatabaseSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when using %s", c.DatabaseType)
		}
	default:
		return fmt.Errorf("database_type must be 'memory', 'postgres' or 'sqlite', got %q", c.DatabaseType)
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageFS:
		if c.Storage.BaseDir == "" {
			return errors.New("storage base_dir is required for fs storage")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage s3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("storage type must be 'memory', 'fs' or 's3', got %q", c.Storage.Type)
	}

	if c.KeyScheme != KeySchemeSharded && c.KeyScheme != KeySchemeTimestamp {
		return fmt.Errorf("key_scheme must be 'sharded' or 'timestamp', got %q", c.KeyScheme)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store_timeout must be positive")
	}
	if c.RetryMax < 0 {
		return errors.New("retry_max must not be negative")
	}
	if c.RetryMinInterval <= 0 || c.RetryMaxInterval < c.RetryMinInterval {
		return errors.New("retry intervals must be positive and min must not exceed max")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max_upload_bytes must be positive")
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return errors.New("jwt_secret is required in production")
	}

	return nil
}

// RetryPolicy returns the core retry policy described by the configuration
func (c *ServerConfig) RetryPolicy() simplepost.RetryPolicy {
	return simplepost.RetryPolicy{
		CallTimeout: c.StoreTimeout,
		MaxRetries:  c.RetryMax,
		MinInterval: c.RetryMinInterval,
		MaxInterval: c.RetryMaxInterval,
	}
}

// Runtime holds the service together with the stores it was built from.
type Runtime struct {
	Service     simplepost.Service
	Repository  simplepost.Repository
	BlobStore   simplepost.BlobStore
	BackendName string

	closers []func()
}

// Close releases database handles in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate applies the metadata schema when the repository has one.
func (r *Runtime) Migrate(ctx context.Context) error {
	m, ok := r.Repository.(migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

// BuildService creates the stores and a Service from the server configuration.
// A nil logger falls back to slog.Default().
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{BackendName: c.Storage.Type}

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	rt.Repository = repo

	if c.AutoMigrate {
		if err := rt.Migrate(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}

	store, err := c.buildBlobStore(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Type, err)
	}
	rt.BlobStore = store

	options := []simplepost.Option{
		simplepost.WithRepository(repo),
		simplepost.WithBlobStore(c.Storage.Type, store),
		simplepost.WithKeyGenerator(c.keyGenerator()),
		simplepost.WithLogger(logger),
		simplepost.WithRetryPolicy(c.RetryPolicy()),
	}
	if c.EnableEventLogging {
		options = append(options, simplepost.WithEventSink(simplepost.NewLoggingEventSink(logger)))
	}

	svc, err := simplepost.New(options...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func (c *ServerConfig) keyGenerator() objectkey.Generator {
	if c.KeyScheme == KeySchemeTimestamp {
		return objectkey.NewTimestampGenerator("thumbnails")
	}
	return objectkey.NewRecommendedGenerator()
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, rt *Runtime) (simplepost.Repository, error) {
	switch c.DatabaseType {
	case DatabaseMemory:
		return memory.New(), nil
	case DatabasePostgres:
		pool, err := newPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		return repopg.NewWithPool(pool), nil
	case DatabaseSQLite:
		repo, err := reposqlite.Open(c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = repo.Close() })
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func newPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// PingPostgres verifies connectivity to Postgres with the configured search_path.
func PingPostgres(ctx context.Context, databaseURL, schema string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	pool, err := newPool(ctx, databaseURL, schema)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// buildBlobStore creates a BlobStore based on the storage configuration
func (c *ServerConfig) buildBlobStore(ctx context.Context) (simplepost.BlobStore, error) {
	switch c.Storage.Type {
	case StorageMemory:
		return memorystorage.New(), nil
	case StorageFS:
		return fsstorage.New(fsstorage.Config{BaseDir: c.Storage.BaseDir})
	case StorageS3:
		s3c := c.Storage.S3
		return s3storage.New(ctx, s3storage.Config{
			Region:                 s3c.Region,
			Bucket:                 s3c.Bucket,
			AccessKeyID:            s3c.AccessKeyID,
			SecretAccessKey:        s3c.SecretAccessKey,
			Endpoint:               s3c.Endpoint,
			UsePathStyle:           s3c.UsePathStyle,
			EnableSSE:              s3c.EnableSSE,
			SSEAlgorithm:           s3c.SSEAlgorithm,
			SSEKMSKeyID:            s3c.SSEKMSKeyID,
			CreateBucketIfNotExist: s3c.CreateBucketIfNotExist,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}
