// Package presets builds ready-to-use services for common setups.
package presets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
	"github.com/tendant/simple-post/pkg/simplepost/config"
	memoryrepo "github.com/tendant/simple-post/pkg/simplepost/repo/memory"
	memorystorage "github.com/tendant/simple-post/pkg/simplepost/storage/memory"
)

// FixtureCreatorID owns the sample post seeded by WithTestFixtures.
var FixtureCreatorID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

// NewDevelopment creates a service for local development.
//
// Metadata lives in a SQLite file and thumbnails on the filesystem, both
// under ./dev-data/ unless WithDevStorage says otherwise. The returned
// cleanup closes the stores and removes the directory.
//
// Example:
//
//	svc, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (simplepost.Service, func(), error) {
	cfg := &devConfig{
		storageDir: "./dev-data",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	serverCfg, err := config.Load(
		config.WithEnvironment("development"),
		config.WithDatabase(config.DatabaseSQLite, filepath.Join(cfg.storageDir, "posts.db")),
		config.WithAutoMigrate(true),
		config.WithFilesystemStorage(filepath.Join(cfg.storageDir, "blobs")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load development config: %w", err)
	}

	rt, err := serverCfg.BuildService(context.Background(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}

	cleanup := func() {
		rt.Close()
		os.RemoveAll(cfg.storageDir)
	}
	return rt.Service, cleanup, nil
}

// NewTesting creates an isolated in-memory service for tests.
func NewTesting(t *testing.T, opts ...TestingOption) simplepost.Service {
	t.Helper()

	cfg := &testConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	svc, err := simplepost.New(
		simplepost.WithRepository(memoryrepo.New()),
		simplepost.WithBlobStore("memory", memorystorage.New()),
	)
	if err != nil {
		t.Fatalf("failed to create test service: %v", err)
	}

	if cfg.fixtures {
		if err := seed(context.Background(), svc); err != nil {
			t.Fatalf("failed to seed fixtures: %v", err)
		}
	}
	return svc
}

// NewProduction creates a service from the environment.
//
// Required Environment Variables:
//   - DATABASE_URL: postgres:// connection string
//   - STORAGE_URL: s3:// or file:// location
//   - JWT_SECRET
//
// The caller owns the returned runtime and must Close it.
func NewProduction(ctx context.Context, opts ...ProductionOption) (*config.Runtime, error) {
	cfg := &prodConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	serverCfg, err := config.Load(append([]config.Option{
		config.WithEnvironment("production"),
		config.WithEnv(),
	}, cfg.options...)...)
	if err != nil {
		return nil, err
	}

	if serverCfg.DatabaseType != config.DatabasePostgres {
		return nil, fmt.Errorf("production preset requires postgres, got %q", serverCfg.DatabaseType)
	}
	if serverCfg.Storage.Type == config.StorageMemory {
		return nil, errors.New("production preset requires persistent storage (s3 or fs, not memory)")
	}

	return serverCfg.BuildService(ctx, nil)
}

func seed(ctx context.Context, svc simplepost.Service) error {
	_, err := svc.CreatePost(ctx, simplepost.CreatePostRequest{
		CreatorID:     FixtureCreatorID,
		Title:         "Welcome",
		Category:      "general",
		Description:   "Sample post",
		Thumbnail:     strings.NewReader("sample thumbnail"),
		ThumbnailName: "welcome.png",
		ThumbnailType: "image/png",
	})
	return err
}

type devConfig struct {
	storageDir string
}

type testConfig struct {
	fixtures bool
}

type prodConfig struct {
	options []config.Option
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevStorage sets the development data directory
func WithDevStorage(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.storageDir = dir
	}
}

// TestingOption is a functional option for NewTesting
type TestingOption func(*testConfig)

// WithTestFixtures seeds one post owned by FixtureCreatorID
func WithTestFixtures() TestingOption {
	return func(cfg *testConfig) {
		cfg.fixtures = true
	}
}

// ProductionOption is a functional option for NewProduction
type ProductionOption func(*prodConfig)

// WithProdConfig applies config options after the environment is read
func WithProdConfig(opts ...config.Option) ProductionOption {
	return func(cfg *prodConfig) {
		cfg.options = append(cfg.options, opts...)
	}
}
