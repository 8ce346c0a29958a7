package admin

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
)

// AdminService repairs drift left behind by partially failed lifecycle
// operations and reports on the state of the stores.
//
// These operations bypass per-post authorization. Endpoints or commands
// exposing them must be restricted to operators.
type AdminService interface {
	// ReconcileCounters recounts live posts for the given users, or for every
	// known user and creator when none are given, and rewrites drifted counters.
	ReconcileCounters(ctx context.Context, userIDs ...uuid.UUID) (*CounterReport, error)

	// SweepInconsistencies repairs up to batchSize unresolved journal entries,
	// oldest first. Entries that could not be repaired stay in the journal.
	SweepInconsistencies(ctx context.Context, batchSize int) (*SweepReport, error)

	// ScanOrphans lists blobs under prefix that no post references. With apply
	// set, orphans older than the grace period are deleted.
	ScanOrphans(ctx context.Context, prefix string, apply bool) (*OrphanReport, error)

	// GetStatistics returns post, user and journal counts.
	GetStatistics(ctx context.Context) (*StatisticsResponse, error)
}

// Option configures an AdminService
type Option func(*adminService)

// WithLogger sets the logger used for repair actions
func WithLogger(logger *slog.Logger) Option {
	return func(s *adminService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOrphanGracePeriod sets the minimum age of a blob before ScanOrphans
// may delete it. Younger blobs may belong to a create still in flight.
func WithOrphanGracePeriod(d time.Duration) Option {
	return func(s *adminService) {
		if d >= 0 {
			s.gracePeriod = d
		}
	}
}

// DefaultOrphanGracePeriod is the grace period used when none is configured
const DefaultOrphanGracePeriod = time.Hour

// New creates a new AdminService over the given stores.
func New(repo simplepost.Repository, store simplepost.BlobStore, opts ...Option) AdminService {
	s := &adminService{
		repo:        repo,
		store:       store,
		logger:      slog.Default(),
		gracePeriod: DefaultOrphanGracePeriod,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
