package admin

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
)

// ErrListingUnsupported is returned by ScanOrphans when the blob store cannot enumerate keys
var ErrListingUnsupported = errors.New("blob store does not support listing")

// CounterDrift is one user whose stored counter was compared with a recount
type CounterDrift struct {
	UserID uuid.UUID `json:"user_id"`
	Stored int64     `json:"stored"`
	Actual int64     `json:"actual"`
	Fixed  bool      `json:"fixed"`
}

// CounterReport summarizes a ReconcileCounters run
type CounterReport struct {
	Checked int            `json:"checked"`
	Drifted []CounterDrift `json:"drifted"`
}

// Sweep actions
const (
	ActionDeletedBlob    = "deleted_blob"
	ActionDeletedPost    = "deleted_post"
	ActionRecounted      = "recounted"
	ActionAlreadyHealthy = "already_healthy"
	ActionFailed         = "failed"
)

// SweepAction records what was done for one journal entry
type SweepAction struct {
	InconsistencyID uuid.UUID                    `json:"inconsistency_id"`
	Kind            simplepost.InconsistencyKind `json:"kind"`
	Action          string                       `json:"action"`
	Error           string                       `json:"error,omitempty"`
}

// SweepReport summarizes a SweepInconsistencies run
type SweepReport struct {
	Processed int           `json:"processed"`
	Resolved  int           `json:"resolved"`
	Failed    int           `json:"failed"`
	Actions   []SweepAction `json:"actions"`
}

// OrphanReport summarizes a ScanOrphans run
type OrphanReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`
	Young   int      `json:"young"` // orphans inside the grace period, left alone
}

// Statistics provides aggregated counts across the stores
type Statistics struct {
	TotalPosts       int64                                  `json:"total_posts"`
	TotalUsers       int64                                  `json:"total_users"`
	CounterSum       int64                                  `json:"counter_sum"`
	ByCategory       map[string]int64                       `json:"by_category"`
	OpenIssues       int64                                  `json:"open_issues"`
	OpenIssuesByKind map[simplepost.InconsistencyKind]int64 `json:"open_issues_by_kind"`
	OldestPost       *time.Time                             `json:"oldest_post,omitempty"`
	NewestPost       *time.Time                             `json:"newest_post,omitempty"`
}

// StatisticsResponse contains the statistics result
type StatisticsResponse struct {
	Statistics Statistics `json:"statistics"`
	ComputedAt time.Time  `json:"computed_at"`
}
