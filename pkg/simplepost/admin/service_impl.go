package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
)

// maxRepairAttempts bounds how often a repair re-reads a post that keeps
// changing underneath it.
const maxRepairAttempts = 3

// adminService implements the AdminService interface
type adminService struct {
	repo        simplepost.Repository
	store       simplepost.BlobStore
	logger      *slog.Logger
	gracePeriod time.Duration
	now         func() time.Time
}

var _ AdminService = (*adminService)(nil)

// ReconcileCounters rewrites PostCount wherever it differs from the number of live posts
func (s *adminService) ReconcileCounters(ctx context.Context, userIDs ...uuid.UUID) (*CounterReport, error) {
	stored := make(map[uuid.UUID]int64)
	if len(userIDs) == 0 {
		ids, err := s.knownUsers(ctx, stored)
		if err != nil {
			return nil, err
		}
		userIDs = ids
	} else {
		for _, id := range userIDs {
			user, err := s.repo.GetUser(ctx, id)
			switch {
			case errors.Is(err, simplepost.ErrUserNotFound):
				stored[id] = 0
			case err != nil:
				return nil, fmt.Errorf("get user %s: %w", id, err)
			default:
				stored[id] = user.PostCount
			}
		}
	}

	report := &CounterReport{Drifted: []CounterDrift{}}
	for _, id := range userIDs {
		actual, err := s.repo.CountPostsByCreator(ctx, id)
		if err != nil {
			return report, fmt.Errorf("count posts for %s: %w", id, err)
		}
		report.Checked++
		if actual == stored[id] {
			continue
		}

		drift := CounterDrift{UserID: id, Stored: stored[id], Actual: actual}
		if err := s.repo.SetPostCount(ctx, id, actual); err != nil {
			s.logger.ErrorContext(ctx, "failed to fix post counter", "user_id", id, "error", err)
		} else {
			drift.Fixed = true
			s.logger.InfoContext(ctx, "post counter fixed", "user_id", id, "stored", drift.Stored, "actual", actual)
		}
		report.Drifted = append(report.Drifted, drift)
	}
	return report, nil
}

// knownUsers returns the union of user rows and post creators, filling stored
// with the current counter values.
func (s *adminService) knownUsers(ctx context.Context, stored map[uuid.UUID]int64) ([]uuid.UUID, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	creators, err := s.repo.ListCreators(ctx)
	if err != nil {
		return nil, fmt.Errorf("list creators: %w", err)
	}

	for _, u := range users {
		stored[u.ID] = u.PostCount
	}
	for _, id := range creators {
		if _, ok := stored[id]; !ok {
			stored[id] = 0
		}
	}

	ids := make([]uuid.UUID, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// SweepInconsistencies repairs journal entries and resolves the ones that were handled
func (s *adminService) SweepInconsistencies(ctx context.Context, batchSize int) (*SweepReport, error) {
	items, err := s.repo.ListInconsistencies(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list inconsistencies: %w", err)
	}

	report := &SweepReport{Actions: []SweepAction{}}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		action := SweepAction{InconsistencyID: item.ID, Kind: item.Kind}
		result, err := s.repair(ctx, item)
		if err == nil {
			err = s.repo.ResolveInconsistency(ctx, item.ID)
		}
		if err != nil {
			action.Action = ActionFailed
			action.Error = err.Error()
			report.Failed++
			s.logger.WarnContext(ctx, "inconsistency repair failed",
				"id", item.ID, "kind", item.Kind, "post_id", item.PostID, "blob_key", item.BlobKey, "error", err)
		} else {
			action.Action = result
			report.Resolved++
			s.logger.InfoContext(ctx, "inconsistency repaired",
				"id", item.ID, "kind", item.Kind, "action", result)
		}
		report.Actions = append(report.Actions, action)
	}
	return report, nil
}

func (s *adminService) repair(ctx context.Context, item *simplepost.Inconsistency) (string, error) {
	switch item.Kind {
	case simplepost.InconsistencyOrphanBlob:
		return s.repairOrphanBlob(ctx, item.BlobKey)
	case simplepost.InconsistencyDanglingPost:
		return s.repairDanglingPost(ctx, item)
	case simplepost.InconsistencyStaleCounter:
		if item.UserID == uuid.Nil {
			return "", fmt.Errorf("stale counter entry without user id")
		}
		if err := s.recount(ctx, item.UserID); err != nil {
			return "", err
		}
		return ActionRecounted, nil
	default:
		return "", fmt.Errorf("unknown inconsistency kind %q", item.Kind)
	}
}

// repairOrphanBlob deletes key unless a post references it.
func (s *adminService) repairOrphanBlob(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("orphan blob entry without key")
	}
	referenced, err := s.repo.IsThumbnailReferenced(ctx, key)
	if err != nil {
		return "", err
	}
	if referenced {
		return ActionAlreadyHealthy, nil
	}
	if err := s.store.Delete(ctx, key); err != nil {
		if errors.Is(err, simplepost.ErrBlobNotFound) {
			return ActionAlreadyHealthy, nil
		}
		return "", err
	}
	return ActionDeletedBlob, nil
}

// repairDanglingPost removes a post record whose current thumbnail is gone and
// recounts its creator. The delete is conditional on the version that was
// checked, so a post edited meanwhile is re-examined instead of removed.
func (s *adminService) repairDanglingPost(ctx context.Context, item *simplepost.Inconsistency) (string, error) {
	for attempt := 0; attempt < maxRepairAttempts; attempt++ {
		post, err := s.repo.GetPost(ctx, item.PostID)
		if errors.Is(err, simplepost.ErrPostNotFound) {
			if item.UserID != uuid.Nil {
				if err := s.recount(ctx, item.UserID); err != nil {
					return "", err
				}
				return ActionRecounted, nil
			}
			return ActionAlreadyHealthy, nil
		}
		if err != nil {
			return "", err
		}

		_, err = s.store.Stat(ctx, post.ThumbnailKey)
		if err == nil {
			return ActionAlreadyHealthy, nil
		}
		if !errors.Is(err, simplepost.ErrBlobNotFound) {
			return "", err
		}

		err = s.repo.DeletePostAtVersion(ctx, post.ID, post.Version)
		if errors.Is(err, simplepost.ErrVersionConflict) {
			s.logger.InfoContext(ctx, "post changed during repair, checking again",
				"post_id", post.ID, "version", post.Version)
			continue
		}
		if err != nil && !errors.Is(err, simplepost.ErrPostNotFound) {
			return "", err
		}
		if err := s.recount(ctx, post.CreatorID); err != nil {
			return "", err
		}
		return ActionDeletedPost, nil
	}
	return "", fmt.Errorf("post %s kept changing during repair", item.PostID)
}

func (s *adminService) recount(ctx context.Context, userID uuid.UUID) error {
	actual, err := s.repo.CountPostsByCreator(ctx, userID)
	if err != nil {
		return err
	}
	return s.repo.SetPostCount(ctx, userID, actual)
}

// ScanOrphans finds blobs under prefix that no post references
func (s *adminService) ScanOrphans(ctx context.Context, prefix string, apply bool) (*OrphanReport, error) {
	lister, ok := s.store.(simplepost.BlobLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	keys, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}

	report := &OrphanReport{Orphans: []string{}}
	cutoff := s.now().Add(-s.gracePeriod)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		referenced, err := s.repo.IsThumbnailReferenced(ctx, key)
		if err != nil {
			return report, fmt.Errorf("check reference for %s: %w", key, err)
		}
		if referenced {
			continue
		}
		report.Orphans = append(report.Orphans, key)
		if !apply {
			continue
		}

		info, err := s.store.Stat(ctx, key)
		if errors.Is(err, simplepost.ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("stat %s: %w", key, err)
		}
		if info.UpdatedAt.After(cutoff) {
			report.Young++
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, simplepost.ErrBlobNotFound) {
			return report, fmt.Errorf("delete %s: %w", key, err)
		}
		report.Deleted++
		s.logger.InfoContext(ctx, "orphan blob deleted", "blob_key", key)
	}
	return report, nil
}

// GetStatistics returns aggregated counts across the stores
func (s *adminService) GetStatistics(ctx context.Context) (*StatisticsResponse, error) {
	posts, err := s.repo.ListPosts(ctx, simplepost.ListPostsParams{})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	issues, err := s.repo.ListInconsistencies(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list inconsistencies: %w", err)
	}

	stats := Statistics{
		TotalPosts:       int64(len(posts)),
		TotalUsers:       int64(len(users)),
		ByCategory:       make(map[string]int64),
		OpenIssues:       int64(len(issues)),
		OpenIssuesByKind: make(map[simplepost.InconsistencyKind]int64),
	}
	for _, p := range posts {
		stats.ByCategory[p.Category]++
		created := p.CreatedAt
		if stats.OldestPost == nil || created.Before(*stats.OldestPost) {
			stats.OldestPost = &created
		}
		if stats.NewestPost == nil || created.After(*stats.NewestPost) {
			stats.NewestPost = &created
		}
	}
	for _, u := range users {
		stats.CounterSum += u.PostCount
	}
	for _, item := range issues {
		stats.OpenIssuesByKind[item.Kind]++
	}

	return &StatisticsResponse{
		Statistics: stats,
		ComputedAt: s.now(),
	}, nil
}
