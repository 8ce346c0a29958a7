package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
)

// Repository implements simplepost.Repository using in-memory storage
type Repository struct {
	mu              sync.RWMutex
	posts           map[uuid.UUID]*simplepost.Post
	users           map[uuid.UUID]*simplepost.User
	inconsistencies map[uuid.UUID]*simplepost.Inconsistency
	resolved        map[uuid.UUID]bool
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		posts:           make(map[uuid.UUID]*simplepost.Post),
		users:           make(map[uuid.UUID]*simplepost.User),
		inconsistencies: make(map[uuid.UUID]*simplepost.Inconsistency),
		resolved:        make(map[uuid.UUID]bool),
	}
}

// Post operations

func (r *Repository) CreatePost(ctx context.Context, post *simplepost.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.posts[post.ID]; exists {
		return simplepost.ErrPostExists
	}

	// Create a copy to avoid external modifications
	postCopy := *post
	r.posts[post.ID] = &postCopy
	return nil
}

func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*simplepost.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	post, exists := r.posts[id]
	if !exists {
		return nil, simplepost.ErrPostNotFound
	}
	postCopy := *post
	return &postCopy, nil
}

func (r *Repository) UpdatePost(ctx context.Context, post *simplepost.Post, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.posts[post.ID]
	if !exists {
		return simplepost.ErrPostNotFound
	}
	if stored.Version != expectedVersion {
		return simplepost.ErrVersionConflict
	}

	postCopy := *post
	postCopy.CreatorID = stored.CreatorID
	postCopy.CreatedAt = stored.CreatedAt
	postCopy.Version = expectedVersion + 1
	r.posts[post.ID] = &postCopy

	post.Version = postCopy.Version
	return nil
}

func (r *Repository) DeletePost(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.posts[id]; !exists {
		return simplepost.ErrPostNotFound
	}
	delete(r.posts, id)
	return nil
}

func (r *Repository) DeletePostAtVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	post, exists := r.posts[id]
	if !exists {
		return simplepost.ErrPostNotFound
	}
	if post.Version != expectedVersion {
		return simplepost.ErrVersionConflict
	}
	delete(r.posts, id)
	return nil
}

func (r *Repository) ListPosts(ctx context.Context, params simplepost.ListPostsParams) ([]*simplepost.Post, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplepost.Post
	for _, post := range r.posts {
		if params.Category != "" && post.Category != params.Category {
			continue
		}
		if params.CreatorID != uuid.Nil && post.CreatorID != params.CreatorID {
			continue
		}
		postCopy := *post
		result = append(result, &postCopy)
	}

	// Sort by updated_at descending
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if params.Offset > 0 {
		if params.Offset >= len(result) {
			return []*simplepost.Post{}, nil
		}
		result = result[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(result) {
		result = result[:params.Limit]
	}
	return result, nil
}

func (r *Repository) CountPostsByCreator(ctx context.Context, creatorID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, post := range r.posts {
		if post.CreatorID == creatorID {
			n++
		}
	}
	return n, nil
}

func (r *Repository) IsThumbnailReferenced(ctx context.Context, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, post := range r.posts {
		if post.ThumbnailKey == key {
			return true, nil
		}
	}
	return false, nil
}

// User counter operations

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*simplepost.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, simplepost.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]*simplepost.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*simplepost.User, 0, len(r.users))
	for _, user := range r.users {
		userCopy := *user
		result = append(result, &userCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

func (r *Repository) ListCreators(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	var result []uuid.UUID
	for _, post := range r.posts {
		if _, ok := seen[post.CreatorID]; ok {
			continue
		}
		seen[post.CreatorID] = struct{}{}
		result = append(result, post.CreatorID)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result, nil
}

func (r *Repository) AdjustPostCount(ctx context.Context, userID uuid.UUID, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	user := r.user(userID, now)
	user.PostCount += delta
	if user.PostCount < 0 {
		user.PostCount = 0
	}
	user.UpdatedAt = now
	return user.PostCount, nil
}

func (r *Repository) SetPostCount(ctx context.Context, userID uuid.UUID, count int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if count < 0 {
		count = 0
	}
	now := time.Now().UTC()
	user := r.user(userID, now)
	user.PostCount = count
	user.UpdatedAt = now
	return nil
}

// user returns the record for id, creating it if needed. Callers hold r.mu.
func (r *Repository) user(id uuid.UUID, now time.Time) *simplepost.User {
	user, exists := r.users[id]
	if !exists {
		user = &simplepost.User{ID: id, CreatedAt: now, UpdatedAt: now}
		r.users[id] = user
	}
	return user
}

// Inconsistency journal

func (r *Repository) RecordInconsistency(ctx context.Context, item *simplepost.Inconsistency) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	itemCopy := *item
	if itemCopy.ID == uuid.Nil {
		itemCopy.ID = uuid.New()
	}
	if itemCopy.CreatedAt.IsZero() {
		itemCopy.CreatedAt = time.Now().UTC()
	}
	r.inconsistencies[itemCopy.ID] = &itemCopy
	return nil
}

// ListInconsistencies returns unresolved entries, oldest first.
func (r *Repository) ListInconsistencies(ctx context.Context, limit int) ([]*simplepost.Inconsistency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplepost.Inconsistency
	for id, item := range r.inconsistencies {
		if r.resolved[id] {
			continue
		}
		itemCopy := *item
		result = append(result, &itemCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) ResolveInconsistency(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.inconsistencies[id]; !exists {
		return simplepost.ErrInconsistencyNotFound
	}
	r.resolved[id] = true
	return nil
}

var _ simplepost.Repository = (*Repository)(nil)
