package simplepost

import (
	"time"

	"github.com/google/uuid"
)

// Post is a content post with exactly one attached thumbnail blob.
//
// ThumbnailKey is written only by the lifecycle core. For an active post it
// is never empty and always names a blob that exists.
type Post struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	CreatorID     uuid.UUID `json:"creator_id"`
	ThumbnailKey  string    `json:"thumbnail_key"`
	ThumbnailName string    `json:"thumbnail_name,omitempty"`
	ThumbnailType string    `json:"thumbnail_type,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// User carries the denormalized post counter for a creator.
type User struct {
	ID        uuid.UUID `json:"id"`
	PostCount int64     `json:"post_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InconsistencyKind classifies drift left behind by a partially failed operation.
type InconsistencyKind string

const (
	// InconsistencyOrphanBlob is a blob that no post references.
	InconsistencyOrphanBlob InconsistencyKind = "orphan_blob"
	// InconsistencyDanglingPost is a post record whose blob was already deleted.
	InconsistencyDanglingPost InconsistencyKind = "dangling_post"
	// InconsistencyStaleCounter is a user whose PostCount missed an adjustment.
	InconsistencyStaleCounter InconsistencyKind = "stale_counter"
)

// Inconsistency is one journal entry consumed by reconciliation.
type Inconsistency struct {
	ID        uuid.UUID         `json:"id"`
	Kind      InconsistencyKind `json:"kind"`
	Op        string            `json:"op"`
	PostID    uuid.UUID         `json:"post_id,omitempty"`
	UserID    uuid.UUID         `json:"user_id,omitempty"`
	BlobKey   string            `json:"blob_key,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
	UpdatedAt   time.Time
}

// PutOptions carries optional attributes for a blob write.
type PutOptions struct {
	ContentType string
	FileName    string
}

// ListPostsParams filters the query surface. Zero values mean "no filter".
type ListPostsParams struct {
	Category  string
	CreatorID uuid.UUID
	Limit     int
	Offset    int
}
