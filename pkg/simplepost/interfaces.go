package simplepost

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// BlobStore defines the interface for thumbnail storage backends.
// Implementations must return ErrBlobNotFound (possibly wrapped) for absent keys.
type BlobStore interface {
	// Put streams reader into the store under key. It returns only after the
	// reader is fully consumed or an error occurred.
	Put(ctx context.Context, key string, reader io.Reader, opts PutOptions) error

	// Get opens the blob stored under key
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob stored under key
	Delete(ctx context.Context, key string) error

	// Stat returns metadata for the blob stored under key
	Stat(ctx context.Context, key string) (*BlobInfo, error)
}

// BlobLister is implemented by blob stores that can enumerate keys.
// Reconciliation uses it to find orphans that were never journaled.
type BlobLister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Repository defines the metadata store for posts, users and the
// inconsistency journal.
type Repository interface {
	// Post operations
	CreatePost(ctx context.Context, post *Post) error
	GetPost(ctx context.Context, id uuid.UUID) (*Post, error)
	// UpdatePost replaces the mutable fields of post if the stored version
	// equals expectedVersion, and bumps the stored version by one.
	UpdatePost(ctx context.Context, post *Post, expectedVersion int64) error
	DeletePost(ctx context.Context, id uuid.UUID) error
	// DeletePostAtVersion deletes the post only while its stored version
	// equals expectedVersion; otherwise it returns ErrVersionConflict.
	DeletePostAtVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error
	ListPosts(ctx context.Context, params ListPostsParams) ([]*Post, error)
	CountPostsByCreator(ctx context.Context, creatorID uuid.UUID) (int64, error)
	IsThumbnailReferenced(ctx context.Context, key string) (bool, error)

	// User counter operations
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	ListCreators(ctx context.Context) ([]uuid.UUID, error)
	// AdjustPostCount atomically adds delta to the user's counter, flooring
	// at zero, creating the user row if needed. It returns the new value.
	AdjustPostCount(ctx context.Context, userID uuid.UUID, delta int64) (int64, error)
	SetPostCount(ctx context.Context, userID uuid.UUID, count int64) error

	// Inconsistency journal
	RecordInconsistency(ctx context.Context, item *Inconsistency) error
	ListInconsistencies(ctx context.Context, limit int) ([]*Inconsistency, error)
	ResolveInconsistency(ctx context.Context, id uuid.UUID) error
}

// EventSink defines the interface for post lifecycle notifications
type EventSink interface {
	// PostCreated is fired when a post is created
	PostCreated(ctx context.Context, post *Post) error

	// PostUpdated is fired when a post is edited
	PostUpdated(ctx context.Context, post *Post) error

	// PostDeleted is fired when a post is deleted
	PostDeleted(ctx context.Context, postID uuid.UUID) error
}
