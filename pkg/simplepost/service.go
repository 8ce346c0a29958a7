package simplepost

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Service defines the main interface for the post lifecycle core
type Service interface {
	// Lifecycle operations
	CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error)
	EditPost(ctx context.Context, req EditPostRequest) (*Post, error)
	DeletePost(ctx context.Context, req DeletePostRequest) error

	// Query operations
	GetPost(ctx context.Context, id uuid.UUID) (*Post, error)
	ListPosts(ctx context.Context, params ListPostsParams) ([]*Post, error)
	ListPostsByCategory(ctx context.Context, category string) ([]*Post, error)
	ListPostsByCreator(ctx context.Context, creatorID uuid.UUID) ([]*Post, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	// OpenThumbnail streams the thumbnail of a post. The caller must close
	// the returned reader.
	OpenThumbnail(ctx context.Context, postID uuid.UUID) (io.ReadCloser, *Post, error)
}
