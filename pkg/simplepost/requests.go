package simplepost

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
)

// CreatePostRequest contains parameters for creating a post.
// Thumbnail is required and must yield at least one byte.
type CreatePostRequest struct {
	CreatorID     uuid.UUID
	Title         string
	Category      string
	Description   string
	Thumbnail     io.Reader
	ThumbnailName string
	ThumbnailType string
}

// EditPostRequest contains parameters for editing a post.
// A nil Thumbnail keeps the current blob.
type EditPostRequest struct {
	EditorID      uuid.UUID
	PostID        uuid.UUID
	Title         string
	Category      string
	Description   string
	Thumbnail     io.Reader
	ThumbnailName string
	ThumbnailType string
}

// DeletePostRequest contains parameters for deleting a post
type DeletePostRequest struct {
	RequesterID uuid.UUID
	PostID      uuid.UUID
}

// Validate checks required fields without touching any store.
func (r CreatePostRequest) Validate() error {
	if r.CreatorID == uuid.Nil {
		return &ValidationError{Field: "creator_id", Reason: "is required"}
	}
	if err := validateFields(r.Title, r.Category, r.Description); err != nil {
		return err
	}
	if r.Thumbnail == nil {
		return &ValidationError{Field: "thumbnail", Reason: "is required"}
	}
	return nil
}

// Validate checks required fields without touching any store.
func (r EditPostRequest) Validate() error {
	if r.EditorID == uuid.Nil {
		return &ValidationError{Field: "editor_id", Reason: "is required"}
	}
	if r.PostID == uuid.Nil {
		return &ValidationError{Field: "post_id", Reason: "is required"}
	}
	return validateFields(r.Title, r.Category, r.Description)
}

// Validate checks required fields without touching any store.
func (r DeletePostRequest) Validate() error {
	if r.RequesterID == uuid.Nil {
		return &ValidationError{Field: "requester_id", Reason: "is required"}
	}
	if r.PostID == uuid.Nil {
		return &ValidationError{Field: "post_id", Reason: "is required"}
	}
	return nil
}

func validateFields(title, category, description string) error {
	fields := []struct {
		name  string
		value string
	}{
		{"title", title},
		{"category", category},
		{"description", description},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.name, Reason: "must not be empty"}
		}
	}
	return nil
}

// nonEmptyReader reads the first byte of r so an empty upload is rejected
// before any store is touched. Seekable readers are rewound and returned as
// is; others are wrapped so the byte is replayed.
func nonEmptyReader(r io.Reader) (io.Reader, error) {
	var first [1]byte
	n, err := io.ReadFull(r, first[:])
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ValidationError{Field: "thumbnail", Reason: "must not be empty"}
		}
		return nil, &ValidationError{Field: "thumbnail", Reason: "could not be read: " + err.Error()}
	}
	if seeker, ok := r.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err == nil {
			return seeker, nil
		}
	}
	return io.MultiReader(bytes.NewReader(first[:n]), r), nil
}
