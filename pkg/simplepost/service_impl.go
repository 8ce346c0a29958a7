package simplepost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost/objectkey"
)

// service implements the Service interface
type service struct {
	repository  Repository
	blobStore   BlobStore
	blobBackend string
	eventSink   EventSink
	keyGen      objectkey.Generator
	logger      *slog.Logger
	retry       RetryPolicy
	locks       *keyedMutex
	now         func() time.Time
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the metadata repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore sets the thumbnail storage backend. name is reported in
// storage errors.
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		s.blobBackend = name
		s.blobStore = store
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithKeyGenerator sets the blob naming strategy
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(s *service) {
		s.keyGen = gen
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithRetryPolicy sets per-call timeouts and retry bounds for store calls
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *service) {
		s.retry = policy
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		retry: DefaultRetryPolicy(),
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.blobStore == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.keyGen == nil {
		s.keyGen = objectkey.NewRecommendedGenerator()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.retry = s.retry.withDefaults()

	return s, nil
}

// Lifecycle operations

func (s *service) CreatePost(ctx context.Context, req CreatePostRequest) (*Post, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	thumbnail, err := nonEmptyReader(req.Thumbnail)
	if err != nil {
		return nil, err
	}

	now := s.now()
	post := &Post{
		ID:            uuid.New(),
		Title:         req.Title,
		Category:      req.Category,
		Description:   req.Description,
		CreatorID:     req.CreatorID,
		ThumbnailName: req.ThumbnailName,
		ThumbnailType: req.ThumbnailType,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	post.ThumbnailKey = s.generateKey(post, req.ThumbnailName, req.ThumbnailType)

	if err := s.putBlob(ctx, "create", post, thumbnail); err != nil {
		return nil, err
	}

	if state, err := s.insertPost(ctx, post); err != nil {
		if state == writeUnknown {
			// The post may be committed and pointing at the blob.
			settle := context.WithoutCancel(ctx)
			s.keepBlob(settle, "create", post.ID, post.CreatorID, post.ThumbnailKey, err)
			s.warn(settle, &ConsistencyWarning{
				Kind:   InconsistencyStaleCounter,
				Op:     "create",
				PostID: post.ID,
				UserID: post.CreatorID,
				Err:    err,
			})
		} else {
			s.discardBlob(ctx, "create", post.ID, post.CreatorID, post.ThumbnailKey, err)
		}
		return nil, s.metadataError("create_post", post.ID, err)
	}

	// The post is committed; the remaining steps must not be cut short by
	// the caller going away.
	settle := context.WithoutCancel(ctx)
	s.adjustPostCount(settle, "create", post.CreatorID, post.ID, 1)

	if err := s.eventSink.PostCreated(ctx, post); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "post_created", "post_id", post.ID, "error", err)
	}

	return post, nil
}

func (s *service) EditPost(ctx context.Context, req EditPostRequest) (*Post, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var thumbnail io.Reader
	if req.Thumbnail != nil {
		r, err := nonEmptyReader(req.Thumbnail)
		if err != nil {
			return nil, err
		}
		thumbnail = r
	}

	unlock, err := s.locks.Lock(ctx, req.PostID)
	if err != nil {
		return nil, &StorageError{Store: "metadata", Op: "lock", Key: req.PostID.String(), Err: err}
	}
	defer unlock()

	current, err := s.loadPost(ctx, req.PostID)
	if err != nil {
		return nil, err
	}
	if current.CreatorID != req.EditorID {
		return nil, &AuthorizationError{PostID: current.ID, ActorID: req.EditorID}
	}

	updated := *current
	updated.Title = req.Title
	updated.Category = req.Category
	updated.Description = req.Description
	updated.UpdatedAt = s.now()

	if thumbnail == nil {
		if _, err := s.swapPost(ctx, &updated, current.Version); err != nil {
			return nil, s.metadataError("update_post", current.ID, err)
		}
		s.emitUpdated(ctx, &updated)
		return &updated, nil
	}

	updated.ThumbnailName = req.ThumbnailName
	updated.ThumbnailType = req.ThumbnailType
	updated.ThumbnailKey = s.generateKey(&updated, req.ThumbnailName, req.ThumbnailType)

	if err := s.putBlob(ctx, "edit", &updated, thumbnail); err != nil {
		return nil, err
	}

	if state, err := s.swapPost(ctx, &updated, current.Version); err != nil {
		if state == writeUnknown {
			// Either key may be the one the stored post references.
			settle := context.WithoutCancel(ctx)
			s.keepBlob(settle, "edit", updated.ID, updated.CreatorID, updated.ThumbnailKey, err)
			s.keepBlob(settle, "edit", current.ID, current.CreatorID, current.ThumbnailKey, err)
		} else {
			s.discardBlob(ctx, "edit", updated.ID, updated.CreatorID, updated.ThumbnailKey, err)
		}
		return nil, s.metadataError("update_post", current.ID, err)
	}

	settle := context.WithoutCancel(ctx)
	if err := s.deleteBlob(settle, "edit", current.ThumbnailKey); err != nil {
		s.warn(settle, &ConsistencyWarning{
			Kind:    InconsistencyOrphanBlob,
			Op:      "edit",
			PostID:  current.ID,
			UserID:  current.CreatorID,
			BlobKey: current.ThumbnailKey,
			Err:     err,
		})
	}

	s.emitUpdated(ctx, &updated)
	return &updated, nil
}

func (s *service) DeletePost(ctx context.Context, req DeletePostRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, req.PostID)
	if err != nil {
		return &StorageError{Store: "metadata", Op: "lock", Key: req.PostID.String(), Err: err}
	}
	defer unlock()

	current, err := s.loadPost(ctx, req.PostID)
	if err != nil {
		return err
	}
	if current.CreatorID != req.RequesterID {
		return &AuthorizationError{PostID: current.ID, ActorID: req.RequesterID}
	}

	if err := s.deleteBlob(ctx, "delete", current.ThumbnailKey); err != nil {
		return s.blobError("delete", current.ThumbnailKey, err)
	}

	// From here on the post references a missing blob until its record is
	// gone, so the caller's cancellation no longer applies.
	settle := context.WithoutCancel(ctx)
	attempts := 0
	err = s.withRetry(settle, "delete_post", func(ctx context.Context) error {
		attempts++
		return s.repository.DeletePost(ctx, current.ID)
	}, nil)
	if errors.Is(err, ErrPostNotFound) && attempts > 1 {
		// an earlier attempt landed
		err = nil
	}
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return s.metadataError("delete_post", current.ID, err)
		}
		s.warn(settle, &ConsistencyWarning{
			Kind:    InconsistencyDanglingPost,
			Op:      "delete",
			PostID:  current.ID,
			UserID:  current.CreatorID,
			BlobKey: current.ThumbnailKey,
			Err:     err,
		})
		return s.metadataError("delete_post", current.ID, err)
	}

	s.adjustPostCount(settle, "delete", current.CreatorID, current.ID, -1)

	if err := s.eventSink.PostDeleted(ctx, current.ID); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "post_deleted", "post_id", current.ID, "error", err)
	}
	return nil
}

// Query operations

func (s *service) GetPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	if id == uuid.Nil {
		return nil, &ValidationError{Field: "post_id", Reason: "is required"}
	}
	return s.loadPost(ctx, id)
}

func (s *service) ListPosts(ctx context.Context, params ListPostsParams) ([]*Post, error) {
	if params.Limit < 0 || params.Offset < 0 {
		return nil, &ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	var posts []*Post
	err := s.withRetry(ctx, "list_posts", func(ctx context.Context) error {
		var err error
		posts, err = s.repository.ListPosts(ctx, params)
		return err
	}, nil)
	if err != nil {
		return nil, &StorageError{Store: "metadata", Op: "list_posts", Err: err}
	}
	return posts, nil
}

func (s *service) ListPostsByCategory(ctx context.Context, category string) ([]*Post, error) {
	if category == "" {
		return nil, &ValidationError{Field: "category", Reason: "is required"}
	}
	return s.ListPosts(ctx, ListPostsParams{Category: category})
}

func (s *service) ListPostsByCreator(ctx context.Context, creatorID uuid.UUID) ([]*Post, error) {
	if creatorID == uuid.Nil {
		return nil, &ValidationError{Field: "creator_id", Reason: "is required"}
	}
	return s.ListPosts(ctx, ListPostsParams{CreatorID: creatorID})
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if id == uuid.Nil {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	var user *User
	err := s.withRetry(ctx, "get_user", func(ctx context.Context) error {
		var err error
		user, err = s.repository.GetUser(ctx, id)
		return err
	}, nil)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: id.String(), Err: err}
		}
		return nil, &StorageError{Store: "metadata", Op: "get_user", Key: id.String(), Err: err}
	}
	return user, nil
}

func (s *service) OpenThumbnail(ctx context.Context, postID uuid.UUID) (io.ReadCloser, *Post, error) {
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.openBlob(ctx, post.ThumbnailKey)
	if errors.Is(err, ErrBlobNotFound) {
		// An edit may have swapped the blob after we read the post.
		fresh, ferr := s.loadPost(ctx, postID)
		if ferr != nil {
			return nil, nil, ferr
		}
		if fresh.ThumbnailKey != post.ThumbnailKey {
			post = fresh
			rc, err = s.openBlob(ctx, post.ThumbnailKey)
		}
	}
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			s.warn(ctx, &ConsistencyWarning{
				Kind:    InconsistencyDanglingPost,
				Op:      "read",
				PostID:  post.ID,
				UserID:  post.CreatorID,
				BlobKey: post.ThumbnailKey,
				Err:     err,
			})
			return nil, nil, &NotFoundError{Resource: "thumbnail", ID: post.ThumbnailKey, Err: err}
		}
		return nil, nil, s.blobError("get", post.ThumbnailKey, err)
	}
	return rc, post, nil
}

// Store helpers

func (s *service) generateKey(post *Post, fileName, contentType string) string {
	return s.keyGen.GenerateKey(post.ID, &objectkey.KeyMetadata{
		FileName:    fileName,
		ContentType: contentType,
		CreatorID:   post.CreatorID,
	})
}

func (s *service) loadPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	var post *Post
	err := s.withRetry(ctx, "get_post", func(ctx context.Context) error {
		var err error
		post, err = s.repository.GetPost(ctx, id)
		return err
	}, nil)
	if err != nil {
		return nil, s.metadataError("get_post", id, err)
	}
	return post, nil
}

// writeState is what the core knows about a metadata write that reported
// an error.
type writeState int

const (
	writeNotLanded writeState = iota
	writeLanded
	writeUnknown
)

// insertPost stores a new post. A failure that might hide a committed insert
// is checked against the store before being reported.
func (s *service) insertPost(ctx context.Context, post *Post) (writeState, error) {
	err := s.withRetry(ctx, "create_post", func(ctx context.Context) error {
		return s.repository.CreatePost(ctx, post)
	}, nil)
	if err == nil {
		return writeLanded, nil
	}
	state := s.postLanded(ctx, post, post.Version)
	if state == writeLanded {
		return writeLanded, nil
	}
	return state, err
}

// swapPost writes post if the stored version still equals expected.
func (s *service) swapPost(ctx context.Context, post *Post, expected int64) (writeState, error) {
	err := s.withRetry(ctx, "update_post", func(ctx context.Context) error {
		candidate := *post
		if err := s.repository.UpdatePost(ctx, &candidate, expected); err != nil {
			return err
		}
		*post = candidate
		return nil
	}, nil)
	if err == nil {
		return writeLanded, nil
	}
	if errors.Is(err, ErrPostNotFound) {
		return writeNotLanded, err
	}
	state := s.postLanded(ctx, post, expected+1)
	if state == writeLanded {
		post.Version = expected + 1
		return writeLanded, nil
	}
	return state, err
}

// postLanded reads the post back to decide whether a write that reported an
// error was committed at version. A failed read or a post already moved past
// version leaves the outcome unknown.
func (s *service) postLanded(ctx context.Context, post *Post, version int64) writeState {
	var stored *Post
	err := s.call(context.WithoutCancel(ctx), func(ctx context.Context) error {
		var err error
		stored, err = s.repository.GetPost(ctx, post.ID)
		return err
	})
	switch {
	case errors.Is(err, ErrPostNotFound):
		return writeNotLanded
	case err != nil:
		return writeUnknown
	case stored.Version > version:
		return writeUnknown
	}
	if stored.Version == version &&
		stored.ThumbnailKey == post.ThumbnailKey &&
		stored.CreatorID == post.CreatorID &&
		stored.Title == post.Title &&
		stored.Category == post.Category &&
		stored.Description == post.Description {
		return writeLanded
	}
	return writeNotLanded
}

// putBlob writes the thumbnail for post. Seekable readers are retried after
// the key is cleared; streams get a single attempt. Any failure triggers a
// compensating delete of the key.
func (s *service) putBlob(ctx context.Context, op string, post *Post, r io.Reader) error {
	key := post.ThumbnailKey
	opts := PutOptions{ContentType: post.ThumbnailType, FileName: post.ThumbnailName}
	put := func(ctx context.Context) error {
		return s.blobStore.Put(ctx, key, r, opts)
	}

	var err error
	if seeker, ok := r.(io.Seeker); ok {
		err = s.withRetry(ctx, "put_blob", put, func(ctx context.Context) error {
			if err := s.blobStore.Delete(ctx, key); err != nil && !errors.Is(err, ErrBlobNotFound) {
				return err
			}
			_, err := seeker.Seek(0, io.SeekStart)
			return err
		})
	} else {
		err = s.call(ctx, put)
	}
	if err != nil {
		s.discardBlob(ctx, op, post.ID, post.CreatorID, key, err)
		return s.blobError("put", key, err)
	}
	return nil
}

func (s *service) openBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.withRetry(ctx, "get_blob", func(context.Context) error {
		// The stream outlives this call, so it gets its own deadline that is
		// released when the reader is closed.
		openCtx, cancel := context.WithTimeout(ctx, s.retry.CallTimeout)
		r, err := s.blobStore.Get(openCtx, key)
		if err != nil {
			cancel()
			return err
		}
		rc = &cancelOnClose{ReadCloser: r, cancel: cancel}
		return nil
	}, nil)
	return rc, err
}

// deleteBlob removes key, treating an absent blob as already deleted.
func (s *service) deleteBlob(ctx context.Context, op string, key string) error {
	err := s.withRetry(ctx, op+"_delete_blob", func(ctx context.Context) error {
		return s.blobStore.Delete(ctx, key)
	}, nil)
	if errors.Is(err, ErrBlobNotFound) {
		return nil
	}
	return err
}

// discardBlob is the compensating delete for a blob that no committed post
// references. If it fails the blob is reported as an orphan.
func (s *service) discardBlob(ctx context.Context, op string, postID, userID uuid.UUID, key string, cause error) {
	settle := context.WithoutCancel(ctx)
	if err := s.deleteBlob(settle, op, key); err != nil {
		s.warn(settle, &ConsistencyWarning{
			Kind:    InconsistencyOrphanBlob,
			Op:      op,
			PostID:  postID,
			UserID:  userID,
			BlobKey: key,
			Err:     errors.Join(cause, err),
		})
	}
}

// keepBlob leaves key in place because a committed post may reference it and
// journals it as a candidate orphan. The sweeper deletes it only once no post
// references it.
func (s *service) keepBlob(ctx context.Context, op string, postID, userID uuid.UUID, key string, cause error) {
	s.warn(ctx, &ConsistencyWarning{
		Kind:    InconsistencyOrphanBlob,
		Op:      op,
		PostID:  postID,
		UserID:  userID,
		BlobKey: key,
		Err:     cause,
	})
}

func (s *service) adjustPostCount(ctx context.Context, op string, userID, postID uuid.UUID, delta int64) {
	err := s.withRetry(ctx, "adjust_post_count", func(ctx context.Context) error {
		_, err := s.repository.AdjustPostCount(ctx, userID, delta)
		return err
	}, nil)
	if err != nil {
		s.warn(ctx, &ConsistencyWarning{
			Kind:   InconsistencyStaleCounter,
			Op:     op,
			PostID: postID,
			UserID: userID,
			Err:    err,
		})
	}
}

func (s *service) emitUpdated(ctx context.Context, post *Post) {
	if err := s.eventSink.PostUpdated(ctx, post); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "event", "post_updated", "post_id", post.ID, "error", err)
	}
}

// warn logs w and appends it to the inconsistency journal for reconciliation.
func (s *service) warn(ctx context.Context, w *ConsistencyWarning) {
	s.logger.WarnContext(ctx, "consistency warning",
		"kind", w.Kind,
		"op", w.Op,
		"post_id", w.PostID,
		"user_id", w.UserID,
		"blob_key", w.BlobKey,
		"error", w.Err,
	)

	item := &Inconsistency{
		ID:        uuid.New(),
		Kind:      w.Kind,
		Op:        w.Op,
		PostID:    w.PostID,
		UserID:    w.UserID,
		BlobKey:   w.BlobKey,
		CreatedAt: s.now(),
	}
	if w.Err != nil {
		item.Cause = w.Err.Error()
	}

	err := s.withRetry(context.WithoutCancel(ctx), "record_inconsistency", func(ctx context.Context) error {
		return s.repository.RecordInconsistency(ctx, item)
	}, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to journal consistency warning",
			"kind", w.Kind, "post_id", w.PostID, "blob_key", w.BlobKey, "error", err)
	}
}

func (s *service) metadataError(op string, postID uuid.UUID, err error) error {
	if errors.Is(err, ErrPostNotFound) {
		return &NotFoundError{Resource: "post", ID: postID.String(), Err: err}
	}
	return &StorageError{Store: "metadata", Op: op, Key: postID.String(), Err: err}
}

func (s *service) blobError(op, key string, err error) error {
	return &StorageError{Store: "blob", Backend: s.blobBackend, Key: key, Op: op, Err: err}
}
