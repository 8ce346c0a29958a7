package simplepost_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-post/pkg/simplepost"
	"github.com/tendant/simple-post/pkg/simplepost/admin"
	"github.com/tendant/simple-post/pkg/simplepost/repo/memory"
	memorystorage "github.com/tendant/simple-post/pkg/simplepost/storage/memory"
)

type fixture struct {
	svc   simplepost.Service
	repo  *faultyRepo
	blobs *faultyBlobs
	logs  *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testRetryPolicy() simplepost.RetryPolicy {
	return simplepost.RetryPolicy{
		CallTimeout: time.Second,
		MaxRetries:  3,
		MinInterval: time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
	}
}

func newFixture(t *testing.T, opts ...simplepost.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:  newFaultyRepo(),
		blobs: newFaultyBlobs(),
		logs:  &syncBuffer{},
	}
	base := []simplepost.Option{
		simplepost.WithRepository(f.repo),
		simplepost.WithBlobStore("memory", f.blobs),
		simplepost.WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))),
		simplepost.WithRetryPolicy(testRetryPolicy()),
	}
	svc, err := simplepost.New(append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T, creator uuid.UUID, payload string) *simplepost.Post {
	t.Helper()
	post, err := f.svc.CreatePost(context.Background(), simplepost.CreatePostRequest{
		CreatorID:     creator,
		Title:         "A",
		Category:      "news",
		Description:   "desc",
		Thumbnail:     strings.NewReader(payload),
		ThumbnailName: "thumb.png",
		ThumbnailType: "image/png",
	})
	require.NoError(t, err)
	return post
}

func (f *fixture) blob(t *testing.T, key string) string {
	t.Helper()
	rc, err := f.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) postCount(t *testing.T, user uuid.UUID) int64 {
	t.Helper()
	u, err := f.repo.GetUser(context.Background(), user)
	if errors.Is(err, simplepost.ErrUserNotFound) {
		return 0
	}
	require.NoError(t, err)
	return u.PostCount
}

func (f *fixture) journal(t *testing.T) []*simplepost.Inconsistency {
	t.Helper()
	items, err := f.repo.ListInconsistencies(context.Background(), 0)
	require.NoError(t, err)
	return items
}

func TestServiceCreation(t *testing.T) {
	t.Run("requires repository", func(t *testing.T) {
		_, err := simplepost.New(simplepost.WithBlobStore("memory", memorystorage.New()))
		assert.Error(t, err)
	})

	t.Run("requires blob store", func(t *testing.T) {
		_, err := simplepost.New(simplepost.WithRepository(memory.New()))
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		svc, err := simplepost.New(
			simplepost.WithRepository(memory.New()),
			simplepost.WithBlobStore("memory", memorystorage.New()),
		)
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestCreatePost(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()

	post := f.create(t, creator, "X")

	assert.Equal(t, "A", post.Title)
	assert.Equal(t, creator, post.CreatorID)
	assert.Equal(t, int64(1), post.Version)
	require.NotEmpty(t, post.ThumbnailKey)
	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey))
	assert.Equal(t, int64(1), f.postCount(t, creator))

	stored, err := f.svc.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ThumbnailKey, stored.ThumbnailKey)

	f.create(t, creator, "second")
	assert.Equal(t, int64(2), f.postCount(t, creator))
	assert.Empty(t, f.journal(t))
}

func TestCreatePost_Validation(t *testing.T) {
	creator := uuid.New()
	valid := func() simplepost.CreatePostRequest {
		return simplepost.CreatePostRequest{
			CreatorID:   creator,
			Title:       "A",
			Category:    "news",
			Description: "desc",
			Thumbnail:   strings.NewReader("X"),
		}
	}

	tests := []struct {
		name   string
		mutate func(r *simplepost.CreatePostRequest)
		field  string
	}{
		{"empty title", func(r *simplepost.CreatePostRequest) { r.Title = "" }, "title"},
		{"blank category", func(r *simplepost.CreatePostRequest) { r.Category = "   " }, "category"},
		{"empty description", func(r *simplepost.CreatePostRequest) { r.Description = "" }, "description"},
		{"missing thumbnail", func(r *simplepost.CreatePostRequest) { r.Thumbnail = nil }, "thumbnail"},
		{"empty thumbnail", func(r *simplepost.CreatePostRequest) { r.Thumbnail = strings.NewReader("") }, "thumbnail"},
		{"missing creator", func(r *simplepost.CreatePostRequest) { r.CreatorID = uuid.Nil }, "creator_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := valid()
			tt.mutate(&req)

			post, err := f.svc.CreatePost(context.Background(), req)
			assert.Nil(t, post)

			var verr *simplepost.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, simplepost.KindValidation, simplepost.KindOf(err))

			assert.Zero(t, f.blobs.count("put"), "no blob write")
			assert.Zero(t, f.repo.count("create_post"), "no post insert")
			assert.Equal(t, int64(0), f.postCount(t, creator))
		})
	}
}

func TestCreatePost_InsertFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	f.repo.inject("create_post", errors.New("connection refused"), 0)

	post, err := f.svc.CreatePost(context.Background(), simplepost.CreatePostRequest{
		CreatorID: creator, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("X"),
	})
	assert.Nil(t, post)

	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "metadata", serr.Store)
	assert.Greater(t, f.repo.count("create_post"), 1, "transient errors are retried")
	assert.LessOrEqual(t, f.repo.count("create_post"), 4, "retries are bounded")

	assert.Empty(t, f.blobs.keys(), "compensating delete removed the blob")
	assert.Empty(t, f.journal(t))
	assert.Equal(t, int64(0), f.postCount(t, creator))
}

func TestCreatePost_InsertAndCompensationFail(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	f.repo.inject("create_post", errors.New("connection refused"), 0)
	f.blobs.inject("delete", errors.New("bucket unavailable"), 0)

	_, err := f.svc.CreatePost(context.Background(), simplepost.CreatePostRequest{
		CreatorID: creator, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("X"),
	})
	assert.Equal(t, simplepost.KindStorage, simplepost.KindOf(err))

	keys := f.blobs.keys()
	require.Len(t, keys, 1)

	items := f.journal(t)
	require.Len(t, items, 1)
	assert.Equal(t, simplepost.InconsistencyOrphanBlob, items[0].Kind)
	assert.Equal(t, "create", items[0].Op)
	assert.Equal(t, keys[0], items[0].BlobKey)
	assert.Equal(t, creator, items[0].UserID)
	assert.Contains(t, items[0].Cause, "bucket unavailable")

	assert.Contains(t, f.logs.String(), "consistency warning")
	assert.Contains(t, f.logs.String(), keys[0])
}

func TestCreatePost_CounterFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	f.repo.inject("adjust_post_count", errors.New("deadlock detected"), 0)

	post := f.create(t, creator, "X")

	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey))
	items := f.journal(t)
	require.Len(t, items, 1)
	assert.Equal(t, simplepost.InconsistencyStaleCounter, items[0].Kind)
	assert.Equal(t, creator, items[0].UserID)
	assert.Equal(t, post.ID, items[0].PostID)
}

func TestCreatePost_BlobWriteTimesOut(t *testing.T) {
	f := newFixture(t, simplepost.WithRetryPolicy(simplepost.RetryPolicy{
		CallTimeout: 20 * time.Millisecond,
		MaxRetries:  1,
		MinInterval: time.Millisecond,
		MaxInterval: time.Millisecond,
	}))
	creator := uuid.New()
	f.blobs.hook("put", waitForDeadline)

	post, err := f.svc.CreatePost(context.Background(), simplepost.CreatePostRequest{
		CreatorID: creator, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("X"),
	})
	assert.Nil(t, post)

	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "blob", serr.Store)
	assert.Equal(t, "put", serr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, f.blobs.deleteAttempts(serr.Key), 1, "timed out write is compensated")
	assert.Zero(t, f.repo.count("create_post"))
	assert.Equal(t, int64(0), f.postCount(t, creator))
}

func TestCreatePost_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	f.repo.inject("create_post", errors.New("i/o timeout"), 2)

	post := f.create(t, creator, "X")

	assert.GreaterOrEqual(t, f.repo.count("create_post"), 3)
	stored, err := f.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ThumbnailKey, stored.ThumbnailKey)
}

func TestCreatePost_LandedInsertIsNotCompensated(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	// The insert commits but the reply is lost.
	var once sync.Once
	wrapped := &lostReplyRepo{faultyRepo: f.repo, once: &once}
	svc, err := simplepost.New(
		simplepost.WithRepository(wrapped),
		simplepost.WithBlobStore("memory", f.blobs),
		simplepost.WithRetryPolicy(testRetryPolicy()),
	)
	require.NoError(t, err)

	post, err := svc.CreatePost(context.Background(), simplepost.CreatePostRequest{
		CreatorID: creator, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("X"),
	})
	require.NoError(t, err)
	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey))
	assert.Equal(t, int64(1), f.postCount(t, creator))
}

// lostReplyRepo stores the first insert but reports a transient error.
type lostReplyRepo struct {
	*faultyRepo
	once *sync.Once
}

func (r *lostReplyRepo) CreatePost(ctx context.Context, post *simplepost.Post) error {
	if err := r.faultyRepo.CreatePost(ctx, post); err != nil {
		return err
	}
	var lost error
	r.once.Do(func() { lost = errors.New("connection reset by peer") })
	return lost
}

func (f *fixture) serviceOver(t *testing.T, repo simplepost.Repository) simplepost.Service {
	t.Helper()
	svc, err := simplepost.New(
		simplepost.WithRepository(repo),
		simplepost.WithBlobStore("memory", f.blobs),
		simplepost.WithLogger(slog.New(slog.NewTextHandler(f.logs, nil))),
		simplepost.WithRetryPolicy(testRetryPolicy()),
	)
	require.NoError(t, err)
	return svc
}

func journalKinds(items []*simplepost.Inconsistency) map[simplepost.InconsistencyKind][]*simplepost.Inconsistency {
	out := make(map[simplepost.InconsistencyKind][]*simplepost.Inconsistency)
	for _, item := range items {
		out[item.Kind] = append(out[item.Kind], item)
	}
	return out
}

func TestCreatePost_UnverifiableInsertKeepsBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := uuid.New()
	svc := f.serviceOver(t, &commitThenLoseRepo{faultyRepo: f.repo})

	_, err := svc.CreatePost(ctx, simplepost.CreatePostRequest{
		CreatorID: creator, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("X"),
	})
	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	f.repo.clear("get_post")

	posts, err := f.repo.ListPosts(ctx, simplepost.ListPostsParams{})
	require.NoError(t, err)
	require.Len(t, posts, 1, "insert was committed")
	assert.Equal(t, "X", f.blob(t, posts[0].ThumbnailKey), "committed post keeps its thumbnail")
	assert.Zero(t, f.blobs.deleteAttempts(posts[0].ThumbnailKey))

	kinds := journalKinds(f.journal(t))
	require.Len(t, kinds[simplepost.InconsistencyOrphanBlob], 1)
	assert.Equal(t, posts[0].ThumbnailKey, kinds[simplepost.InconsistencyOrphanBlob][0].BlobKey)
	require.Len(t, kinds[simplepost.InconsistencyStaleCounter], 1)
	assert.Equal(t, creator, kinds[simplepost.InconsistencyStaleCounter][0].UserID)

	report, err := admin.New(f.repo, f.blobs).SweepInconsistencies(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resolved)
	assert.Equal(t, "X", f.blob(t, posts[0].ThumbnailKey))
	assert.Equal(t, int64(1), f.postCount(t, creator))
}

func TestEditPost_UnverifiableUpdateKeepsBothBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := uuid.New()
	post := f.create(t, creator, "X")
	svc := f.serviceOver(t, &commitThenLoseRepo{faultyRepo: f.repo})

	_, err := svc.EditPost(ctx, simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "B", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"),
	})
	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	f.repo.clear("get_post")

	stored, err := f.repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.NotEqual(t, post.ThumbnailKey, stored.ThumbnailKey, "update was committed")
	assert.Equal(t, "Y", f.blob(t, stored.ThumbnailKey), "stored post must not point at a missing blob")
	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey), "old blob kept until the sweeper decides")

	orphans := journalKinds(f.journal(t))[simplepost.InconsistencyOrphanBlob]
	keys := make([]string, 0, len(orphans))
	for _, item := range orphans {
		keys = append(keys, item.BlobKey)
	}
	assert.ElementsMatch(t, []string{post.ThumbnailKey, stored.ThumbnailKey}, keys)

	report, err := admin.New(f.repo, f.blobs).SweepInconsistencies(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resolved)
	assert.Equal(t, []string{stored.ThumbnailKey}, f.blobs.keys())
}

func TestEditPost_TextOnly(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	edited, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "B", Category: "sports", Description: "new",
	})
	require.NoError(t, err)
	assert.Equal(t, "B", edited.Title)
	assert.Equal(t, "sports", edited.Category)
	assert.Equal(t, int64(2), edited.Version)
	assert.Equal(t, post.ThumbnailKey, edited.ThumbnailKey)
	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey))
	assert.Equal(t, 1, f.blobs.count("put"))
}

func TestEditPost_ReplacesThumbnail(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	edited, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"), ThumbnailName: "y.png", ThumbnailType: "image/png",
	})
	require.NoError(t, err)
	assert.NotEqual(t, post.ThumbnailKey, edited.ThumbnailKey)
	assert.Equal(t, "y.png", edited.ThumbnailName)
	assert.Equal(t, "Y", f.blob(t, edited.ThumbnailKey))

	_, err = f.blobs.Get(context.Background(), post.ThumbnailKey)
	assert.ErrorIs(t, err, simplepost.ErrBlobNotFound, "old blob deleted")
	assert.Equal(t, []string{edited.ThumbnailKey}, f.blobs.keys())
	assert.Equal(t, int64(1), f.postCount(t, creator), "edit leaves the counter alone")
}

func TestEditPost_Unauthorized(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	intruder := uuid.New()

	edited, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: intruder, PostID: post.ID, Title: "hacked", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("evil"),
	})
	assert.Nil(t, edited)

	var aerr *simplepost.AuthorizationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, intruder, aerr.ActorID)
	assert.ErrorIs(t, err, simplepost.ErrForbidden)

	stored, err := f.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Title)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 1, f.blobs.count("put"), "no blob written")
	assert.Equal(t, []string{post.ThumbnailKey}, f.blobs.keys())
}

func TestEditPost_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: uuid.New(), PostID: uuid.New(), Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"),
	})
	var nerr *simplepost.NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "post", nerr.Resource)
	assert.Zero(t, f.blobs.count("put"))
	assert.Equal(t, 1, f.repo.count("get_post"), "not found is never retried")
}

func TestEditPost_Validation(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	_, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "", Category: "news", Description: "desc",
	})
	assert.Equal(t, simplepost.KindValidation, simplepost.KindOf(err))

	_, err = f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader(""),
	})
	assert.Equal(t, simplepost.KindValidation, simplepost.KindOf(err))
	assert.Zero(t, f.repo.count("get_post"), "validation happens before any read")
}

func TestEditPost_MetadataUpdateFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.repo.inject("update_post", errors.New("connection refused"), 0)

	_, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "B", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"),
	})
	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "metadata", serr.Store)

	stored, err := f.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ThumbnailKey, stored.ThumbnailKey)
	assert.Equal(t, "A", stored.Title)
	assert.Equal(t, []string{post.ThumbnailKey}, f.blobs.keys(), "new blob discarded, old kept")
	assert.Empty(t, f.journal(t))
}

func TestEditPost_OldBlobDeleteFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.blobs.inject("delete", errors.New("bucket unavailable"), 0)

	edited, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"),
	})
	require.NoError(t, err, "edit succeeds despite leftover blob")
	assert.Equal(t, "Y", f.blob(t, edited.ThumbnailKey))

	items := f.journal(t)
	require.Len(t, items, 1)
	assert.Equal(t, simplepost.InconsistencyOrphanBlob, items[0].Kind)
	assert.Equal(t, "edit", items[0].Op)
	assert.Equal(t, post.ThumbnailKey, items[0].BlobKey)

	referenced, err := f.repo.IsThumbnailReferenced(context.Background(), post.ThumbnailKey)
	require.NoError(t, err)
	assert.False(t, referenced, "old key unreachable from any post")
}

func TestEditPost_ConcurrentSameService(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, payload := range []string{"Y", "Z"} {
		wg.Add(1)
		go func(i int, payload string) {
			defer wg.Done()
			_, errs[i] = f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
				EditorID: creator, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
				Thumbnail: strings.NewReader(payload),
			})
		}(i, payload)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored, err := f.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, []string{stored.ThumbnailKey}, f.blobs.keys(), "exactly one thumbnail survives")
	assert.Contains(t, []string{"Y", "Z"}, f.blob(t, stored.ThumbnailKey))
}

func TestEditPost_ConcurrentAcrossInstances(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	// A second instance shares the stores but not the in-process lock.
	other, err := simplepost.New(
		simplepost.WithRepository(f.repo),
		simplepost.WithBlobStore("memory", f.blobs),
		simplepost.WithRetryPolicy(testRetryPolicy()),
	)
	require.NoError(t, err)

	// Hold both blob writes until both edits have loaded version 1.
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.blobs.hook("put", func(ctx context.Context) error {
		barrier.Done()
		barrier.Wait()
		return nil
	})

	var wg sync.WaitGroup
	results := make([]*simplepost.Post, 2)
	errs := make([]error, 2)
	for i, svc := range []simplepost.Service{f.svc, other} {
		wg.Add(1)
		go func(i int, svc simplepost.Service) {
			defer wg.Done()
			results[i], errs[i] = svc.EditPost(context.Background(), simplepost.EditPostRequest{
				EditorID: creator, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
				Thumbnail: strings.NewReader([]string{"Y", "Z"}[i]),
			})
		}(i, svc)
	}
	wg.Wait()
	f.blobs.clear("put")

	winners := 0
	var winner *simplepost.Post
	for i := range errs {
		if errs[i] == nil {
			winners++
			winner = results[i]
			continue
		}
		assert.Equal(t, simplepost.KindStorage, simplepost.KindOf(errs[i]))
		assert.ErrorIs(t, errs[i], simplepost.ErrVersionConflict)
	}
	require.Equal(t, 1, winners)

	stored, err := f.repo.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.ThumbnailKey, stored.ThumbnailKey)
	assert.Equal(t, []string{stored.ThumbnailKey}, f.blobs.keys(), "losing blob reclaimed")
}

func TestDeletePost(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.create(t, creator, "other")
	require.Equal(t, int64(2), f.postCount(t, creator))

	err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID})
	require.NoError(t, err)

	_, err = f.svc.GetPost(context.Background(), post.ID)
	assert.Equal(t, simplepost.KindNotFound, simplepost.KindOf(err))
	_, err = f.blobs.Get(context.Background(), post.ThumbnailKey)
	assert.ErrorIs(t, err, simplepost.ErrBlobNotFound)
	assert.Equal(t, int64(1), f.postCount(t, creator))

	t.Run("second delete is not found", func(t *testing.T) {
		err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID})
		var nerr *simplepost.NotFoundError
		require.ErrorAs(t, err, &nerr)
		assert.ErrorIs(t, err, simplepost.ErrPostNotFound)
		assert.Equal(t, int64(1), f.postCount(t, creator))
	})
}

func TestDeletePost_Unauthorized(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")

	err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: uuid.New(), PostID: post.ID})
	assert.Equal(t, simplepost.KindAuthorization, simplepost.KindOf(err))

	_, err = f.repo.GetPost(context.Background(), post.ID)
	assert.NoError(t, err)
	assert.Equal(t, "X", f.blob(t, post.ThumbnailKey))
	assert.Equal(t, int64(1), f.postCount(t, creator))
	assert.Zero(t, f.blobs.count("delete"))
}

func TestDeletePost_BlobAlreadyMissing(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	require.NoError(t, f.blobs.Backend.Delete(context.Background(), post.ThumbnailKey))

	err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID})
	require.NoError(t, err)
	_, err = f.repo.GetPost(context.Background(), post.ID)
	assert.ErrorIs(t, err, simplepost.ErrPostNotFound)
}

func TestDeletePost_BlobDeleteFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.blobs.inject("delete", errors.New("bucket unavailable"), 0)

	err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID})
	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "blob", serr.Store)

	_, err = f.repo.GetPost(context.Background(), post.ID)
	assert.NoError(t, err, "post left intact")
	assert.Equal(t, int64(1), f.postCount(t, creator))
}

func TestDeletePost_RecordDeleteFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.repo.inject("delete_post", errors.New("connection refused"), 0)

	err := f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID})
	var serr *simplepost.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "metadata", serr.Store)

	items := f.journal(t)
	require.Len(t, items, 1)
	assert.Equal(t, simplepost.InconsistencyDanglingPost, items[0].Kind)
	assert.Equal(t, post.ID, items[0].PostID)
	assert.Equal(t, post.ThumbnailKey, items[0].BlobKey)
	assert.Equal(t, int64(1), f.postCount(t, creator), "counter untouched")
}

func TestDeletePost_CounterFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	require.NoError(t, f.repo.SetPostCount(context.Background(), creator, 0))

	require.NoError(t, f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID}))
	assert.Equal(t, int64(0), f.postCount(t, creator))
}

func TestDeletePost_CounterFails(t *testing.T) {
	f := newFixture(t)
	creator := uuid.New()
	post := f.create(t, creator, "X")
	f.repo.inject("adjust_post_count", errors.New("deadlock detected"), 0)

	require.NoError(t, f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID}))
	items := f.journal(t)
	require.Len(t, items, 1)
	assert.Equal(t, simplepost.InconsistencyStaleCounter, items[0].Kind)
	assert.Equal(t, "delete", items[0].Op)
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	post := f.create(t, user, "X")
	assert.Equal(t, "A", post.Title)
	refX := post.ThumbnailKey
	assert.Equal(t, "X", f.blob(t, refX))

	edited, err := f.svc.EditPost(ctx, simplepost.EditPostRequest{
		EditorID: user, PostID: post.ID, Title: "A", Category: "news", Description: "desc",
		Thumbnail: strings.NewReader("Y"),
	})
	require.NoError(t, err)
	refY := edited.ThumbnailKey
	assert.Equal(t, "Y", f.blob(t, refY))
	_, err = f.blobs.Get(ctx, refX)
	assert.ErrorIs(t, err, simplepost.ErrBlobNotFound)

	require.NoError(t, f.svc.DeletePost(ctx, simplepost.DeletePostRequest{RequesterID: user, PostID: post.ID}))

	_, err = f.svc.GetPost(ctx, post.ID)
	assert.Equal(t, simplepost.KindNotFound, simplepost.KindOf(err))
	_, err = f.blobs.Get(ctx, refY)
	assert.Equal(t, simplepost.KindNotFound, simplepost.KindOf(err))
	assert.Equal(t, int64(0), f.postCount(t, user))
	assert.Empty(t, f.journal(t))
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	a1 := f.create(t, alice, "a1")
	f.create(t, bob, "b1")
	_, err := f.svc.CreatePost(ctx, simplepost.CreatePostRequest{
		CreatorID: alice, Title: "T", Category: "music", Description: "d",
		Thumbnail: strings.NewReader("a2"),
	})
	require.NoError(t, err)

	all, err := f.svc.ListPosts(ctx, simplepost.ListPostsParams{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	news, err := f.svc.ListPostsByCategory(ctx, "news")
	require.NoError(t, err)
	assert.Len(t, news, 2)

	byAlice, err := f.svc.ListPostsByCreator(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, byAlice, 2)

	_, err = f.svc.ListPostsByCategory(ctx, "")
	assert.Equal(t, simplepost.KindValidation, simplepost.KindOf(err))

	user, err := f.svc.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), user.PostCount)

	_, err = f.svc.GetUser(ctx, uuid.New())
	assert.Equal(t, simplepost.KindNotFound, simplepost.KindOf(err))

	t.Run("OpenThumbnail", func(t *testing.T) {
		rc, post, err := f.svc.OpenThumbnail(ctx, a1.ID)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "a1", string(data))
		assert.Equal(t, "image/png", post.ThumbnailType)
	})

	t.Run("OpenThumbnail_MissingBlob", func(t *testing.T) {
		require.NoError(t, f.blobs.Backend.Delete(ctx, a1.ThumbnailKey))
		_, _, err := f.svc.OpenThumbnail(ctx, a1.ID)
		var nerr *simplepost.NotFoundError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, "thumbnail", nerr.Resource)

		items := f.journal(t)
		require.Len(t, items, 1)
		assert.Equal(t, simplepost.InconsistencyDanglingPost, items[0].Kind)
	})
}

func TestEventSink(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, simplepost.WithEventSink(sink))
	creator := uuid.New()

	post := f.create(t, creator, "X")
	_, err := f.svc.EditPost(context.Background(), simplepost.EditPostRequest{
		EditorID: creator, PostID: post.ID, Title: "B", Category: "news", Description: "desc",
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeletePost(context.Background(), simplepost.DeletePostRequest{RequesterID: creator, PostID: post.ID}))

	assert.Equal(t, []string{"created", "updated", "deleted"}, sink.events)
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) PostCreated(ctx context.Context, post *simplepost.Post) error {
	r.events = append(r.events, "created")
	return errors.New("sink down")
}

func (r *recordingSink) PostUpdated(ctx context.Context, post *simplepost.Post) error {
	r.events = append(r.events, "updated")
	return nil
}

func (r *recordingSink) PostDeleted(ctx context.Context, postID uuid.UUID) error {
	r.events = append(r.events, "deleted")
	return nil
}
