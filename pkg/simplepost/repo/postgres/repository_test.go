package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-post/pkg/simplepost"
	"github.com/tendant/simple-post/pkg/simplepost/repo/postgres"
)

// newTestRepository connects to TEST_DATABASE_URL and applies the schema
func newTestRepository(t *testing.T) *postgres.Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping postgres test: TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := postgres.NewWithPool(pool)
	require.NoError(t, repo.Migrate(ctx))
	return repo
}

func newPost(creator uuid.UUID) *simplepost.Post {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &simplepost.Post{
		ID:            uuid.New(),
		Title:         "Title",
		Category:      "cat-" + uuid.NewString()[:8],
		Description:   "Description",
		CreatorID:     creator,
		ThumbnailKey:  "thumbnails/" + uuid.NewString(),
		ThumbnailName: "thumb.png",
		ThumbnailType: "image/png",
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresRepository_Posts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	creator := uuid.New()

	post := newPost(creator)
	require.NoError(t, repo.CreatePost(ctx, post))
	assert.ErrorIs(t, repo.CreatePost(ctx, post), simplepost.ErrPostExists)

	got, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ThumbnailKey, got.ThumbnailKey)
	assert.True(t, post.CreatedAt.Equal(got.CreatedAt))

	_, err = repo.GetPost(ctx, uuid.New())
	assert.ErrorIs(t, err, simplepost.ErrPostNotFound)

	t.Run("compare and swap", func(t *testing.T) {
		first := *post
		first.Title = "first"
		require.NoError(t, repo.UpdatePost(ctx, &first, 1))
		assert.Equal(t, int64(2), first.Version)

		stale := *post
		stale.Title = "stale"
		assert.ErrorIs(t, repo.UpdatePost(ctx, &stale, 1), simplepost.ErrVersionConflict)

		missing := *post
		missing.ID = uuid.New()
		assert.ErrorIs(t, repo.UpdatePost(ctx, &missing, 1), simplepost.ErrPostNotFound)
	})

	t.Run("queries", func(t *testing.T) {
		posts, err := repo.ListPosts(ctx, simplepost.ListPostsParams{Category: post.Category})
		require.NoError(t, err)
		require.Len(t, posts, 1)
		assert.Equal(t, "first", posts[0].Title)

		n, err := repo.CountPostsByCreator(ctx, creator)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ok, err := repo.IsThumbnailReferenced(ctx, post.ThumbnailKey)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	require.NoError(t, repo.DeletePost(ctx, post.ID))
	assert.ErrorIs(t, repo.DeletePost(ctx, post.ID), simplepost.ErrPostNotFound)
}

func TestPostgresRepository_PostCount(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user := uuid.New()

	n, err := repo.AdjustPostCount(ctx, user, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "new user floored at zero")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AdjustPostCount(ctx, user, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := repo.GetUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.PostCount)

	require.NoError(t, repo.SetPostCount(ctx, user, 3))
	u, err = repo.GetUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.PostCount)
}

func TestPostgresRepository_Journal(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	item := &simplepost.Inconsistency{
		Kind:    simplepost.InconsistencyOrphanBlob,
		Op:      "edit",
		BlobKey: "thumbnails/" + uuid.NewString(),
		Cause:   "bucket unavailable",
	}
	require.NoError(t, repo.RecordInconsistency(ctx, item))
	require.NotEqual(t, uuid.Nil, item.ID)

	items, err := repo.ListInconsistencies(ctx, 0)
	require.NoError(t, err)
	found := false
	for _, it := range items {
		if it.ID == item.ID {
			found = true
			assert.Equal(t, item.BlobKey, it.BlobKey)
			assert.Equal(t, uuid.Nil, it.PostID)
		}
	}
	assert.True(t, found)

	require.NoError(t, repo.ResolveInconsistency(ctx, item.ID))
	assert.ErrorIs(t, repo.ResolveInconsistency(ctx, item.ID), simplepost.ErrInconsistencyNotFound)
}

func TestPostgresRepository_DeletePostAtVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	post := newPost(uuid.New())
	require.NoError(t, repo.CreatePost(ctx, post))

	edited := *post
	edited.Title = "Edited"
	require.NoError(t, repo.UpdatePost(ctx, &edited, 1))

	assert.ErrorIs(t, repo.DeletePostAtVersion(ctx, post.ID, 1), simplepost.ErrVersionConflict)
	_, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err, "stale version must not delete")

	require.NoError(t, repo.DeletePostAtVersion(ctx, post.ID, 2))
	assert.ErrorIs(t, repo.DeletePostAtVersion(ctx, post.ID, 2), simplepost.ErrPostNotFound)
}
