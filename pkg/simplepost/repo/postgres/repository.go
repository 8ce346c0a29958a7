package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-post/pkg/simplepost"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplepost.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate applies the schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return r.handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "post_pkey") {
				return simplepost.ErrPostExists
			}
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23514": // check_violation
			return fmt.Errorf("%s violates %s: %w", operation, pgErr.ConstraintName, simplepost.ErrInvalidInput)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing: %w", pgErr.ColumnName, simplepost.ErrInvalidInput)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

const postColumns = `id, title, category, description, creator_id, thumbnail_key,
	thumbnail_name, thumbnail_type, version, created_at, updated_at`

func scanPost(row pgx.Row) (*simplepost.Post, error) {
	var p simplepost.Post
	err := row.Scan(&p.ID, &p.Title, &p.Category, &p.Description, &p.CreatorID, &p.ThumbnailKey,
		&p.ThumbnailName, &p.ThumbnailType, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Post operations

func (r *Repository) CreatePost(ctx context.Context, post *simplepost.Post) error {
	query := `
		INSERT INTO post (` + postColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		post.ID, post.Title, post.Category, post.Description, post.CreatorID, post.ThumbnailKey,
		post.ThumbnailName, post.ThumbnailType, post.Version, post.CreatedAt, post.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create post", err)
	}
	return nil
}

func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*simplepost.Post, error) {
	query := `SELECT ` + postColumns + ` FROM post WHERE id = $1`

	post, err := scanPost(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplepost.ErrPostNotFound
		}
		return nil, r.handlePostgresError("get post", err)
	}
	return post, nil
}

// UpdatePost is a compare-and-swap on version. creator_id and created_at
// are never rewritten.
func (r *Repository) UpdatePost(ctx context.Context, post *simplepost.Post, expectedVersion int64) error {
	query := `
		UPDATE post SET
			title = $3, category = $4, description = $5, thumbnail_key = $6,
			thumbnail_name = $7, thumbnail_type = $8, updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`

	var version int64
	err := r.db.QueryRow(ctx, query,
		post.ID, expectedVersion, post.Title, post.Category, post.Description, post.ThumbnailKey,
		post.ThumbnailName, post.ThumbnailType, post.UpdatedAt).Scan(&version)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return r.handlePostgresError("update post", err)
		}
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM post WHERE id = $1)`, post.ID).Scan(&exists); err != nil {
			return r.handlePostgresError("update post", err)
		}
		if !exists {
			return simplepost.ErrPostNotFound
		}
		return simplepost.ErrVersionConflict
	}

	post.Version = version
	return nil
}

func (r *Repository) DeletePost(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM post WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete post", err)
	}
	if tag.RowsAffected() == 0 {
		return simplepost.ErrPostNotFound
	}
	return nil
}

func (r *Repository) DeletePostAtVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM post WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return r.handlePostgresError("delete post", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM post WHERE id = $1)`, id).Scan(&exists); err != nil {
		return r.handlePostgresError("delete post", err)
	}
	if !exists {
		return simplepost.ErrPostNotFound
	}
	return simplepost.ErrVersionConflict
}

func (r *Repository) ListPosts(ctx context.Context, params simplepost.ListPostsParams) ([]*simplepost.Post, error) {
	where, args := buildPostFilter(params)
	query := `SELECT ` + postColumns + ` FROM post` + where + ` ORDER BY updated_at DESC, id`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list posts", err)
	}
	defer rows.Close()

	var result []*simplepost.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan post", err)
		}
		result = append(result, post)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list posts", err)
	}
	return result, nil
}

// buildPostFilter builds the WHERE clause for post queries
func buildPostFilter(params simplepost.ListPostsParams) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if params.Category != "" {
		args = append(args, params.Category)
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	if params.CreatorID != uuid.Nil {
		args = append(args, params.CreatorID)
		clauses = append(clauses, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *Repository) CountPostsByCreator(ctx context.Context, creatorID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM post WHERE creator_id = $1`, creatorID).Scan(&n)
	if err != nil {
		return 0, r.handlePostgresError("count posts", err)
	}
	return n, nil
}

func (r *Repository) IsThumbnailReferenced(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM post WHERE thumbnail_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, r.handlePostgresError("check thumbnail reference", err)
	}
	return exists, nil
}

// User counter operations

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*simplepost.User, error) {
	var u simplepost.User
	err := r.db.QueryRow(ctx,
		`SELECT id, post_count, created_at, updated_at FROM post_user WHERE id = $1`, id).
		Scan(&u.ID, &u.PostCount, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplepost.ErrUserNotFound
		}
		return nil, r.handlePostgresError("get user", err)
	}
	return &u, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]*simplepost.User, error) {
	rows, err := r.db.Query(ctx, `SELECT id, post_count, created_at, updated_at FROM post_user ORDER BY id`)
	if err != nil {
		return nil, r.handlePostgresError("list users", err)
	}
	defer rows.Close()

	var result []*simplepost.User
	for rows.Next() {
		var u simplepost.User
		if err := rows.Scan(&u.ID, &u.PostCount, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, r.handlePostgresError("scan user", err)
		}
		result = append(result, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list users", err)
	}
	return result, nil
}

func (r *Repository) ListCreators(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT creator_id FROM post ORDER BY creator_id`)
	if err != nil {
		return nil, r.handlePostgresError("list creators", err)
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, r.handlePostgresError("scan creator", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list creators", err)
	}
	return result, nil
}

// AdjustPostCount is a single upsert statement, so concurrent adjustments
// never lose an update.
func (r *Repository) AdjustPostCount(ctx context.Context, userID uuid.UUID, delta int64) (int64, error) {
	query := `
		INSERT INTO post_user (id, post_count, created_at, updated_at)
		VALUES ($1, GREATEST($2::BIGINT, 0), $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			post_count = GREATEST(post_user.post_count + $2::BIGINT, 0),
			updated_at = EXCLUDED.updated_at
		RETURNING post_count`

	var count int64
	if err := r.db.QueryRow(ctx, query, userID, delta, time.Now().UTC()).Scan(&count); err != nil {
		return 0, r.handlePostgresError("adjust post count", err)
	}
	return count, nil
}

func (r *Repository) SetPostCount(ctx context.Context, userID uuid.UUID, count int64) error {
	if count < 0 {
		count = 0
	}
	query := `
		INSERT INTO post_user (id, post_count, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET post_count = EXCLUDED.post_count, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, userID, count, time.Now().UTC()); err != nil {
		return r.handlePostgresError("set post count", err)
	}
	return nil
}

// Inconsistency journal

func (r *Repository) RecordInconsistency(ctx context.Context, item *simplepost.Inconsistency) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO post_inconsistency (id, kind, op, post_id, user_id, blob_key, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		item.ID, string(item.Kind), item.Op, nullUUID(item.PostID), nullUUID(item.UserID),
		item.BlobKey, item.Cause, item.CreatedAt)
	if err != nil {
		return r.handlePostgresError("record inconsistency", err)
	}
	return nil
}

func (r *Repository) ListInconsistencies(ctx context.Context, limit int) ([]*simplepost.Inconsistency, error) {
	query := `
		SELECT id, kind, op, post_id, user_id, blob_key, cause, created_at
		FROM post_inconsistency WHERE resolved_at IS NULL
		ORDER BY created_at`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list inconsistencies", err)
	}
	defer rows.Close()

	var result []*simplepost.Inconsistency
	for rows.Next() {
		var (
			item           simplepost.Inconsistency
			kind           string
			postID, userID *uuid.UUID
		)
		if err := rows.Scan(&item.ID, &kind, &item.Op, &postID, &userID, &item.BlobKey, &item.Cause, &item.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan inconsistency", err)
		}
		item.Kind = simplepost.InconsistencyKind(kind)
		if postID != nil {
			item.PostID = *postID
		}
		if userID != nil {
			item.UserID = *userID
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list inconsistencies", err)
	}
	return result, nil
}

func (r *Repository) ResolveInconsistency(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE post_inconsistency SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return r.handlePostgresError("resolve inconsistency", err)
	}
	if tag.RowsAffected() == 0 {
		return simplepost.ErrInconsistencyNotFound
	}
	return nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

var _ simplepost.Repository = (*Repository)(nil)
