package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS = 5000
	maxOpenConns  = 1
	maxIdleConns  = 1

	// fixed width so lexical order matches time order
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS post_user (
		id          TEXT PRIMARY KEY,
		post_count  INTEGER NOT NULL DEFAULT 0 CHECK (post_count >= 0),
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post (
		id              TEXT PRIMARY KEY,
		title           TEXT NOT NULL,
		category        TEXT NOT NULL,
		description     TEXT NOT NULL,
		creator_id      TEXT NOT NULL,
		thumbnail_key   TEXT NOT NULL UNIQUE CHECK (thumbnail_key <> ''),
		thumbnail_name  TEXT NOT NULL DEFAULT '',
		thumbnail_type  TEXT NOT NULL DEFAULT '',
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_post_category_updated ON post (category, updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_post_creator_updated ON post (creator_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS post_inconsistency (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		op           TEXT NOT NULL,
		post_id      TEXT NOT NULL DEFAULT '',
		user_id      TEXT NOT NULL DEFAULT '',
		blob_key     TEXT NOT NULL DEFAULT '',
		cause        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		resolved_at  TEXT
	)`,
}

// Repository implements simplepost.Repository on an embedded SQLite database
type Repository struct {
	db *sql.DB
}

// Open opens the SQLite database at path. Use ":memory:" for a private
// in-process database.
func Open(path string) (*Repository, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Migrate creates the tables if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(0)

	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve db path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// isConstraint reports a SQLite constraint failure. The driver exposes codes
// only through its own error type, so the message is matched.
func isConstraint(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

type scanner interface {
	Scan(dest ...any) error
}

const postColumns = `id, title, category, description, creator_id, thumbnail_key,
	thumbnail_name, thumbnail_type, version, created_at, updated_at`

func scanPost(row scanner) (*simplepost.Post, error) {
	var (
		p                simplepost.Post
		id, creator      string
		created, updated string
	)
	err := row.Scan(&id, &p.Title, &p.Category, &p.Description, &creator, &p.ThumbnailKey,
		&p.ThumbnailName, &p.ThumbnailType, &p.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid post id %q: %w", id, err)
	}
	if p.CreatorID, err = uuid.Parse(creator); err != nil {
		return nil, fmt.Errorf("invalid creator id %q: %w", creator, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

// Post operations

func (r *Repository) CreatePost(ctx context.Context, post *simplepost.Post) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO post (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID.String(), post.Title, post.Category, post.Description, post.CreatorID.String(),
		post.ThumbnailKey, post.ThumbnailName, post.ThumbnailType, post.Version,
		formatTime(post.CreatedAt), formatTime(post.UpdatedAt))
	if err != nil {
		if isConstraint(err, "post.id") {
			return simplepost.ErrPostExists
		}
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*simplepost.Post, error) {
	post, err := scanPost(r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM post WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, simplepost.ErrPostNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

func (r *Repository) UpdatePost(ctx context.Context, post *simplepost.Post, expectedVersion int64) error {
	var version int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE post SET
			title = ?, category = ?, description = ?, thumbnail_key = ?,
			thumbnail_name = ?, thumbnail_type = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
		RETURNING version`,
		post.Title, post.Category, post.Description, post.ThumbnailKey,
		post.ThumbnailName, post.ThumbnailType, formatTime(post.UpdatedAt),
		post.ID.String(), expectedVersion).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update post: %w", err)
		}
		var n int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post WHERE id = ?`, post.ID.String()).Scan(&n); err != nil {
			return fmt.Errorf("update post: %w", err)
		}
		if n == 0 {
			return simplepost.ErrPostNotFound
		}
		return simplepost.ErrVersionConflict
	}
	post.Version = version
	return nil
}

func (r *Repository) DeletePost(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM post WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n == 0 {
		return simplepost.ErrPostNotFound
	}
	return nil
}

func (r *Repository) DeletePostAtVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM post WHERE id = ? AND version = ?`, id.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post WHERE id = ?`, id.String()).Scan(&count); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if count == 0 {
		return simplepost.ErrPostNotFound
	}
	return simplepost.ErrVersionConflict
}

func (r *Repository) ListPosts(ctx context.Context, params simplepost.ListPostsParams) ([]*simplepost.Post, error) {
	var (
		clauses []string
		args    []any
	)
	if params.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, params.Category)
	}
	if params.CreatorID != uuid.Nil {
		clauses = append(clauses, "creator_id = ?")
		args = append(args, params.CreatorID.String())
	}

	query := `SELECT ` + postColumns + ` FROM post`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if params.Limit > 0 || params.Offset > 0 {
		limit := params.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, params.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var result []*simplepost.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		result = append(result, post)
	}
	return result, rows.Err()
}

func (r *Repository) CountPostsByCreator(ctx context.Context, creatorID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post WHERE creator_id = ?`, creatorID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

func (r *Repository) IsThumbnailReferenced(ctx context.Context, key string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM post WHERE thumbnail_key = ? LIMIT 1`, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check thumbnail reference: %w", err)
	}
	return true, nil
}

// User counter operations

func scanUser(row scanner) (*simplepost.User, error) {
	var (
		u                simplepost.User
		id               string
		created, updated string
	)
	if err := row.Scan(&id, &u.PostCount, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if u.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", id, err)
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*simplepost.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, post_count, created_at, updated_at FROM post_user WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, simplepost.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]*simplepost.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, post_count, created_at, updated_at FROM post_user ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []*simplepost.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

func (r *Repository) ListCreators(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT creator_id FROM post ORDER BY creator_id`)
	if err != nil {
		return nil, fmt.Errorf("list creators: %w", err)
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("list creators: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid creator id %q: %w", s, err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *Repository) AdjustPostCount(ctx context.Context, userID uuid.UUID, delta int64) (int64, error) {
	now := formatTime(time.Now())
	var count int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO post_user (id, post_count, created_at, updated_at)
		VALUES (?, MAX(?, 0), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			post_count = MAX(post_user.post_count + ?, 0),
			updated_at = excluded.updated_at
		RETURNING post_count`,
		userID.String(), delta, now, now, delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("adjust post count: %w", err)
	}
	return count, nil
}

func (r *Repository) SetPostCount(ctx context.Context, userID uuid.UUID, count int64) error {
	if count < 0 {
		count = 0
	}
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO post_user (id, post_count, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET post_count = excluded.post_count, updated_at = excluded.updated_at`,
		userID.String(), count, now, now)
	if err != nil {
		return fmt.Errorf("set post count: %w", err)
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
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO post_inconsistency (id, kind, op, post_id, user_id, blob_key, cause, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID.String(), string(item.Kind), item.Op, uuidText(item.PostID), uuidText(item.UserID),
		item.BlobKey, item.Cause, formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("record inconsistency: %w", err)
	}
	return nil
}

func (r *Repository) ListInconsistencies(ctx context.Context, limit int) ([]*simplepost.Inconsistency, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, op, post_id, user_id, blob_key, cause, created_at
		FROM post_inconsistency WHERE resolved_at IS NULL
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list inconsistencies: %w", err)
	}
	defer rows.Close()

	var result []*simplepost.Inconsistency
	for rows.Next() {
		var (
			item                     simplepost.Inconsistency
			id, kind, postID, userID string
			created                  string
		)
		if err := rows.Scan(&id, &kind, &item.Op, &postID, &userID, &item.BlobKey, &item.Cause, &created); err != nil {
			return nil, fmt.Errorf("list inconsistencies: %w", err)
		}
		if item.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid inconsistency id %q: %w", id, err)
		}
		item.Kind = simplepost.InconsistencyKind(kind)
		item.PostID = parseOptionalUUID(postID)
		item.UserID = parseOptionalUUID(userID)
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	return result, rows.Err()
}

func (r *Repository) ResolveInconsistency(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE post_inconsistency SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("resolve inconsistency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve inconsistency: %w", err)
	}
	if n == 0 {
		return simplepost.ErrInconsistencyNotFound
	}
	return nil
}

func uuidText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseOptionalUUID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

var _ simplepost.Repository = (*Repository)(nil)
