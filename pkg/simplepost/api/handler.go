package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-post/pkg/simplepost"
)

const (
	// DefaultMaxUploadBytes bounds a create or edit request body
	DefaultMaxUploadBytes int64 = 10 << 20

	multipartMemory int64 = 4 << 20
	thumbnailField        = "thumbnail"
)

// PostHandler serves the post HTTP API on top of simplepost.Service
type PostHandler struct {
	service        simplepost.Service
	auth           *jwtauth.JWTAuth
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption configures a PostHandler
type HandlerOption func(*PostHandler)

// WithHandlerLogger sets the request logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *PostHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxUploadBytes caps the size of create and edit request bodies
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *PostHandler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewPostHandler creates a handler. Mutating routes verify bearer tokens with auth.
func NewPostHandler(service simplepost.Service, auth *jwtauth.JWTAuth, opts ...HandlerOption) *PostHandler {
	h := &PostHandler{
		service:        service,
		auth:           auth,
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for /posts
func (h *PostHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListPosts)
	r.Get("/categories/{category}", h.ListPostsByCategory)
	r.Get("/users/{userID}", h.ListPostsByCreator)
	r.Get("/{postID}", h.GetPost)
	r.Get("/{postID}/thumbnail", h.GetThumbnail)

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(h.auth))
		r.Use(jwtauth.Authenticator)
		r.Use(requireActor)

		r.Post("/", h.CreatePost)
		r.Patch("/{postID}", h.EditPost)
		r.Delete("/{postID}", h.DeletePost)
	})
	return r
}

// UserRoutes returns the router for /users
func (h *PostHandler) UserRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{userID}", h.GetUser)
	return r
}

// PostResponse is the JSON shape of a post
type PostResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	CreatorID     string    `json:"creator_id"`
	ThumbnailURL  string    `json:"thumbnail_url"`
	ThumbnailName string    `json:"thumbnail_name,omitempty"`
	ThumbnailType string    `json:"thumbnail_type,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserResponse is the JSON shape of a user counter
type UserResponse struct {
	ID        string    `json:"id"`
	PostCount int64     `json:"post_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toPostResponse(p *simplepost.Post) PostResponse {
	return PostResponse{
		ID:            p.ID.String(),
		Title:         p.Title,
		Category:      p.Category,
		Description:   p.Description,
		CreatorID:     p.CreatorID.String(),
		ThumbnailURL:  "/posts/" + p.ID.String() + "/thumbnail",
		ThumbnailName: p.ThumbnailName,
		ThumbnailType: p.ThumbnailType,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toPostResponses(posts []*simplepost.Post) []PostResponse {
	out := make([]PostResponse, 0, len(posts))
	for _, p := range posts {
		out = append(out, toPostResponse(p))
	}
	return out
}

// CreatePost handles POST /posts with a multipart body carrying title,
// category, description and the thumbnail file.
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())

	form, err := h.parseForm(w, r, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer form.close()

	post, err := h.service.CreatePost(r.Context(), simplepost.CreatePostRequest{
		CreatorID:     actor,
		Title:         form.title,
		Category:      form.category,
		Description:   form.description,
		Thumbnail:     form.file,
		ThumbnailName: form.fileName,
		ThumbnailType: form.fileType,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/posts/"+post.ID.String())
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toPostResponse(post))
}

// EditPost handles PATCH /posts/{postID}. The thumbnail part is optional.
func (h *PostHandler) EditPost(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	postID, err := parseUUIDParam(r, "postID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	form, err := h.parseForm(w, r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer form.close()

	req := simplepost.EditPostRequest{
		EditorID:    actor,
		PostID:      postID,
		Title:       form.title,
		Category:    form.category,
		Description: form.description,
	}
	if form.file != nil {
		req.Thumbnail = form.file
		req.ThumbnailName = form.fileName
		req.ThumbnailType = form.fileType
	}

	post, err := h.service.EditPost(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toPostResponse(post))
}

// DeletePost handles DELETE /posts/{postID}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	postID, err := parseUUIDParam(r, "postID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.service.DeletePost(r.Context(), simplepost.DeletePostRequest{
		RequesterID: actor,
		PostID:      postID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPost handles GET /posts/{postID}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID, err := parseUUIDParam(r, "postID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	post, err := h.service.GetPost(r.Context(), postID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toPostResponse(post))
}

// ListPosts handles GET /posts?category=&creator_id=&limit=&offset=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	posts, err := h.service.ListPosts(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toPostResponses(posts))
}

// ListPostsByCategory handles GET /posts/categories/{category}
func (h *PostHandler) ListPostsByCategory(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.ListPostsByCategory(r.Context(), chi.URLParam(r, "category"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toPostResponses(posts))
}

// ListPostsByCreator handles GET /posts/users/{userID}
func (h *PostHandler) ListPostsByCreator(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUIDParam(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	posts, err := h.service.ListPostsByCreator(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, toPostResponses(posts))
}

// GetUser handles GET /users/{userID}
func (h *PostHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUIDParam(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, UserResponse{
		ID:        user.ID.String(),
		PostCount: user.PostCount,
		UpdatedAt: user.UpdatedAt,
	})
}

// GetThumbnail handles GET /posts/{postID}/thumbnail and streams the blob
func (h *PostHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	postID, err := parseUUIDParam(r, "postID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	reader, post, err := h.service.OpenThumbnail(r.Context(), postID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer reader.Close()

	contentType := post.ThumbnailType
	if contentType == "" && post.ThumbnailName != "" {
		contentType = mime.TypeByExtension(path.Ext(post.ThumbnailName))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if post.ThumbnailName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": post.ThumbnailName}))
	}
	w.Header().Set("ETag", strconv.Quote(fmt.Sprintf("%s-%d", post.ID, post.Version)))

	if _, err := io.Copy(w, reader); err != nil {
		h.logger.WarnContext(r.Context(), "thumbnail stream interrupted", "post_id", postID, "error", err)
	}
}

type postForm struct {
	title       string
	category    string
	description string

	file     io.ReadSeekCloser
	fileName string
	fileType string
}

func (f *postForm) close() {
	if f.file != nil {
		_ = f.file.Close()
	}
}

// parseForm reads the multipart body under the upload limit. Field presence
// is checked by the service so errors name the missing field.
func (h *PostHandler) parseForm(w http.ResponseWriter, r *http.Request, fileRequired bool) (*postForm, error) {
	if r.ContentLength > h.maxUploadBytes {
		return nil, &http.MaxBytesError{Limit: h.maxUploadBytes}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, err
		}
		return nil, badRequest("body", "must be multipart/form-data: "+err.Error())
	}

	form := &postForm{
		title:       r.FormValue("title"),
		category:    r.FormValue("category"),
		description: r.FormValue("description"),
	}

	file, header, err := r.FormFile(thumbnailField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		if fileRequired {
			return nil, badRequest(thumbnailField, "is required")
		}
		return form, nil
	case err != nil:
		return nil, badRequest(thumbnailField, err.Error())
	}

	form.file = file
	form.fileName = header.Filename
	form.fileType = header.Header.Get("Content-Type")
	if form.fileType == "" || form.fileType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(header.Filename)); byExt != "" {
			form.fileType = byExt
		}
	}
	return form, nil
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequest(name, "must be a UUID")
	}
	return id, nil
}

func parseListParams(r *http.Request) (simplepost.ListPostsParams, error) {
	q := r.URL.Query()
	params := simplepost.ListPostsParams{Category: q.Get("category")}

	if raw := q.Get("creator_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return params, badRequest("creator_id", "must be a UUID")
		}
		params.CreatorID = id
	}
	for name, dst := range map[string]*int{"limit": &params.Limit, "offset": &params.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return params, badRequest(name, "must be a non-negative integer")
		}
		*dst = n
	}
	return params, nil
}
