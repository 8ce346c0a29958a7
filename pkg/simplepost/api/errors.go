package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-post/pkg/simplepost"
)

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and a human readable message
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// StatusFor maps an error kind to an HTTP status code
func StatusFor(err error) int {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch simplepost.KindOf(err) {
	case simplepost.KindValidation:
		return http.StatusBadRequest
	case simplepost.KindAuthorization:
		return http.StatusForbidden
	case simplepost.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *PostHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	detail := ErrorDetail{Code: string(simplepost.KindOf(err)), Message: err.Error()}

	var validationErr *simplepost.ValidationError
	if errors.As(err, &validationErr) {
		detail.Field = validationErr.Field
	}
	if status == http.StatusRequestEntityTooLarge {
		detail.Code = "too_large"
	}
	if status >= http.StatusInternalServerError {
		// storage internals stay in the log
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		detail.Message = "internal error"
	} else {
		h.logger.InfoContext(r.Context(), "request rejected",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorBody{Error: detail})
}

func badRequest(field, reason string) error {
	return &simplepost.ValidationError{Field: field, Reason: reason}
}
