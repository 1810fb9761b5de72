// Package api provides HTTP handlers for the study gate API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/study-gate/internal/challenge"
	"github.com/ashureev/study-gate/internal/chatstate"
	"github.com/ashureev/study-gate/internal/config"
	"github.com/ashureev/study-gate/internal/session"
	"github.com/ashureev/study-gate/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	registry *session.Registry
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *session.Registry, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chatstate.ErrIllegalTransition),
		errors.Is(err, session.ErrNoActiveChallenge),
		errors.Is(err, session.ErrNoRetriesLeft):
		return http.StatusConflict
	case errors.Is(err, challenge.ErrEmptyQuestionSet),
		errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is allowed.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// isAdmin reports whether r carries the configured admin bearer token. No
// configured token means no admin access.
func (h *Handler) isAdmin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) == 1
}
