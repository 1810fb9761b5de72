package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/identity"
	"github.com/ashureev/study-gate/internal/session"
	"github.com/go-chi/chi/v5"
)

// AccessHandler handles the access conversation endpoints.
type AccessHandler struct {
	*Handler
	agentEnabled bool
}

// NewAccessHandler creates a new access handler.
func NewAccessHandler(base *Handler, agentEnabled bool) *AccessHandler {
	return &AccessHandler{Handler: base, agentEnabled: agentEnabled}
}

// RegisterRoutes registers access, session and challenge routes.
func (h *AccessHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.Post("/access/request", h.RequestAccess)
		r.Post("/access/continue", h.Continue)
		r.Post("/access/dismiss", h.Dismiss)

		r.Get("/session", h.GetSession)
		r.Post("/session/reset", h.Reset)
		r.Post("/session/remote", h.EnableRemote)

		r.Get("/messages", h.ListMessages)
		r.Get("/messages/{id}", h.GetMessage)

		r.Post("/challenge/answer", h.AnswerChallenge)
		r.Post("/challenge/submit", h.SubmitChallenge)
		r.Post("/challenge/retry", h.RetryChallenge)

		r.Get("/decisions", h.ListDecisions)
		r.Get("/grant", h.ActiveGrant)
	})
}

type accessRequest struct {
	Answer     *string `json:"answer"`
	GrantToken string  `json:"grant_token"`
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (h *AccessHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		Error(w, http.StatusUnauthorized, "unknown device")
		return nil, false
	}
	sess, err := h.registry.Get(r.Context(), deviceID, identity.LocaleFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load session", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "session unavailable")
		return nil, false
	}
	return sess, true
}

// GetConfig returns the public configuration for the portal page.
func (h *AccessHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"agent_enabled": h.agentEnabled,
	}
	if h.cfg != nil {
		resp["timezone"] = h.cfg.Timezone
		resp["default_locale"] = h.cfg.DefaultLocale
		resp["block_windows"] = h.cfg.BlockWindows
		resp["study_windows"] = h.cfg.StudyWindows
		resp["max_attempts"] = h.cfg.MaxAttempts
		resp["quiz_enabled"] = h.cfg.Quiz.Enabled
	}
	JSON(w, http.StatusOK, resp)
}

// RequestAccess asks for a decision, optionally answering the pending question.
func (h *AccessHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	done, ok := sess.TryBeginRequest()
	if !ok {
		slog.Warn("Access request already in progress", "device_id", sess.DeviceID())
		Error(w, http.StatusConflict, "request_in_progress")
		return
	}
	defer done()

	out, err := sess.RequestAccess(r.Context(), req.Answer, req.GrantToken)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, out)
}

// Continue moves an allowed session on.
func (h *AccessHandler) Continue(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	state, err := sess.Continue(r.Context())
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]domain.AppState{"state": state})
}

// Dismiss closes a settled decision.
func (h *AccessHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	state, err := sess.Dismiss(r.Context())
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]domain.AppState{"state": state})
}

// GetSession returns the current session of the device.
func (h *AccessHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.View())
}

// Reset clears the conversation of the device.
func (h *AccessHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Reset(r.Context())
	JSON(w, http.StatusOK, sess.View())
}

// EnableRemote leaves simulation mode.
func (h *AccessHandler) EnableRemote(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	enabled := sess.EnableRemote(r.Context())
	JSON(w, http.StatusOK, map[string]bool{"agent_enabled": enabled, "simulation": sess.Simulated()})
}

// ListMessages returns the conversation.
func (h *AccessHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": sess.Messages()})
}

// GetMessage returns one message.
func (h *AccessHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	msg, found := sess.Message(chi.URLParam(r, "id"))
	if !found {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	JSON(w, http.StatusOK, msg)
}

// AnswerChallenge records one answer.
func (h *AccessHandler) AnswerChallenge(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(w, r, &req); err != nil || req.QuestionID == "" {
		Error(w, http.StatusBadRequest, "question_id is required")
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	progress, err := sess.AnswerChallenge(r.Context(), req.QuestionID, req.Answer)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, progress)
}

// SubmitChallenge grades the current answers.
func (h *AccessHandler) SubmitChallenge(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	out, err := sess.SubmitChallenge(r.Context(), req.GrantToken)
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, out)
}

// RetryChallenge starts a new attempt.
func (h *AccessHandler) RetryChallenge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	out, err := sess.RetryChallenge(r.Context())
	if err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, out)
}

// ListDecisions returns the decision audit log. device_id defaults to the
// calling device. Other devices, or "*" for all of them, need the admin token.
func (h *AccessHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	own := identity.DeviceIDFromContext(r.Context())
	if own == "" {
		Error(w, http.StatusUnauthorized, "unknown device")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = own
	}
	if deviceID != own && !h.isAdmin(r) {
		Error(w, http.StatusForbidden, "admin token required")
		return
	}
	if deviceID == "*" {
		deviceID = ""
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.repo.ListDecisions(r.Context(), deviceID, limit)
	if err != nil {
		slog.Error("Failed to list decisions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if records == nil {
		records = []domain.DecisionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"decisions": records})
}

// ActiveGrant returns the grant of the calling device that is still valid.
func (h *AccessHandler) ActiveGrant(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if h.repo == nil || deviceID == "" {
		Error(w, http.StatusNotFound, "no active grant")
		return
	}
	grant, err := h.repo.ActiveGrant(r.Context(), deviceID, time.Now())
	if err != nil {
		slog.Error("Failed to load grant", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load grant")
		return
	}
	if grant == nil {
		Error(w, http.StatusNotFound, "no active grant")
		return
	}
	JSON(w, http.StatusOK, grant)
}
