// Package handler exposes the admission engine over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jawaracloud/admission-queue/internal/queue"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/internal/token"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

// DefaultQueue is used when a request omits the queue parameter.
const DefaultQueue = "default"

// Admission is the engine surface the handlers call.
type Admission interface {
	Enroll(ctx context.Context, queue string, userID int64) (int64, error)
	Promote(ctx context.Context, queue string, count int64) (int64, error)
	CheckAccess(ctx context.Context, queue string, userID int64, tok string) (bool, error)
	Status(ctx context.Context, queue string, userID int64) (models.QueueStatus, error)
	EnrollOrStatus(ctx context.Context, queue string, userID int64) (models.QueueStatus, error)
	IssueToken(queue string, userID int64) (string, error)
}

// SchedulerSwitch toggles the promotion scheduler at runtime.
type SchedulerSwitch interface {
	SetEnabled(enabled bool)
	Enabled() bool
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	TokenTTL  time.Duration
	Scheduler SchedulerSwitch // optional
}

// Handler serves the queue API.
type Handler struct {
	svc    Admission
	cfg    HandlerConfig
	logger logrus.FieldLogger
}

// NewHandler creates a Handler.
func NewHandler(svc Admission, cfg HandlerConfig, logger logrus.FieldLogger) *Handler {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = token.DefaultTTL
	}
	return &Handler{svc: svc, cfg: cfg, logger: logger}
}

// CookieName is the cookie carrying the access token of queue.
func CookieName(queue string) string {
	return "user-queue-" + queue + "-token"
}

// RegisterRoutes mounts the API under r, normally at /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.registerUser)
		r.Post("/allow", h.allowUser)
		r.Get("/allowed", h.isAllowedUser)
		r.Get("/progress", h.progress)
		r.Get("/touch", h.touch)
	})
	if h.cfg.Scheduler != nil {
		r.Get("/scheduler", h.schedulerState)
		r.Put("/scheduler", h.setScheduler)
	}
}

// RegisterPages mounts the browser-facing waiting room.
func (h *Handler) RegisterPages(r chi.Router) {
	r.Get("/waiting-room", h.waitingRoom)
}

func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	userID, err := userIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rank, err := h.svc.Enroll(r.Context(), q, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RegisterUserResponse{Rank: rank})
}

func (h *Handler) allowUser(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	count, err := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if err != nil || count < 0 {
		h.writeError(w, r, errors.Wrap(queue.ErrInvalidCount, "count"))
		return
	}

	allowed, err := h.svc.Promote(r.Context(), q, count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AllowUserResponse{RequestCount: count, AllowedCount: allowed})
}

func (h *Handler) isAllowedUser(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	userID, err := userIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	allowed, err := h.checkAccess(r, q, userID, r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AllowedUserResponse{Allowed: allowed})
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	userID, err := userIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := h.svc.Status(r.Context(), q, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewQueueStatusResponse(status))
}

func (h *Handler) touch(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	userID, err := userIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	tok, err := h.svc.IssueToken(q, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(q),
		Value:    tok,
		Path:     "/",
		MaxAge:   int(h.cfg.TokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tok))
}

func (h *Handler) waitingRoom(w http.ResponseWriter, r *http.Request) {
	q := queueParam(r)
	userID, err := userIDParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	redirectURL, err := redirectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var tok string
	if c, err := r.Cookie(CookieName(q)); err == nil {
		tok = c.Value
	}
	allowed, err := h.checkAccess(r, q, userID, tok)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if allowed {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	status, err := h.svc.EnrollOrStatus(r.Context(), q, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.WaitingRoomResponse{
		Queue:               q,
		UserID:              userID,
		QueueStatusResponse: models.NewQueueStatusResponse(status),
	})
}

func (h *Handler) schedulerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.cfg.Scheduler.Enabled()})
}

func (h *Handler) setScheduler(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Code: codeBadRequest, Message: "enabled must be a boolean"})
		return
	}
	h.cfg.Scheduler.SetEnabled(enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.cfg.Scheduler.Enabled()})
}

// checkAccess folds token failures into a plain "not allowed" answer; any
// other failure is returned.
func (h *Handler) checkAccess(r *http.Request, q string, userID int64, tok string) (bool, error) {
	allowed, err := h.svc.CheckAccess(r.Context(), q, userID, tok)
	if errors.Is(err, token.ErrInvalidToken) {
		h.logger.WithFields(logrus.Fields{
			"queue":      q,
			"user_id":    userID,
			"reason":     err.Error(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("access token rejected")
		return false, nil
	}
	return allowed, err
}

const (
	codeAlreadyEnrolled = "UQ-0001"
	codeBadRequest      = "UQ-0002"
	codeUnavailable     = "UQ-0003"
	codeInternal        = "UQ-9999"
)

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = codeInternal
		msg    = "internal error"
	)
	switch {
	case errors.Is(err, queue.ErrAlreadyEnrolled):
		status, code, msg = http.StatusConflict, codeAlreadyEnrolled, "user already registered in the queue"
	case errors.Is(err, queue.ErrInvalidQueue),
		errors.Is(err, queue.ErrInvalidUser),
		errors.Is(err, queue.ErrInvalidCount),
		errors.Is(err, errBadRedirect):
		status, code, msg = http.StatusBadRequest, codeBadRequest, err.Error()
	case errors.Is(err, storage.ErrTransientStore):
		status, code, msg = http.StatusServiceUnavailable, codeUnavailable, "queue store unavailable"
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"status":     status,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, models.ErrorResponse{Code: code, Message: msg})
}

var errBadRedirect = errors.New("redirect-url must be a relative path or an http(s) URL")

func queueParam(r *http.Request) string {
	if q := r.URL.Query().Get("queue"); q != "" {
		return q
	}
	return DefaultQueue
}

func userIDParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("user-id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(queue.ErrInvalidUser, "user-id %q", raw)
	}
	return id, nil
}

func redirectParam(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("redirect-url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil {
		return "", errBadRedirect
	}
	if u.IsAbs() && u.Scheme != "http" && u.Scheme != "https" {
		return "", errBadRedirect
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
