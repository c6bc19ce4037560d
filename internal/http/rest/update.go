package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/telemetry"
	"github.com/italolelis/app_updater/internal/update"
	"github.com/italolelis/app_updater/internal/updatecheck"
)

const (
	maxRequestBody    = 64 * 1024
	progressBuffer    = 32
	keepAliveInterval = 15 * time.Second
	historyLimit      = 20
)

// Updater is the part of the orchestrator the API drives.
type Updater interface {
	Start(ctx context.Context, rawURL string, opts ...update.StartOption) (update.DownloadID, error)
	Cancel(ctx context.Context) error
	Active() (update.SessionInfo, bool)
	Subscribe(buffer int) (<-chan update.Progress, func())
}

type Checker interface {
	Check(ctx context.Context, force bool) (*updatecheck.Result, error)
	History(ctx context.Context, limit int) ([]storage.CheckRecord, error)
}

type DownloadRequest struct {
	URL     string `json:"url"`
	Version string `json:"version,omitempty"`
}

type DownloadResponse struct {
	Message    string            `json:"message"`
	DownloadID update.DownloadID `json:"downloadId"`
}

type StatusResponse struct {
	update.SessionInfo
	Percentage int `json:"percentage"`
}

type ProgressEvent struct {
	update.Progress
	Percentage int `json:"percentage"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type UpdateHandler struct {
	username  string
	password  string
	updater   Updater
	checker   Checker
	rateLimit int
}

// NewUpdateHandler creates the handler for the update API. checker may be nil
// when no update server is configured. rateLimit caps download starts per
// client IP and minute; zero disables the limit.
func NewUpdateHandler(username, password string, updater Updater, checker Checker, rateLimit int) *UpdateHandler {
	return &UpdateHandler{
		username:  username,
		password:  password,
		updater:   updater,
		checker:   checker,
		rateLimit: rateLimit,
	}
}

// Routes serves the update API; mount it under /update.
func (h *UpdateHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.With(h.rateLimiter()).Post("/download", h.HandleStartDownload)
	r.Delete("/download", h.HandleCancelDownload)
	r.Get("/status", h.HandleStatus)
	r.Get("/progress", h.HandleProgress)

	if h.checker != nil {
		r.Get("/check", h.HandleCheck)
		r.Get("/check/history", h.HandleCheckHistory)
	}

	return r
}

// HandleStartDownload starts a new update session, superseding the current one.
func (h *UpdateHandler) HandleStartDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "err", err)
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body")

		return
	}

	var opts []update.StartOption
	if req.Version != "" {
		opts = append(opts, update.WithVersion(req.Version))
	}

	id, err := h.updater.Start(r.Context(), req.URL, opts...)
	if err != nil {
		var (
			invalid *update.InvalidArgumentError
			enqueue *update.EnqueueError
		)

		switch {
		case errors.As(err, &invalid):
			writeError(w, r, http.StatusBadRequest, "invalid_argument", invalid.Error())
		case errors.As(err, &enqueue):
			logger.ErrorContext(r.Context(), "failed to enqueue update download", "err", err)
			writeError(w, r, http.StatusBadGateway, "enqueue_failed", enqueue.Error())
		case errors.Is(err, update.ErrClosed):
			writeError(w, r, http.StatusServiceUnavailable, "shutting_down", err.Error())
		default:
			logger.ErrorContext(r.Context(), "failed to start update download", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to start download")
		}

		return
	}

	writeJSON(w, http.StatusAccepted, DownloadResponse{Message: "Download started", DownloadID: id})
}

// HandleCancelDownload cancels the active session.
func (h *UpdateHandler) HandleCancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.updater.Cancel(r.Context()); err != nil {
		if errors.Is(err, update.ErrNoActiveSession) {
			writeError(w, r, http.StatusNotFound, "no_active_download", err.Error())

			return
		}

		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to cancel update download", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to cancel download")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Download cancelled"})
}

// HandleStatus reports the active session or 204 when idle.
func (h *UpdateHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	info, ok := h.updater.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	p := update.Progress{Downloaded: info.Downloaded, Total: info.Total, Status: info.Status}

	writeJSON(w, http.StatusOK, StatusResponse{SessionInfo: info, Percentage: p.Percent()})
}

// HandleProgress streams progress tuples as server-sent events until the
// client goes away.
func (h *UpdateHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	rc := http.NewResponseController(w)

	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.DebugContext(ctx, "cannot clear write deadline for progress stream", "err", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.ErrorContext(ctx, "progress stream needs a flushable response", "err", err)

		return
	}

	stream, unsubscribe := h.updater.Subscribe(progressBuffer)
	defer unsubscribe()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-stream:
			if !ok {
				return
			}

			if err := writeEvent(w, "downloadProgress", ProgressEvent{Progress: p, Percentage: p.Percent()}); err != nil {
				logger.DebugContext(ctx, "progress stream closed", "err", err)

				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// HandleCheck asks the update server for the latest version. force=true
// ignores the configured check frequency.
func (h *UpdateHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	force := false

	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "force must be a boolean")

			return
		}

		force = parsed
	}

	res, err := h.checker.Check(r.Context(), force)
	if err != nil {
		if errors.Is(err, updatecheck.ErrCheckSkipped) {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		writeError(w, r, http.StatusBadGateway, "check_failed", err.Error())

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleCheckHistory lists the most recent update checks.
func (h *UpdateHandler) HandleCheckHistory(w http.ResponseWriter, r *http.Request) {
	checks, err := h.checker.History(r.Context(), historyLimit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to load update checks", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load update checks")

		return
	}

	if checks == nil {
		checks = []storage.CheckRecord{}
	}

	writeJSON(w, http.StatusOK, checks)
}

func (h *UpdateHandler) rateLimiter() func(http.Handler) http.Handler {
	if h.rateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return httprate.Limit(
		h.rateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "too many download requests")
		}),
	)
}

func (h *UpdateHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="app-updater"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)

	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail, RequestID: telemetry.GetRequestID(r.Context())})
}
