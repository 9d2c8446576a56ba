// Package api exposes job submission, progress and cancellation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/dispatcher"
	"github.com/mohans/tallyx/store"
)

// JobService is implemented by *dispatcher.Dispatcher.
type JobService interface {
	Submit(ctx context.Context, jobType chunk.JobType, electionID string, refs chunk.GuardianRefs, payloads [][]byte) (string, error)
	Progress(ctx context.Context, instanceID string) (chunk.Progress, error)
	Cancel(ctx context.Context, instanceID string) error
	DeleteElection(ctx context.Context, electionID string) error
}

type submitRequest struct {
	JobType    string `json:"job_type"`
	ElectionID string `json:"election_id"`
	chunk.GuardianRefs
	Chunks []json.RawMessage `json:"chunks"`
}

// DefaultMaxBodyBytes caps a submission body unless WithMaxBodyBytes says
// otherwise.
const DefaultMaxBodyBytes int64 = 64 << 20

type handler struct {
	svc     JobService
	logger  *zap.Logger
	maxBody int64
}

type Option func(*handler)

// WithMaxBodyBytes bounds the size of a job submission. Non-positive values
// keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(h *handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func NewRouter(svc JobService, logger *zap.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger, maxBody: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.submit)
		r.Get("/jobs/{id}", h.progress)
		r.Post("/jobs/{id}/cancel", h.cancel)
		r.Delete("/elections/{id}", h.deleteElection)
	})
	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	jobType, err := chunk.ParseJobType(req.JobType)
	if err != nil {
		h.fail(w, err)
		return
	}
	payloads := make([][]byte, len(req.Chunks))
	for i, c := range req.Chunks {
		payloads[i] = c
	}
	id, err := h.svc.Submit(r.Context(), jobType, req.ElectionID, req.GuardianRefs, payloads)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"instance_id": id})
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteElection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteElection(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chunk.ErrInvalidJobSpec):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatcher.ErrUnknownInstance), errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
