package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
	"github.com/isdmx/playground/snippet"
)

// --- JSON helpers ---

type errorResponse struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeDecodeError answers a body that could not be decoded
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body")
}

// --- Run handler ---

type runRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "Code is required")
		return
	}

	logger := s.logger.With(zap.String("http_request_id", middleware.GetReqID(r.Context())))

	h, err := s.scheduler.Submit(r.Context(), sandbox.ExecutionRequest{
		Language:   req.Language,
		SourceCode: req.Code,
	})
	if err != nil {
		s.writeSubmitError(w, logger, req, err)
		return
	}

	res, err := h.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("client went away before execution started", zap.String("request_id", h.ID()))
			return
		}
		s.writeSubmitError(w, logger, req, err)
		return
	}

	if res.Status == sandbox.StatusInternalError {
		logger.Error("execution failed",
			zap.String("request_id", h.ID()),
			zap.Error(res.Cause))
		writeError(w, http.StatusInternalServerError, encoder.InternalErrorMessage)
		return
	}

	writeJSON(w, http.StatusOK, s.encoder.Encode(res))
}

func (s *Server) writeSubmitError(w http.ResponseWriter, logger *zap.Logger, req runRequest, err error) {
	switch {
	case errors.Is(err, sandbox.ErrEmptySource):
		writeError(w, http.StatusBadRequest, "Code is required")
	case errors.Is(err, sandbox.ErrSourceTooLarge):
		writeError(w, http.StatusBadRequest, "Code exceeds the size limit")
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		writeError(w, http.StatusBadRequest, "Unsupported language: "+req.Language)
	case errors.Is(err, scheduler.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Server is busy, try again later")
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		logger.Error("submitting execution", zap.Error(err))
		writeError(w, http.StatusInternalServerError, encoder.InternalErrorMessage)
	}
}

// --- Snippet handlers ---

func (s *Server) handleListSnippets(w http.ResponseWriter, r *http.Request) {
	snippets, err := s.store.List(r.Context())
	if err != nil {
		s.internalError(w, "listing snippets", err)
		return
	}
	if snippets == nil {
		snippets = []snippet.Snippet{}
	}
	writeJSON(w, http.StatusOK, snippets)
}

func (s *Server) handleGetSnippet(w http.ResponseWriter, r *http.Request) {
	id, ok := snippetID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Snippet not found")
		return
	}

	sn, err := s.store.Get(r.Context(), id)
	if errors.Is(err, snippet.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Snippet not found")
		return
	}
	if err != nil {
		s.internalError(w, "getting snippet", err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *Server) handleCreateSnippet(w http.ResponseWriter, r *http.Request) {
	var in snippet.NewSnippet
	if err := decodeJSON(r, &in); err != nil {
		writeDecodeError(w, err)
		return
	}

	sn, err := s.store.Create(r.Context(), in)
	var invalid *snippet.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: invalid.Message, Field: invalid.Field})
		return
	}
	if err != nil {
		s.internalError(w, "creating snippet", err)
		return
	}
	writeJSON(w, http.StatusCreated, sn)
}

func (s *Server) handleDeleteSnippet(w http.ResponseWriter, r *http.Request) {
	id, ok := snippetID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Snippet not found")
		return
	}

	// Deleting is idempotent: a snippet that is already gone is not an error
	err := s.store.Delete(r.Context(), id)
	if err != nil && !errors.Is(err, snippet.ErrNotFound) {
		s.internalError(w, "deleting snippet", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func snippetID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, encoder.InternalErrorMessage)
}

// --- Health ---

// healthPingTimeout bounds the snippet store check
const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status    string          `json:"status"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := s.scheduler.Stats()
	if stats.Closed {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "closing", Scheduler: stats})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("snippet store unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Scheduler: stats})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Scheduler: stats})
}
