package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/chunkrelay/internal/observability"
	"github.com/jmylchreest/chunkrelay/internal/progress"
	"github.com/jmylchreest/chunkrelay/internal/registry"
)

// DefaultProgressBodyLimit caps segment list uploads.
const DefaultProgressBodyLimit = 50 * 1024 * 1024

// SessionToucher refreshes a session's idle timer.
type SessionToucher interface {
	Touch(sessionID string) error
}

// ProgressHandler receives the transcoder's progress callbacks.
type ProgressHandler struct {
	ingestor  *progress.Ingestor
	sessions  SessionToucher
	bodyLimit int64
}

// NewProgressHandler creates a progress handler. bodyLimit <= 0 selects
// DefaultProgressBodyLimit.
func NewProgressHandler(ingestor *progress.Ingestor, sessions SessionToucher, bodyLimit int64) *ProgressHandler {
	if bodyLimit <= 0 {
		bodyLimit = DefaultProgressBodyLimit
	}
	return &ProgressHandler{ingestor: ingestor, sessions: sessions, bodyLimit: bodyLimit}
}

// RegisterChiRoutes registers the callback routes. The transcoder posts the
// main stream without a stream segment and other streams with their id.
func (h *ProgressHandler) RegisterChiRoutes(router chi.Router) {
	router.Route("/video/:/transcode/session/{sessionId}", func(r chi.Router) {
		for _, method := range []string{http.MethodPost, http.MethodPut} {
			r.Method(method, "/seglist", http.HandlerFunc(h.handleSegmentList))
			r.Method(method, "/{streamId}/seglist", http.HandlerFunc(h.handleSegmentList))
			r.Method(method, "/manifest", http.HandlerFunc(h.handleManifest))
			r.Method(method, "/{streamId}/manifest", http.HandlerFunc(h.handleManifest))
		}
	})
}

func streamParam(r *http.Request) string {
	if id := chi.URLParam(r, "streamId"); id != "" {
		return id
	}
	return registry.StreamVideo
}

func (h *ProgressHandler) handleSegmentList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := chi.URLParam(r, "sessionId")
	streamID := streamParam(r)
	logger := observability.WithSession(observability.LoggerFromContext(ctx), sid)

	entries, err := progress.ParseSegmentList(http.MaxBytesReader(w, r.Body, h.bodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "segment list too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Warn("rejecting segment list", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.sessions.Touch(sid); err != nil {
		logger.Debug("progress for unknown session", slog.String("stream", streamID))
	}

	if _, err := h.ingestor.Record(ctx, sid, streamID, entries); err != nil {
		logger.Error("recording segment list failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ProgressHandler) handleManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := chi.URLParam(r, "sessionId")
	streamID := streamParam(r)
	logger := observability.WithSession(observability.LoggerFromContext(ctx), sid)

	// The manifest body itself is not used; drain it within the limit.
	body := http.MaxBytesReader(w, r.Body, h.bodyLimit)
	if _, err := io.Copy(io.Discard, body); err != nil {
		http.Error(w, "manifest too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.ingestor.RecordInit(ctx, sid, streamID); err != nil {
		logger.Error("recording manifest failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
