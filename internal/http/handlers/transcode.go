package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/chunkrelay/internal/observability"
	"github.com/jmylchreest/chunkrelay/internal/session"
	"github.com/jmylchreest/chunkrelay/internal/stream"
)

// Paths of the player facing transcode endpoints.
const (
	StartPath     = "/video/:/transcode/universal/start"
	SubtitlesPath = "/video/:/transcode/universal/subtitles"
	StopPath      = "/video/:/transcode/universal/stop"
	PingPath      = "/video/:/transcode/universal/ping"
)

// TranscodeHandler serves the player facing transcode endpoints. They are
// raw chi handlers because chunk streams are written incrementally.
type TranscodeHandler struct {
	stream  *stream.Handler
	manager *session.Manager
}

// NewTranscodeHandler creates a transcode handler.
func NewTranscodeHandler(streams *stream.Handler, manager *session.Manager) *TranscodeHandler {
	return &TranscodeHandler{stream: streams, manager: manager}
}

// RegisterChiRoutes registers the transcode routes.
func (h *TranscodeHandler) RegisterChiRoutes(router chi.Router) {
	router.Get(StartPath, h.stream.ServeStart)
	router.Get(SubtitlesPath, h.stream.ServeSubtitles)
	router.Get(StopPath, h.handleStop)
	router.Get(PingPath, h.handlePing)
}

// resolveSession reads the session parameter, falling back to the session
// correlated with the player's own session identifier.
func (h *TranscodeHandler) resolveSession(r *http.Request) string {
	q := r.URL.Query()
	if sid := q.Get(stream.ParamSession); sid != "" {
		return sid
	}
	if token := q.Get(stream.ParamPlexSession); token != "" {
		if sid, ok := h.manager.SessionForToken(token); ok {
			return sid
		}
	}
	return ""
}

func (h *TranscodeHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	sid := h.resolveSession(r)
	logger := observability.WithSession(observability.LoggerFromContext(r.Context()), sid)

	if err := h.manager.Stop(r.Context(), sid); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		logger.Warn("stopping session failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	logger.Info("session stopped by client")
	w.WriteHeader(http.StatusOK)
}

func (h *TranscodeHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Touch(h.resolveSession(r)); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
