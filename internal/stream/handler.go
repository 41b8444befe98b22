package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/jmylchreest/chunkrelay/internal/observability"
	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/jmylchreest/chunkrelay/internal/storage"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
)

// Query parameters of a stream request.
const (
	ParamSession     = "session"
	ParamOffset      = "offset"
	ParamPlexSession = "X-Plex-Session-Identifier"
)

// Sessions is the session registry as seen by the stream handler.
type Sessions interface {
	Lookup(sessionID string) (*transcoder.Controller, bool)
	GetOrCreate(sessionID string, offset int, pathAndQuery string) (*transcoder.Controller, bool)
	Create(sessionID string, offset int, pathAndQuery string) *transcoder.Controller
	Touch(sessionID string) error
	Correlate(token, sessionID string)
}

// Handler implements the create / resume / restart protocol of stream requests.
type Handler struct {
	sessions     Sessions
	reg          registry.Registry
	files        *FileServer
	maxRangeSize int64
	logger       *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(sessions Sessions, reg registry.Registry, files *FileServer, maxRangeSize int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRangeSize <= 0 {
		maxRangeSize = DefaultMaxRangeSize
	}
	return &Handler{
		sessions:     sessions,
		reg:          reg,
		files:        files,
		maxRangeSize: maxRangeSize,
		logger:       logger.With(slog.String("component", "stream")),
	}
}

// ServeStart handles a stream start or resume request.
func (h *Handler) ServeStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	sessionID := q.Get(ParamSession)
	if sessionID == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	if err := storage.ValidateSessionID(sessionID); err != nil {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}
	logger := h.requestLogger(ctx, sessionID)
	h.sessions.Correlate(q.Get(ParamPlexSession), sessionID)

	offset, hasOffset := parseOffset(q.Get(ParamOffset))
	cur := h.cursor(r, logger)
	pathAndQuery := r.URL.RequestURI()

	c, created := h.sessions.GetOrCreate(sessionID, offset, pathAndQuery)
	if created {
		logger.Info("created session", slog.Int("offset", offset))
		h.serveFromStart(ctx, w, c, cur, logger)
		return
	}

	if !hasOffset {
		logger.Info("session found, resuming from beginning")
		h.serve(ctx, w, c, cur, 0, false, logger)
		return
	}

	if offset < c.StreamOffset() {
		logger.Info("offset behind transcoder, restarting",
			slog.Int("offset", offset),
			slog.Int("stream_offset", c.StreamOffset()),
		)
		c = h.restart(ctx, c, sessionID, offset, pathAndQuery)
		h.serveFromStart(ctx, w, c, cur, logger)
		return
	}

	chunk, found, err := registry.GetInt(ctx, h.reg, registry.TimecodeKey(sessionID, offset))
	if err != nil || !found {
		logger.Info("no chunk indexed for offset, restarting", slog.Int("offset", offset))
		c = h.restart(ctx, c, sessionID, offset, pathAndQuery)
		h.serveFromStart(ctx, w, c, cur, logger)
		return
	}

	logger.Info("resuming at indexed chunk", slog.Int("offset", offset), slog.Int("chunk", chunk))
	h.serve(ctx, w, c, cur, chunk, false, logger)
}

// ServeSubtitles streams the subtitle track of an existing session.
func (h *Handler) ServeSubtitles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get(ParamSession)
	c, ok := h.sessions.Lookup(sessionID)
	if sessionID == "" || !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	logger := h.requestLogger(ctx, sessionID)
	logger.Info("serving subtitles")
	h.serve(ctx, w, c, h.cursor(r, logger), 0, true, logger)
}

func (h *Handler) restart(ctx context.Context, old *transcoder.Controller, sessionID string, offset int, pathAndQuery string) *transcoder.Controller {
	old.Kill(ctx, false)
	return h.sessions.Create(sessionID, offset, pathAndQuery)
}

// serveFromStart serves a freshly created controller from the first chunk its
// transcoder produces, which is not chunk 0 when it was created at an offset.
func (h *Handler) serveFromStart(ctx context.Context, w http.ResponseWriter, c *transcoder.Controller, cur *Cursor, logger *slog.Logger) {
	start, ok := c.StartChunk(ctx)
	if !ok {
		logger.Debug("session ended before the transcoder launched")
		return
	}
	logger.Debug("serving from start chunk", slog.Int("chunk", start))
	h.serve(ctx, w, c, cur, start, false, logger)
}

func (h *Handler) requestLogger(ctx context.Context, sessionID string) *slog.Logger {
	return observability.WithSession(observability.LoggerFromContext(ctx), sessionID).
		With(slog.String("component", "stream"))
}

func (h *Handler) cursor(r *http.Request, logger *slog.Logger) *Cursor {
	rng, err := ParseRange(r.Header.Get("Range"), h.maxRangeSize)
	if err != nil {
		logger.Warn("ignoring range header",
			slog.String("range", r.Header.Get("Range")),
			slog.String("error", err.Error()),
		)
		return &Cursor{}
	}
	if rng != nil {
		if rng.Unit != "bytes" {
			logger.Warn("unexpected range unit", slog.String("unit", rng.Unit))
		}
		logger.Debug("range requested", slog.Int64("start", rng.Start), slog.Int64("end", rng.End))
	}
	return &Cursor{Range: rng}
}

// serve streams the header followed by chunks start, start+1, ... until the
// controller closes, a chunk stops arriving, the window ends or the client leaves.
func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, c *transcoder.Controller, cur *Cursor, start int, subtitle bool, logger *slog.Logger) {
	streamID := registry.StreamVideo
	if subtitle {
		streamID = registry.StreamSubtitle
	}
	sessionID := c.SessionID()

	defer func() {
		logger.Info("stream end",
			slog.Bool("subtitle", subtitle),
			slog.Int64("bytes", cur.Written),
		)
	}()

	// The header is sent once the first requested chunk exists.
	for {
		if ctx.Err() != nil {
			return
		}
		status := c.GetChunk(ctx, start, streamID, true)
		if status == transcoder.ChunkClosed {
			return
		}
		if status != transcoder.ChunkReady {
			continue
		}
		if h.writeChunk(ctx, w, cur, sessionID, HeaderChunk, subtitle, logger) {
			return
		}
		break
	}

	for chunk := start; ; {
		if ctx.Err() != nil {
			logger.Debug("client disconnected", slog.Int("chunk", chunk))
			return
		}
		if err := h.sessions.Touch(sessionID); err != nil {
			logger.Debug("touching session failed", slog.String("error", err.Error()))
		}

		switch c.GetChunk(ctx, chunk, streamID, true) {
		case transcoder.ChunkClosed, transcoder.ChunkTimedOut:
			return
		case transcoder.ChunkPending:
			continue
		}

		if h.writeChunk(ctx, w, cur, sessionID, chunk, subtitle, logger) {
			return
		}
		chunk++
	}
}

// writeChunk serves one file and reports whether the response must end.
func (h *Handler) writeChunk(ctx context.Context, w http.ResponseWriter, cur *Cursor, sessionID string, chunk int, subtitle bool, logger *slog.Logger) bool {
	done, err := h.files.ServeChunk(ctx, w, cur, sessionID, chunk, subtitle)
	switch {
	case errors.Is(err, ErrClientGone):
		logger.Debug("client disconnected", slog.Int("chunk", chunk))
		return true
	case err != nil:
		logger.Warn("serving chunk failed", slog.Int("chunk", chunk), slog.String("error", err.Error()))
		return true
	}
	return done
}

// parseOffset reads the integer part of an offset parameter.
func parseOffset(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}
