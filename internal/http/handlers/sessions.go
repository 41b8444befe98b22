package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/jmylchreest/chunkrelay/internal/session"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
)

// SessionHandler exposes the live session arena and the template callback
// used by the upstream coordinator.
type SessionHandler struct {
	manager *session.Manager
	reg     registry.Registry
	logger  *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(manager *session.Manager, reg registry.Registry, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{manager: manager, reg: reg, logger: logger}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Description: "Returns every live transcode session with its process statistics",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "stopSession",
		Method:        "DELETE",
		Path:          "/api/v1/sessions/{sessionId}",
		Summary:       "Stop a session",
		Description:   "Kills the session's transcoder and removes all of its chunks and its template",
		Tags:          []string{"Sessions"},
		DefaultStatus: 204,
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID:   "putSessionTemplate",
		Method:        "POST",
		Path:          "/api/v1/sessions/{sessionId}/template",
		Summary:       "Store a command template",
		Description:   "Stores the transcoder command template for a session and wakes up its pending bring-up",
		Tags:          []string{"Sessions"},
		DefaultStatus: 204,
	}, h.StoreTemplate)
}

// SessionResponse describes one session.
type SessionResponse struct {
	SessionID    string       `json:"session_id"`
	StreamOffset int          `json:"stream_offset"`
	Alive        bool         `json:"alive"`
	Transcoding  bool         `json:"transcoding"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	Process      *ProcessInfo `json:"process,omitempty"`
}

// ProcessInfo describes a running transcoder.
type ProcessInfo struct {
	PID           int     `json:"pid"`
	RunID         string  `json:"run_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	Uptime        string  `json:"uptime"`
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []SessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
}

// List returns all sessions.
func (h *SessionHandler) List(ctx context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	infos := h.manager.List()
	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]SessionResponse, 0, len(infos))
	for _, info := range infos {
		resp := SessionResponse{
			SessionID:    info.SessionID,
			StreamOffset: info.StreamOffset,
			Alive:        info.Alive,
			Transcoding:  info.Transcoding,
			CreatedAt:    info.CreatedAt,
			LastActivity: info.LastActivity,
		}
		if stats, ok := info.Controller.Stats(ctx); ok {
			resp.Process = &ProcessInfo{
				PID:           stats.PID,
				RunID:         stats.RunID,
				CPUPercent:    stats.CPUPercent,
				RSSBytes:      stats.RSSBytes,
				Uptime:        stats.Uptime,
			}
		}
		out.Body.Sessions = append(out.Body.Sessions, resp)
	}
	out.Body.Count = len(out.Body.Sessions)
	return out, nil
}

// SessionPathInput identifies a session.
type SessionPathInput struct {
	SessionID string `path:"sessionId" doc:"Transcode session id"`
}

// Stop kills a session with a full clean.
func (h *SessionHandler) Stop(ctx context.Context, input *SessionPathInput) (*struct{}, error) {
	if err := h.manager.Stop(ctx, input.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("stopping session", err)
	}
	return nil, nil
}

// StoreTemplateInput carries the template posted by the coordinator.
type StoreTemplateInput struct {
	SessionID string `path:"sessionId" doc:"Transcode session id"`
	Body      transcoder.Template
}

// StoreTemplate saves the template under the session id and announces it.
func (h *SessionHandler) StoreTemplate(ctx context.Context, input *StoreTemplateInput) (*struct{}, error) {
	if len(input.Body.Args) == 0 {
		return nil, huma.Error422UnprocessableEntity("template has no arguments")
	}
	data, err := input.Body.Encode()
	if err != nil {
		return nil, huma.Error400BadRequest("encoding template", err)
	}
	if err := h.reg.Set(ctx, input.SessionID, data); err != nil {
		return nil, huma.Error500InternalServerError("storing template", err)
	}
	if err := h.reg.Publish(ctx, registry.TemplateEvent(input.SessionID), registry.Notification{}); err != nil {
		return nil, huma.Error500InternalServerError("announcing template", err)
	}

	h.logger.InfoContext(ctx, "command template stored",
		slog.String("session_id", input.SessionID),
		slog.Int("args", len(input.Body.Args)),
	)
	return nil, nil
}
