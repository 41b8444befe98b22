package handlers

import (
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrelay/internal/storage"
	"github.com/jmylchreest/chunkrelay/internal/stream"
)

func newTranscodeEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	box, err := storage.NewSandbox(env.cfg.Transcoder.CachePath())
	require.NoError(t, err)
	files := stream.NewFileServer(box)
	streams := stream.NewHandler(env.manager, env.reg, files, 0, slog.Default())
	NewTranscodeHandler(streams, env.manager).RegisterChiRoutes(env.router)
	return env
}

func TestTranscodeHandler_Stop(t *testing.T) {
	env := newTranscodeEnv(t)
	c := env.manager.Create("s1", 0, "")

	rec := env.do(t, http.MethodGet, StopPath+"?session=s1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, c.Alive())

	rec = env.do(t, http.MethodGet, StopPath+"?session=s1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTranscodeHandler_StopByPlayerSession(t *testing.T) {
	env := newTranscodeEnv(t)
	c := env.manager.Create("s1", 0, "")
	env.manager.Correlate("player-token", "s1")

	rec := env.do(t, http.MethodGet, StopPath+"?X-Plex-Session-Identifier=player-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, c.Alive())
}

func TestTranscodeHandler_Ping(t *testing.T) {
	env := newTranscodeEnv(t)

	rec := env.do(t, http.MethodGet, PingPath+"?session=s1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.manager.Create("s1", 0, "")
	before := env.manager.List()[0].LastActivity

	rec = env.do(t, http.MethodGet, PingPath+"?session=s1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	after := env.manager.List()[0].LastActivity
	assert.False(t, after.Before(before))
}

func TestTranscodeHandler_SubtitlesUnknownSession(t *testing.T) {
	env := newTranscodeEnv(t)

	rec := env.do(t, http.MethodGet, SubtitlesPath+"?session=nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Session not found")
}

func TestTranscodeHandler_StartRequiresSession(t *testing.T) {
	env := newTranscodeEnv(t)

	rec := env.do(t, http.MethodGet, StartPath, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
