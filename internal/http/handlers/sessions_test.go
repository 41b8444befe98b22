package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
)

func TestSessionHandler_List(t *testing.T) {
	env := newTestEnv(t)
	NewSessionHandler(env.manager, env.reg, slog.Default()).Register(env.api)

	env.manager.Create("b", 0, "/start?session=b")
	env.manager.Create("a", 30, "/start?session=a")

	rec := env.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []SessionResponse `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "a", body.Sessions[0].SessionID)
	assert.Equal(t, 30, body.Sessions[0].StreamOffset)
	assert.True(t, body.Sessions[0].Alive)
	assert.Nil(t, body.Sessions[0].Process, "no process before the template arrives")
	assert.Equal(t, "b", body.Sessions[1].SessionID)
}

func TestSessionHandler_Stop(t *testing.T) {
	env := newTestEnv(t)
	NewSessionHandler(env.manager, env.reg, slog.Default()).Register(env.api)

	c := env.manager.Create("s1", 0, "/start?session=s1")

	rec := env.do(t, http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, c.Alive())
	_, ok := env.manager.Lookup("s1")
	assert.False(t, ok)

	rec = env.do(t, http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandler_StoreTemplate(t *testing.T) {
	env := newTestEnv(t)
	NewSessionHandler(env.manager, env.reg, slog.Default()).Register(env.api)

	ctx := context.Background()
	sub, err := env.reg.Subscribe(ctx, registry.TemplateEvent("s1"))
	require.NoError(t, err)
	defer sub.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/s1/template",
		`{"args":["-i","{URL}/library/parts/1","-segment_time","5"],"env":{"X_PLEX_TOKEN":"tok"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	tmpl, err := transcoder.ParseTemplate(env.mustGet(t, "s1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"-i", "{URL}/library/parts/1", "-segment_time", "5"}, tmpl.Args)
	assert.Equal(t, "tok", tmpl.Env["X_PLEX_TOKEN"])

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("template event not published")
	}
}

func TestSessionHandler_StoreTemplate_Empty(t *testing.T) {
	env := newTestEnv(t)
	NewSessionHandler(env.manager, env.reg, slog.Default()).Register(env.api)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/s1/template", `{"args":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	_, ok, err := env.reg.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}
