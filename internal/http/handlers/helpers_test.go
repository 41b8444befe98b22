package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/jmylchreest/chunkrelay/internal/session"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
)

type testEnv struct {
	cfg     *config.Config
	reg     *registry.MemoryRegistry
	manager *session.Manager
	router  *chi.Mux
	api     huma.API
}

// newTestEnv builds a manager whose sessions never receive a template, so
// they stay in bring-up until the test kills them.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	cfg := &config.Config{
		Server:   config.ServerConfig{Port: 3000},
		Upstream: config.UpstreamConfig{LoadBalancer: "http://127.0.0.1:3001"},
		Transcoder: config.TranscoderConfig{
			Dir:              t.TempDir(),
			BringupTimeout:   10 * time.Second,
			ChunkWaitTimeout: 100 * time.Millisecond,
			KillGrace:        100 * time.Millisecond,
			JumpWindow:       10,
		},
	}
	m := session.NewManager(config.SessionConfig{IdleTimeout: time.Minute}, transcoder.Options{
		Config:   cfg,
		Registry: reg,
		Fatal:    func(err error, code int) { t.Errorf("unexpected fatal %d: %v", code, err) },
		Logger:   slog.Default(),
	})
	t.Cleanup(func() { m.Close(context.Background()) })

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("test", "1.0.0"))
	return &testEnv{cfg: cfg, reg: reg, manager: m, router: router, api: api}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) mustGet(t *testing.T, key string) string {
	t.Helper()
	v, ok, err := e.reg.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "key %s", key)
	return v
}
