// Package session keeps the arena of live transcoder controllers, one per
// playback session, and expires the ones clients stopped asking for.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
)

// ErrSessionNotFound is returned when no controller exists for a session.
var ErrSessionNotFound = errors.New("session not found")

type entry struct {
	ctrl         *transcoder.Controller
	lastActivity time.Time
}

// Manager is the session registry.
type Manager struct {
	cfg    config.SessionConfig
	opts   transcoder.Options
	logger *slog.Logger

	// createMu serializes replacing controllers so at most one is live per session.
	createMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*entry
	// tokens maps upstream session identifiers to relay session ids
	tokens map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. Controllers it creates use opts, with
// the manager itself as their Evicter.
func NewManager(cfg config.SessionConfig, opts transcoder.Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session")),
		sessions: make(map[string]*entry),
		tokens:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	opts.Evicter = m
	m.opts = opts

	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	return m
}

// Create builds a controller for sessionID positioned at offset, registers it
// and starts it. A previous controller still alive is killed (keeping the
// stored template) before the new one is registered. Upstream tokens
// correlated with the session carry over to the new controller.
func (m *Manager) Create(sessionID string, offset int, pathAndQuery string) *transcoder.Controller {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	return m.create(sessionID, offset, pathAndQuery)
}

// GetOrCreate returns the live controller of sessionID, or creates one at
// offset when there is none. created reports which happened.
func (m *Manager) GetOrCreate(sessionID string, offset int, pathAndQuery string) (c *transcoder.Controller, created bool) {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	if c, ok := m.Lookup(sessionID); ok && c.Alive() {
		return c, false
	}
	return m.create(sessionID, offset, pathAndQuery), true
}

// create must be called with createMu held.
func (m *Manager) create(sessionID string, offset int, pathAndQuery string) *transcoder.Controller {
	tokens := m.tokensFor(sessionID)
	if prev, ok := m.Lookup(sessionID); ok {
		if prev.Alive() {
			m.logger.Info("replacing live controller",
				slog.String("session_id", sessionID),
				slog.Int("stream_offset", prev.StreamOffset()),
			)
		}
		// Waits for an in-progress kill to finish its cleanup.
		prev.Kill(m.ctx, false)
	}

	c := transcoder.New(m.opts, sessionID, offset)
	m.Register(c)
	for _, token := range tokens {
		m.Correlate(token, sessionID)
	}
	c.Start(pathAndQuery)
	return c
}

func (m *Manager) tokensFor(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for token, sid := range m.tokens {
		if sid == sessionID {
			out = append(out, token)
		}
	}
	return out
}

// Lookup returns the live controller of sessionID.
func (m *Manager) Lookup(sessionID string) (*transcoder.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Register maps the controller's session to it, replacing any previous entry.
func (m *Manager) Register(c *transcoder.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[c.SessionID()]; ok && prev.ctrl != c && prev.ctrl.Alive() {
		m.logger.Warn("replacing a live controller",
			slog.String("session_id", c.SessionID()),
		)
	}
	m.sessions[c.SessionID()] = &entry{ctrl: c, lastActivity: time.Now()}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
}

// Evict removes sessionID only while it still maps to c.
func (m *Manager) Evict(sessionID string, c *transcoder.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.ctrl != c {
		return
	}
	delete(m.sessions, sessionID)
	for token, sid := range m.tokens {
		if sid == sessionID {
			delete(m.tokens, token)
		}
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
}

// Touch refreshes the idle timeout of sessionID.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	e.lastActivity = time.Now()
	return nil
}

// Correlate records that the upstream token belongs to sessionID.
// Empty tokens are ignored.
func (m *Manager) Correlate(token, sessionID string) {
	if token == "" || sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = sessionID
}

// SessionForToken returns the session correlated with an upstream token.
func (m *Manager) SessionForToken(token string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.tokens[token]
	return sid, ok
}

// Stop kills the session's controller with a full clean.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	c, ok := m.Lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	c.Kill(ctx, true)
	return nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Info describes one registered session.
type Info struct {
	SessionID    string
	StreamOffset int
	Alive        bool
	Transcoding  bool
	CreatedAt    time.Time
	LastActivity time.Time
	Controller   *transcoder.Controller
}

// List returns all sessions sorted by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for id, e := range m.sessions {
		out = append(out, Info{
			SessionID:    id,
			StreamOffset: e.ctrl.StreamOffset(),
			Alive:        e.ctrl.Alive(),
			Transcoding:  e.ctrl.Transcoding(),
			CreatedAt:    e.ctrl.CreatedAt(),
			LastActivity: e.lastActivity,
			Controller:   e.ctrl,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close stops the cleanup loop and kills every session.
func (m *Manager) Close(ctx context.Context) {
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	ctrls := make([]*transcoder.Controller, 0, len(m.sessions))
	for _, e := range m.sessions {
		ctrls = append(ctrls, e.ctrl)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Kill(ctx, true)
		}()
	}
	wg.Wait()
}

// cleanupLoop periodically expires idle sessions.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.expireIdle(time.Now())
		}
	}
}

// expireIdle kills sessions idle longer than the idle timeout. Kill evicts,
// so it must run without the manager lock.
func (m *Manager) expireIdle(now time.Time) int {
	m.mu.RLock()
	var stale []*transcoder.Controller
	for id, e := range m.sessions {
		if now.Sub(e.lastActivity) > m.cfg.IdleTimeout {
			m.logger.Info("expiring idle session",
				slog.String("session_id", id),
				slog.Duration("idle", now.Sub(e.lastActivity)),
			)
			stale = append(stale, e.ctrl)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		go c.Kill(context.Background(), true)
	}
	return len(stale)
}
