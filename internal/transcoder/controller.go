// Package transcoder supervises the external transcoder process of one
// playback session: launch, repositioning on seek, chunk waits and teardown.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/observability"
	"github.com/jmylchreest/chunkrelay/internal/registry"
)

// Exit codes used by the default fatal handler.
const (
	ExitBinaryNotFound = 3
	ExitCacheDir       = 4
)

// ErrCacheDir is reported when the session cache directory cannot be created.
var ErrCacheDir = errors.New("cannot create transcoder cache directory")

// FatalHandler receives configuration errors the relay cannot recover from.
type FatalHandler func(err error, exitCode int)

// DefaultFatalHandler logs the error and terminates the process.
func DefaultFatalHandler(logger *slog.Logger) FatalHandler {
	return func(err error, exitCode int) {
		logger.Error("fatal transcoder error",
			slog.String("error", err.Error()),
			slog.Int("exit_code", exitCode),
		)
		os.Exit(exitCode)
	}
}

// Forwarder relays a start request to the upstream coordinator, which answers
// by storing the command template for the session.
type Forwarder interface {
	Forward(ctx context.Context, sessionID, pathAndQuery string) error
}

// Evicter removes a controller from the session registry.
type Evicter interface {
	Evict(sessionID string, c *Controller)
}

// Options holds the collaborators shared by all controllers.
type Options struct {
	Config    *config.Config
	Registry  registry.Registry
	Forwarder Forwarder
	Evicter   Evicter
	Fatal     FatalHandler
	Logger    *slog.Logger
}

// Controller owns one session's transcoder process.
type Controller struct {
	sessionID    string
	streamOffset int
	createdAt    time.Time

	cfg          config.TranscoderConfig
	placeholders Placeholders
	reg          registry.Registry
	fwd          Forwarder
	evicter      Evicter
	fatal        FatalHandler
	logger       *slog.Logger

	alive       atomic.Bool
	transcoding atomic.Bool

	killed    chan struct{}
	cleaned   chan struct{}
	killOnce  sync.Once
	launched  chan struct{}
	firstOnce sync.Once

	mu             sync.Mutex
	proc           *Process
	args           []string
	env            []string
	pendingChunk   int
	hasPending     bool
	startChunk     int
	bringup        *time.Timer
	cancelUpstream context.CancelFunc
}

// New creates a controller positioned at streamOffset. It does nothing until Start.
func New(opts Options, sessionID string, streamOffset int) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = DefaultFatalHandler(logger)
	}

	c := &Controller{
		sessionID:    sessionID,
		streamOffset: streamOffset,
		createdAt:    time.Now(),
		cfg:          opts.Config.Transcoder,
		placeholders: NewPlaceholders(opts.Config),
		reg:          opts.Registry,
		fwd:          opts.Forwarder,
		evicter:      opts.Evicter,
		fatal:        fatal,
		logger:       observability.WithSession(observability.WithComponent(logger, "transcoder"), sessionID),
		killed:       make(chan struct{}),
		cleaned:      make(chan struct{}),
		launched:     make(chan struct{}),
	}
	c.alive.Store(true)
	c.transcoding.Store(true)
	return c
}

// SessionID returns the session this controller serves.
func (c *Controller) SessionID() string { return c.sessionID }

// StreamOffset returns the offset the controller was created at.
func (c *Controller) StreamOffset() int { return c.streamOffset }

// CreatedAt returns when the controller was created.
func (c *Controller) CreatedAt() time.Time { return c.createdAt }

// Alive reports whether Kill has not yet been called.
func (c *Controller) Alive() bool { return c.alive.Load() }

// Transcoding reports whether the transcoder process has not exited on its own.
func (c *Controller) Transcoding() bool { return c.transcoding.Load() }

// Done is closed when Kill begins.
func (c *Controller) Done() <-chan struct{} { return c.killed }

// SessionDir returns the working directory of the session.
func (c *Controller) SessionDir() string {
	return filepath.Join(c.cfg.CachePath(), c.sessionID)
}

// Stats samples the running process, if any.
func (c *Controller) Stats(ctx context.Context) (ProcessStats, bool) {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return ProcessStats{}, false
	}
	stats, err := proc.Stats(ctx)
	if err != nil {
		c.logger.Debug("sampling process stats failed", slog.String("error", err.Error()))
	}
	return stats, true
}

// Start brings the transcoder up in the background. When a command template
// is already stored for the session it is reused; otherwise pathAndQuery is
// forwarded upstream and the launch happens once the template arrives.
func (c *Controller) Start(pathAndQuery string) {
	go c.bringUp(pathAndQuery)
}

func (c *Controller) bringUp(pathAndQuery string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.alive.Load() {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancelUpstream = cancel
	c.mu.Unlock()

	tmpl, ok, err := c.reg.Get(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("reading stored template failed", slog.String("error", err.Error()))
	}
	if ok {
		c.logger.Info("restarting session from stored template", slog.Int("stream_offset", c.streamOffset))
		c.launchFromTemplate(ctx, tmpl)
		return
	}

	c.logger.Info("creating session", slog.Int("stream_offset", c.streamOffset))

	sub, err := c.reg.Subscribe(ctx, registry.TemplateEvent(c.sessionID))
	if err != nil {
		c.logger.Error("subscribing to template event failed", slog.String("error", err.Error()))
		c.Kill(context.Background(), true)
		return
	}
	defer sub.Close()

	// Kill stops the timer under c.mu, so it must not be armed once alive is false.
	c.mu.Lock()
	if !c.alive.Load() {
		c.mu.Unlock()
		return
	}
	c.bringup = time.AfterFunc(c.cfg.BringupTimeout, c.bringupExpired)
	c.mu.Unlock()

	if c.fwd != nil {
		go func() {
			if err := c.fwd.Forward(ctx, c.sessionID, pathAndQuery); err != nil && ctx.Err() == nil {
				c.logger.Warn("forwarding start request upstream failed", slog.String("error", err.Error()))
			}
		}()
	}

	select {
	case _, ok := <-sub.C():
		if !ok {
			return
		}
	case <-c.killed:
		return
	}

	c.mu.Lock()
	if c.bringup != nil {
		c.bringup.Stop()
		c.bringup = nil
	}
	c.mu.Unlock()

	c.logger.Debug("template callback received")

	tmpl, ok, err = c.reg.Get(ctx, c.sessionID)
	if err != nil || !ok {
		c.logger.Error("template callback without stored template", slog.Bool("found", ok))
		c.Kill(context.Background(), true)
		return
	}
	c.launchFromTemplate(ctx, tmpl)
}

func (c *Controller) bringupExpired() {
	c.logger.Warn("transcoder bring-up timed out", slog.Duration("timeout", c.cfg.BringupTimeout))
	c.Kill(context.Background(), true)
}

// launchFromTemplate resets the session state and spawns the process.
func (c *Controller) launchFromTemplate(ctx context.Context, raw string) {
	if err := registry.SetInt(ctx, c.reg, registry.LastKey(c.sessionID), 0); err != nil {
		c.logger.Warn("resetting last chunk failed", slog.String("error", err.Error()))
	}
	if err := registry.PurgeSession(ctx, c.reg, c.sessionID, false, registry.LastKey(c.sessionID)); err != nil {
		c.logger.Warn("clearing stale chunk keys failed", slog.String("error", err.Error()))
	}

	dir := c.SessionDir()
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("removing session directory failed", slog.String("error", err.Error()))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.fatal(fmt.Errorf("%w: %s: %v", ErrCacheDir, dir, err), ExitCacheDir)
		return
	}

	tmpl, err := ParseTemplate(raw)
	if err != nil {
		c.logger.Error("stored template is unusable", slog.String("error", err.Error()))
		c.Kill(context.Background(), true)
		return
	}

	args := c.placeholders.Expand(tmpl.Args)
	env := BuildEnv(os.Environ(), c.cfg, tmpl.Env["X_PLEX_TOKEN"])

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		// Killed while preparing; the directory was recreated above.
		_ = os.RemoveAll(dir)
		return
	}

	switch {
	case c.hasPending:
		args = PatchArgs(args, c.pendingChunk, c.streamOffset)
		c.hasPending = false
	case c.streamOffset > 0:
		args = argsAtOffset(args, c.streamOffset)
	}
	c.args = args
	c.env = env

	c.launchLocked(ctx)
}

// launchLocked spawns the process with the current args. c.mu must be held.
func (c *Controller) launchLocked(ctx context.Context) {
	if !c.alive.Load() {
		return
	}

	path, err := ResolveBinary(c.cfg)
	if err != nil {
		c.fatal(err, ExitBinaryNotFound)
		return
	}

	c.transcoding.Store(true)
	proc, err := startProcess(processSpec{
		Path: path,
		Args: c.args,
		Env:  c.env,
		Dir:  c.SessionDir(),
	}, c.logger, c.processExited)
	if err != nil {
		c.transcoding.Store(false)
		c.logger.Error("failed to start transcoder", slog.String("error", err.Error()))
		return
	}
	c.proc = proc
	c.startChunk = FirstChunk(c.args)
	c.firstOnce.Do(func() { close(c.launched) })
	metrics.TranscoderLaunchesTotal.Inc()

	if err := registry.SetInt(ctx, c.reg, registry.LastKey(c.sessionID), InitialLastChunk(c.args)); err != nil {
		c.logger.Warn("updating last chunk failed", slog.String("error", err.Error()))
	}
}

// StartChunk returns the first chunk the transcoder produces for the stream
// offset this controller was created at. Offset 0 always starts at chunk 0.
// Before the first launch the chunk is derived from the stored template; when
// there is none yet it waits for the launch. ok is false when the controller
// dies or ctx ends first.
func (c *Controller) StartChunk(ctx context.Context) (chunk int, ok bool) {
	if c.streamOffset <= 0 {
		return 0, true
	}
	select {
	case <-c.launched:
		return c.launchedStart(), true
	default:
	}

	raw, found, err := c.reg.Get(ctx, c.sessionID)
	if err == nil && found {
		if tmpl, err := ParseTemplate(raw); err == nil {
			return FirstChunk(argsAtOffset(tmpl.Args, c.streamOffset)), true
		}
	}

	select {
	case <-c.launched:
		return c.launchedStart(), true
	case <-c.killed:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}

func (c *Controller) launchedStart() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startChunk
}

func (c *Controller) processExited(p *Process, _ error) {
	c.mu.Lock()
	current := c.proc == p
	c.mu.Unlock()
	if current {
		c.transcoding.Store(false)
	}
}

// GetChunk reports whether chunk of streamID can be served. A missing video
// chunk repositions the transcoder unless noJump is set; other misses wait.
func (c *Controller) GetChunk(ctx context.Context, chunk int, streamID string, noJump bool) ChunkStatus {
	chunkID := registry.ChunkID(chunk)
	_, ok, err := c.reg.Get(ctx, registry.ChunkKey(c.sessionID, streamID, chunkID))
	if err != nil {
		c.logger.Warn("chunk lookup failed", slog.String("chunk", chunkID), slog.String("error", err.Error()))
	}
	if ok {
		return c.readyUnlessDead()
	}

	if streamID == registry.StreamVideo && !noJump {
		return c.requestJump(ctx, chunk, streamID)
	}

	if status := c.Wait(ctx, chunkID, streamID); status != ChunkReady {
		return status
	}
	return ChunkPending
}

// requestJump keeps the transcoder running when chunk is within the jump
// window of the last produced chunk and restarts it at chunk otherwise.
func (c *Controller) requestJump(ctx context.Context, chunk int, streamID string) ChunkStatus {
	lastKey := registry.LastKey(c.sessionID)
	last, ok, err := registry.GetInt(ctx, c.reg, lastKey)
	if err == nil && ok && last <= chunk && last >= chunk-c.cfg.JumpWindow {
		if c.Wait(ctx, registry.ChunkID(chunk), streamID) == ChunkClosed {
			return ChunkClosed
		}
		return ChunkPending
	}

	if err := registry.SetInt(ctx, c.reg, lastKey, chunk); err != nil {
		c.logger.Warn("updating last chunk failed", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.Load() {
		return ChunkClosed
	}

	if c.proc == nil {
		c.pendingChunk = chunk
		c.hasPending = true
		return ChunkPending
	}

	c.logger.Info("seeking transcoder", slog.Int("chunk", chunk), slog.Int("last", last), slog.Bool("last_known", ok))
	old := c.proc
	old.Detach()
	if err := old.Kill(c.cfg.KillGrace); err != nil {
		c.logger.Warn("stopping transcoder for seek failed", slog.String("error", err.Error()))
	}
	metrics.TranscoderRestartsTotal.WithLabelValues("seek").Inc()

	c.args = PatchArgs(c.args, chunk, c.streamOffset)
	c.launchLocked(ctx)
	return ChunkPending
}

// Kill stops the controller: pending waits resolve closed, the process is
// killed, the session directory and registry keys are removed and the session
// is evicted. fullClean also removes the stored template. Kill is idempotent;
// later calls block until the first one finishes.
func (c *Controller) Kill(ctx context.Context, fullClean bool) {
	first := false
	c.killOnce.Do(func() {
		first = true
		c.kill(ctx, fullClean)
	})
	if !first {
		<-c.cleaned
	}
}

func (c *Controller) kill(ctx context.Context, fullClean bool) {
	defer close(c.cleaned)

	c.logger.Info("killing session", slog.Bool("full_clean", fullClean))
	c.alive.Store(false)
	close(c.killed)

	c.mu.Lock()
	if c.cancelUpstream != nil {
		c.cancelUpstream()
	}
	if c.bringup != nil {
		c.bringup.Stop()
		c.bringup = nil
	}
	proc := c.proc
	c.mu.Unlock()

	if proc != nil && c.transcoding.Load() {
		if err := proc.Kill(c.cfg.KillGrace); err != nil {
			c.logger.Warn("killing transcoder failed", slog.String("error", err.Error()))
		}
	}

	if err := os.RemoveAll(c.SessionDir()); err != nil {
		c.logger.Warn("removing session directory failed", slog.String("error", err.Error()))
	}
	if err := registry.PurgeSession(ctx, c.reg, c.sessionID, fullClean); err != nil {
		c.logger.Warn("deleting session keys failed", slog.String("error", err.Error()))
	}

	mode := "partial"
	if fullClean {
		mode = "full"
	}
	metrics.TranscoderKillsTotal.WithLabelValues(mode).Inc()

	if c.evicter != nil {
		c.evicter.Evict(c.sessionID, c)
	}
}
