package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/stretchr/testify/require"
)

const testSession = "sess1"

const testTemplate = `{"args":["-i","{URL}/library/parts/1","-segment_time","5","-segment_start_number","0","media-%05d.ts"],"env":{"X_PLEX_TOKEN":"tok"}}`

// sleeperScript records its arguments in args-{pid}.txt in the working
// directory and then blocks. exec keeps the pid of the recorded shell.
const sleeperScript = "#!/bin/sh\nprintf '%s\\n' \"$@\" > \"args-$$.txt\"\necho started >&2\nexec sleep 30\n"

// exitScript records its arguments and exits immediately.
const exitScript = "#!/bin/sh\nprintf '%s\\n' \"$@\" > \"args-$$.txt\"\nexit 0\n"

func skipIfWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake transcoder is a shell script")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

type fakeEvicter struct {
	mu      sync.Mutex
	evicted []string
}

func (f *fakeEvicter) Evict(sessionID string, _ *Controller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, sessionID)
}

func (f *fakeEvicter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.evicted)
}

// fakeForwarder plays the upstream coordinator: when template is set it
// stores it and announces it, as the template callback would.
type fakeForwarder struct {
	reg      registry.Registry
	template string
	calls    atomic.Int32
	lastPath atomic.Value
}

func (f *fakeForwarder) Forward(ctx context.Context, sessionID, pathAndQuery string) error {
	f.calls.Add(1)
	f.lastPath.Store(pathAndQuery)
	if f.template == "" {
		return nil
	}
	if err := f.reg.Set(ctx, sessionID, f.template); err != nil {
		return err
	}
	return f.reg.Publish(ctx, registry.TemplateEvent(sessionID), registry.Notification{})
}

type fatalRecorder struct {
	mu    sync.Mutex
	errs  []error
	codes []int
}

func (f *fatalRecorder) handle(err error, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.codes = append(f.codes, code)
}

func (f *fatalRecorder) last() (error, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil, 0, false
	}
	return f.errs[len(f.errs)-1], f.codes[len(f.codes)-1], true
}

type harness struct {
	t     *testing.T
	cfg   *config.Config
	reg   *registry.MemoryRegistry
	ev    *fakeEvicter
	fatal *fatalRecorder
	opts  Options
}

// newHarness builds a config rooted in a temp dir. script, when non-empty, is
// installed as the transcoder executable.
func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	if script != "" {
		writeScript(t, bin, "transcoder", script)
	}

	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 3000},
		Upstream: config.UpstreamConfig{LoadBalancer: "http://127.0.0.1:3001"},
		Transcoder: config.TranscoderConfig{
			Dir:              dir,
			BinDir:           bin,
			Exe:              "transcoder",
			BringupTimeout:   2 * time.Second,
			ChunkWaitTimeout: 100 * time.Millisecond,
			KillGrace:        500 * time.Millisecond,
			JumpWindow:       10,
		},
	}

	reg := registry.NewMemoryRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	h := &harness{
		t:     t,
		cfg:   cfg,
		reg:   reg,
		ev:    &fakeEvicter{},
		fatal: &fatalRecorder{},
	}
	h.opts = Options{
		Config:   cfg,
		Registry: reg,
		Evicter:  h.ev,
		Fatal:    h.fatal.handle,
	}
	return h
}

func (h *harness) newController(offset int) *Controller {
	c := New(h.opts, testSession, offset)
	h.t.Cleanup(func() { c.Kill(context.Background(), true) })
	return c
}

func (h *harness) storeTemplate() {
	require.NoError(h.t, h.reg.Set(context.Background(), testSession, testTemplate))
}

func (h *harness) get(key string) (string, bool) {
	v, ok, err := h.reg.Get(context.Background(), key)
	require.NoError(h.t, err)
	return v, ok
}

// recordedArgs returns the arguments the current fake transcoder was launched with.
func recordedArgs(t *testing.T, c *Controller) []string {
	t.Helper()
	proc := waitLaunched(t, c)
	file := filepath.Join(c.SessionDir(), fmt.Sprintf("args-%d.txt", proc.PID()))
	var lines []string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(file)
		if err != nil || len(data) == 0 {
			return false
		}
		lines = splitLines(string(data))
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return lines
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func currentProcess(c *Controller) *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

func waitLaunched(t *testing.T, c *Controller) *Process {
	t.Helper()
	require.Eventually(t, func() bool { return currentProcess(c) != nil }, 3*time.Second, 10*time.Millisecond)
	return currentProcess(c)
}
