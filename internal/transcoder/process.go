package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v4/process"
)

// maxStderrLines is how many trailing stderr lines are kept per process.
const maxStderrLines = 50

// maxPartialLine caps the unterminated tail kept between writes.
const maxPartialLine = 4096

// processWaitDelay bounds how long Wait blocks on output pipes held open by
// children of a killed process.
const processWaitDelay = 2 * time.Second

// ErrProcessNotStarted is returned by Process methods before a successful start.
var ErrProcessNotStarted = errors.New("process not started")

// processSpec describes one transcoder launch.
type processSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is one running transcoder instance.
type Process struct {
	runID   string
	cmd     *exec.Cmd
	logger  *slog.Logger
	started time.Time

	done     chan struct{}
	exitErr  error
	detached atomic.Bool
	onExit   func(p *Process, err error)

	stderr *tailWriter
}

// startProcess launches spec. onExit runs once when the process exits on its
// own, unless the process was detached first.
func startProcess(spec processSpec, logger *slog.Logger, onExit func(p *Process, err error)) (*Process, error) {
	runID := ulid.Make().String()
	p := &Process{
		runID:  runID,
		logger: logger.With(slog.String("run_id", runID)),
		done:   make(chan struct{}),
		onExit: onExit,
		stderr: newTailWriter(maxStderrLines),
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stderr = p.stderr
	cmd.WaitDelay = processWaitDelay
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting transcoder: %w", err)
	}
	p.started = time.Now()

	p.logger.Info("transcoder started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("args", len(spec.Args)),
	)

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	attrs := []any{
		slog.Duration("uptime", time.Since(p.started)),
		slog.Bool("detached", p.detached.Load()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if lines := p.stderr.Lines(); len(lines) > 0 {
		attrs = append(attrs, slog.String("stderr_tail", lines[len(lines)-1]))
	}
	p.logger.Info("transcoder exited", attrs...)

	if !p.detached.Load() && p.onExit != nil {
		p.onExit(p, err)
	}
}

// RunID is the unique id of this launch.
func (p *Process) RunID() string {
	return p.runID
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Detach suppresses the exit callback. Used before a deliberate restart.
func (p *Process) Detach() {
	p.detached.Store(true)
}

// Kill sends SIGKILL and waits up to grace for the process to exit.
func (p *Process) Kill(grace time.Duration) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing transcoder: %w", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("transcoder did not exit within grace period",
			slog.Int("pid", p.PID()),
			slog.Duration("grace", grace),
		)
	}
	return nil
}

// StderrLines returns the most recent stderr lines.
func (p *Process) StderrLines() []string {
	return p.stderr.Lines()
}

// ProcessStats is a point-in-time resource snapshot of a transcoder.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RunID      string  `json:"run_id"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Uptime     string  `json:"uptime"`
}

// Stats samples CPU and memory usage of the process.
func (p *Process) Stats(ctx context.Context) (ProcessStats, error) {
	stats := ProcessStats{
		PID:    p.PID(),
		RunID:  p.runID,
		Uptime: time.Since(p.started).Round(time.Second).String(),
	}
	if p.Exited() {
		return stats, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(stats.PID))
	if err != nil {
		return stats, fmt.Errorf("inspecting pid %d: %w", stats.PID, err)
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}

// tailWriter keeps the last max lines written to it. Carriage returns end a
// line too: progress output rewrites one line with '\r' and never sends '\n'.
type tailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max, lines: make([]string, 0, max)}
}

func (w *tailWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, b...)
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := string(data[:i])
		data = data[i+1:]
		if line == "" {
			continue
		}
		w.lines = append(w.lines, line)
		if len(w.lines) > w.max {
			w.lines = w.lines[1:]
		}
	}
	if len(data) > maxPartialLine {
		data = data[len(data)-maxPartialLine:]
	}
	w.partial = append(w.partial[:0], data...)
	return len(b), nil
}

func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}
