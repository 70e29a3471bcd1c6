// Package process runs model-proposed shell commands in the workspace.
//
// Foreground commands run synchronously with a timeout and combined output
// capture. Background commands (dev servers, watchers) are detached into
// their own process group, their output drained into a ring buffer, and
// tracked so shutdown can terminate them gracefully: SIGTERM, a grace
// period, then SIGKILL.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

const (
	// DefaultTimeout bounds a foreground command.
	DefaultTimeout = 120 * time.Second

	// DefaultGrace is how long a signalled process gets before SIGKILL.
	DefaultGrace = 5 * time.Second

	// DisplayLines caps command output shown to the user.
	DisplayLines = 20

	// bgLogLines is how much recent output is retained per background process.
	bgLogLines = 200
)

// Background describes one detached process the runner is tracking.
type Background struct {
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Started time.Time `json:"started"`
}

type bgProcess struct {
	cmd     *exec.Cmd
	command string
	started time.Time
	logs    *LogBuffer
	done    chan struct{} // closed when the process is reaped
}

// Runner executes shell commands rooted at a workspace directory.
type Runner struct {
	dir     string
	timeout time.Duration
	grace   time.Duration

	mu sync.Mutex
	bg map[int]*bgProcess
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout overrides the foreground command timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithGrace overrides the termination grace period.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// New creates a runner for the given workspace directory.
func New(dir string, opts ...Option) *Runner {
	r := &Runner{
		dir:     dir,
		timeout: DefaultTimeout,
		grace:   DefaultGrace,
		bg:      make(map[int]*bgProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a foreground command through the shell and waits for it.
// Failures are reported in the result, never as a panic or lost output:
// a command that cannot be spawned comes back with ExitCode -1 and the
// spawn error as output.
func (r *Runner) Run(ctx context.Context, command string) models.RunResult {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = r.dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Signal the whole group so shell children terminate too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	err := cmd.Run()

	res := models.RunResult{
		Command:  command,
		Output:   buf.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if cmd.Process != nil {
		res.PID = cmd.Process.Pid
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	case cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		res.ExitCode = -1
		if res.Output == "" {
			res.Output = err.Error()
		}
	}
	if res.TimedOut && strings.TrimSpace(res.Output) == "" {
		res.Output = fmt.Sprintf("command timed out after %s", r.timeout)
	}

	log.Debug().
		Str("command", command).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("Command finished")

	return res
}

// Start launches a command detached in its own process group and returns
// immediately. Output is drained into a ring buffer readable via Logs.
func (r *Runner) Start(command string) (models.RunResult, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = r.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logs := NewLogBuffer(bgLogLines)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.RunResult{Command: command, ExitCode: -1, Output: err.Error(), Background: true}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return models.RunResult{Command: command, ExitCode: -1, Output: err.Error(), Background: true}, err
	}

	if err := cmd.Start(); err != nil {
		return models.RunResult{Command: command, ExitCode: -1, Output: err.Error(), Background: true},
			fmt.Errorf("start background command: %w", err)
	}

	pid := cmd.Process.Pid
	proc := &bgProcess{
		cmd:     cmd,
		command: command,
		started: time.Now().UTC(),
		logs:    logs,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.bg[pid] = proc
	r.mu.Unlock()

	var drained sync.WaitGroup
	drained.Add(2)
	go drain(stdout, "stdout", logs, &drained)
	go drain(stderr, "stderr", logs, &drained)

	go func() {
		drained.Wait()
		_ = cmd.Wait()
		close(proc.done)
		r.mu.Lock()
		delete(r.bg, pid)
		r.mu.Unlock()
		log.Debug().Int("pid", pid).Str("command", command).Msg("Background process exited")
	}()

	log.Info().Int("pid", pid).Str("command", command).Msg("Background process started")
	return models.RunResult{Command: command, PID: pid, Background: true}, nil
}

// Running lists background processes that have not exited.
func (r *Runner) Running() []Background {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Background, 0, len(r.bg))
	for pid, p := range r.bg {
		out = append(out, Background{PID: pid, Command: p.command, Started: p.started})
	}
	return out
}

// Logs returns up to n recent output lines from a background process.
func (r *Runner) Logs(pid, n int) []LogEntry {
	r.mu.Lock()
	proc, ok := r.bg[pid]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return proc.logs.Recent(n)
}

// StopAll terminates every tracked background process: SIGTERM to the
// process group, wait out the grace period, then SIGKILL stragglers.
func (r *Runner) StopAll() {
	r.mu.Lock()
	procs := make([]*bgProcess, 0, len(r.bg))
	pids := make([]int, 0, len(r.bg))
	for pid, p := range r.bg {
		procs = append(procs, p)
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	if len(procs) == 0 {
		return
	}

	for _, pid := range pids {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(r.grace)
	for i, p := range procs {
		select {
		case <-p.done:
		case <-time.After(time.Until(deadline)):
			_ = syscall.Kill(-pids[i], syscall.SIGKILL)
		}
	}

	log.Info().Int("count", len(procs)).Msg("Background processes stopped")
}

func drain(rc io.Reader, stream string, logs *LogBuffer, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		logs.Write(stream, sc.Text())
	}
}

// Truncate limits command output to maxLines lines for display, noting how
// many were dropped.
func Truncate(output string, maxLines int) string {
	trimmed := strings.TrimRight(output, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= maxLines {
		return trimmed
	}
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}

// Tail returns at most max trailing bytes of s. Error summaries fed back to
// models keep the end of the output, where the actual failure usually is.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
