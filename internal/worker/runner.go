// Package worker centralizes child-process handling for every flow that
// spawns one: chat, briefing, voice, and delegated logins. A worker receives
// JSON on stdin and emits newline-delimited JSON on stdout; everything else
// (kill-once semantics, output buffering, exit observation) lives here so it
// is implemented exactly once.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrCommandEmpty indicates a worker spec without a command.
var ErrCommandEmpty = errors.New("worker: command is empty")

// maxLineBytes bounds a single stdout line. Voice workers ship base64 audio
// chunks, so this is generous.
const maxLineBytes = 10 * 1024 * 1024

// maxStderrBytes bounds the retained stderr tail used for error reporting.
const maxStderrBytes = 64 * 1024

// Spec describes a worker process to launch.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
}

// Launcher spawns worker processes. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is a live worker process. Lines delivers stdout line by line,
// including a trailing partial line, and is closed when stdout closes.
// Done is closed after the process has been reaped. Kill is idempotent:
// concurrent or repeated calls are safe, and killing an exited process is
// a no-op.
type Handle interface {
	Stdin() io.WriteCloser
	Lines() <-chan string
	Stderr() string
	Done() <-chan struct{}
	ExitCode() int
	Kill()
	PID() int
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct{}

// Launch starts the worker and begins draining its pipes.
func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, ErrCommandEmpty
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("worker: start %s: %w", spec.Command, err)
	}

	h := &execHandle{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
	}
	go h.drain(stdout, stderr)
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	lines  chan string
	done   chan struct{}

	mu       sync.Mutex
	stderr   bytes.Buffer
	exitCode int
}

func (h *execHandle) drain(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				h.mu.Lock()
				if h.stderr.Len() < maxStderrBytes {
					h.stderr.Write(buf[:n])
				}
				h.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
	close(h.lines)

	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Lines() <-chan string  { return h.lines }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr.String()
}

// ExitCode is valid once Done is closed. Workers killed by signal report -1.
func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Kill terminates the process. Safe to call multiple times, from multiple
// goroutines, and after the process has already exited.
func (h *execHandle) Kill() {
	h.cancel()
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
