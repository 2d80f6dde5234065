package worker

import (
	"context"
	"io"
	"sync"
)

// FakeLauncher implements Launcher for tests, handing out scriptable
// handles instead of spawning processes.
type FakeLauncher struct {
	mu      sync.Mutex
	err     error
	specs   []Spec
	handles []*FakeHandle
	pending []*FakeHandle
}

// NewFakeLauncher constructs an empty fake launcher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

// SetError forces subsequent Launch calls to fail with err.
func (f *FakeLauncher) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Stage queues a prepared handle for the next Launch call. Without staged
// handles, Launch mints a fresh one.
func (f *FakeLauncher) Stage(h *FakeHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, h)
}

// Launch records the spec and returns the next staged (or a fresh) handle.
func (f *FakeLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)

	var h *FakeHandle
	if len(f.pending) > 0 {
		h = f.pending[0]
		f.pending = f.pending[1:]
	} else {
		h = NewFakeHandle()
	}
	f.handles = append(f.handles, h)
	return h, nil
}

// Specs returns a copy of every launch recorded so far.
func (f *FakeLauncher) Specs() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.specs...)
}

// Handles returns the handles issued so far, in launch order.
func (f *FakeLauncher) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}

// FakeHandle is a scriptable worker: tests emit output lines and choose the
// exit code; production code interacts with it through the Handle interface.
type FakeHandle struct {
	mu        sync.Mutex
	lines     chan string
	done      chan struct{}
	exitCode  int
	exited    bool
	killed    int
	stdin     *fakeStdin
	pid       int
	killExits bool
}

// NewFakeHandle returns a handle ready for scripting.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		lines:     make(chan string, 256),
		done:      make(chan struct{}),
		stdin:     &fakeStdin{},
		pid:       4242,
		killExits: true,
	}
}

// SetKillExits controls whether Kill also terminates the fake process.
// Defaults to true, matching real processes.
func (h *FakeHandle) SetKillExits(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killExits = v
}

// Emit delivers one stdout line to the consumer.
func (h *FakeHandle) Emit(line string) {
	h.lines <- line
}

// Exit closes the output stream and marks the process as exited with code.
func (h *FakeHandle) Exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
	close(h.lines)
	close(h.done)
}

// KillCount returns how many times Kill has been called.
func (h *FakeHandle) KillCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// StdinData returns everything written to the worker's stdin so far.
func (h *FakeHandle) StdinData() string {
	return h.stdin.String()
}

// StdinClosed reports whether the consumer closed the worker's stdin.
func (h *FakeHandle) StdinClosed() bool {
	return h.stdin.Closed()
}

// FailStdinWrites makes subsequent stdin writes fail with err, simulating a
// broken pipe to an exited worker.
func (h *FakeHandle) FailStdinWrites(err error) {
	h.stdin.setErr(err)
}

func (h *FakeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *FakeHandle) Lines() <-chan string  { return h.lines }
func (h *FakeHandle) Done() <-chan struct{} { return h.done }
func (h *FakeHandle) Stderr() string        { return "" }
func (h *FakeHandle) PID() int              { return h.pid }

func (h *FakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *FakeHandle) Kill() {
	h.mu.Lock()
	h.killed++
	killExits := h.killExits
	alreadyExited := h.exited
	h.mu.Unlock()
	if killExits && !alreadyExited {
		h.Exit(-1)
	}
}

type fakeStdin struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	err    error
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *fakeStdin) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStdin) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

func (s *fakeStdin) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStdin) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
