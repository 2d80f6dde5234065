package worker

import (
	"context"
	"io"
	"runtime"
	"testing"
	"time"
)

func shSpec(t *testing.T, script string) Spec {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh-based worker tests are unix-only")
	}
	return Spec{Command: "/bin/sh", Args: []string{"-c", script}}
}

func collect(t *testing.T, h Handle, timeout time.Duration) []string {
	t.Helper()
	var lines []string
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("timed out collecting lines, have %v", lines)
		}
	}
}

func TestLaunchStreamsLinesInOrder(t *testing.T) {
	h, err := ExecLauncher{}.Launch(context.Background(), shSpec(t, `printf 'one\ntwo\nthree\n'`))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h.Stdin().Close()

	lines := collect(t, h, 5*time.Second)
	if len(lines) != 3 || lines[0] != "one" || lines[1] != "two" || lines[2] != "three" {
		t.Fatalf("lines = %v", lines)
	}

	<-h.Done()
	if code := h.ExitCode(); code != 0 {
		t.Fatalf("ExitCode = %d", code)
	}
}

func TestLaunchFlushesTrailingPartialLine(t *testing.T) {
	h, err := ExecLauncher{}.Launch(context.Background(), shSpec(t, `printf 'complete\npartial'`))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h.Stdin().Close()

	lines := collect(t, h, 5*time.Second)
	if len(lines) != 2 || lines[1] != "partial" {
		t.Fatalf("trailing partial line not flushed: %v", lines)
	}
}

func TestLaunchEchoesStdin(t *testing.T) {
	h, err := ExecLauncher{}.Launch(context.Background(), shSpec(t, `cat`))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	io.WriteString(h.Stdin(), "{\"message\":\"hi\"}\n")
	h.Stdin().Close()

	lines := collect(t, h, 5*time.Second)
	if len(lines) != 1 || lines[0] != `{"message":"hi"}` {
		t.Fatalf("lines = %v", lines)
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	h, err := ExecLauncher{}.Launch(context.Background(), shSpec(t, `echo boom >&2; exit 3`))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	h.Stdin().Close()
	collect(t, h, 5*time.Second)

	<-h.Done()
	if code := h.ExitCode(); code != 3 {
		t.Fatalf("ExitCode = %d; want 3", code)
	}
	if h.Stderr() == "" {
		t.Fatalf("stderr not captured")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	h, err := ExecLauncher{}.Launch(context.Background(), shSpec(t, `sleep 30`))
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	// Concurrent double kill must be safe.
	go h.Kill()
	h.Kill()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("killed worker did not exit")
	}
	// And killing after exit is a no-op.
	h.Kill()

	if code := h.ExitCode(); code == 0 {
		t.Fatalf("killed worker should not report success")
	}
}

func TestLaunchEmptyCommand(t *testing.T) {
	if _, err := (ExecLauncher{}).Launch(context.Background(), Spec{}); err != ErrCommandEmpty {
		t.Fatalf("expected ErrCommandEmpty, got %v", err)
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), Spec{Command: "/definitely/not/here"})
	if err == nil {
		t.Fatalf("expected spawn failure")
	}
}
