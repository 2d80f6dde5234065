package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawfounder/clawfounder/internal/eventbus"
	"github.com/clawfounder/clawfounder/internal/worker"
)

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if !strings.HasPrefix(chunk, "data: ") {
			t.Fatalf("unexpected SSE chunk %q", chunk)
		}
		frames = append(frames, strings.TrimPrefix(chunk, "data: "))
	}
	return frames
}

func runSSE(t *testing.T, bridge *SSEBridge, script func(h *worker.FakeHandle)) []string {
	t.Helper()
	launcher := bridge.Launcher.(*worker.FakeLauncher)
	handle := worker.NewFakeHandle()
	launcher.Stage(handle)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		script(handle)
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/chat", nil)
	bridge.Serve(w, r, worker.Spec{Command: "python3"}, map[string]string{"message": "hi"}, "chat")
	wg.Wait()
	return sseFrames(t, w.Body.String())
}

func TestSSEForwardsLinesInOrderWithSyntheticDone(t *testing.T) {
	bridge := &SSEBridge{Launcher: worker.NewFakeLauncher()}

	frames := runSSE(t, bridge, func(h *worker.FakeHandle) {
		h.Emit(`{"type":"thinking","text":"loading"}`)
		h.Emit(`{"type":"text","text":"hello"}`)
		h.Exit(0)
	})

	want := []string{
		`{"type":"thinking","text":"loading"}`,
		`{"type":"text","text":"hello"}`,
		`{"type":"done"}`,
	}
	if len(frames) != len(want) {
		t.Fatalf("frames = %v", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frame %d = %q; want %q", i, frames[i], want[i])
		}
	}
}

func TestSSENoDuplicateTerminal(t *testing.T) {
	bridge := &SSEBridge{Launcher: worker.NewFakeLauncher()}

	frames := runSSE(t, bridge, func(h *worker.FakeHandle) {
		h.Emit(`{"type":"text","text":"hi"}`)
		h.Emit(`{"type":"done"}`)
		h.Exit(0)
	})

	terminals := 0
	for _, frame := range frames {
		event, err := Decode(frame)
		if err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		if event.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %v", terminals, frames)
	}
}

func TestSSEWorkerErrorIsTerminal(t *testing.T) {
	bridge := &SSEBridge{Launcher: worker.NewFakeLauncher()}

	frames := runSSE(t, bridge, func(h *worker.FakeHandle) {
		h.Emit(`{"type":"error","error":"boom"}`)
		h.Exit(1)
	})

	if len(frames) != 1 || frames[0] != `{"type":"error","error":"boom"}` {
		t.Fatalf("frames = %v", frames)
	}
}

func TestSSESpawnFailure(t *testing.T) {
	launcher := worker.NewFakeLauncher()
	launcher.SetError(errors.New("interpreter not found"))
	bridge := &SSEBridge{Launcher: launcher}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/chat", nil)
	bridge.Serve(w, r, worker.Spec{Command: "missing"}, nil, "chat")

	frames := sseFrames(t, w.Body.String())
	if len(frames) != 1 {
		t.Fatalf("frames = %v", frames)
	}
	event, err := Decode(frames[0])
	if err != nil || event.Type != TypeError {
		t.Fatalf("expected single error frame, got %q (%v)", frames[0], err)
	}
}

func TestSSEClientDisconnectKillsWorker(t *testing.T) {
	launcher := worker.NewFakeLauncher()
	bridge := &SSEBridge{Launcher: launcher}
	handle := worker.NewFakeHandle()
	launcher.Stage(handle)

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/chat", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		bridge.Serve(w, r, worker.Spec{Command: "python3"}, nil, "chat")
		close(done)
	}()

	handle.Emit(`{"type":"thinking","text":"working"}`)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("bridge did not finish after client disconnect")
	}
	if handle.KillCount() == 0 {
		t.Fatalf("worker not killed on client disconnect")
	}
}

func TestSSEDisconnectAfterExitIsNoop(t *testing.T) {
	launcher := worker.NewFakeLauncher()
	bridge := &SSEBridge{Launcher: launcher}
	handle := worker.NewFakeHandle()
	launcher.Stage(handle)

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/chat", nil).WithContext(ctx)

	go func() {
		handle.Emit(`{"type":"done"}`)
		handle.Exit(0)
	}()
	bridge.Serve(w, r, worker.Spec{Command: "python3"}, nil, "chat")

	// Worker exited first; a late disconnect must be harmless.
	cancel()
	time.Sleep(20 * time.Millisecond)
}

func TestSSEPublishesToolResults(t *testing.T) {
	bus := eventbus.New()
	events, cancelSub := bus.Subscribe(eventbus.TopicToolResults)
	defer cancelSub()

	bridge := &SSEBridge{Launcher: worker.NewFakeLauncher(), Bus: bus}
	runSSE(t, bridge, func(h *worker.FakeHandle) {
		h.Emit(`{"type":"tool_result","tool":"github_search","connector":"github","account":"work","result":"found 3 repos"}`)
		h.Emit(`{"type":"done"}`)
		h.Exit(0)
	})

	select {
	case event := <-events:
		payload := event.Payload.(eventbus.ToolResultEvent)
		if payload.Connector != "github" || payload.Tool != "github_search" || payload.Account != "work" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("tool result not published")
	}
}

func TestSSEWritesRequestPayload(t *testing.T) {
	launcher := worker.NewFakeLauncher()
	bridge := &SSEBridge{Launcher: launcher}
	handle := worker.NewFakeHandle()
	launcher.Stage(handle)

	go func() {
		handle.Emit(`{"type":"done"}`)
		handle.Exit(0)
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/chat", nil)
	bridge.Serve(w, r, worker.Spec{Command: "python3"}, map[string]string{"message": "hi"}, "chat")

	if got := handle.StdinData(); got != `{"message":"hi"}`+"\n" {
		t.Fatalf("stdin = %q", got)
	}
	if !handle.StdinClosed() {
		t.Fatalf("stdin should be closed after the request is written")
	}
}
