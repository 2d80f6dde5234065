package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/clawfounder/clawfounder/internal/eventbus"
	"github.com/clawfounder/clawfounder/internal/worker"
)

// SSEBridge runs one short-lived worker per request and relays its output
// as Server-Sent Events. The worker receives the request payload as a
// single JSON object on stdin; its stdout lines become `data:` frames in
// arrival order, terminated by exactly one done or error event.
type SSEBridge struct {
	Launcher worker.Launcher
	Bus      *eventbus.Bus // optional; feeds the knowledge indexer
}

// Serve spawns the worker described by spec, writes payload to it, and
// streams its events to the client until the worker exits or the client
// disconnects (whichever happens first kills the other side).
func (b *SSEBridge) Serve(w http.ResponseWriter, r *http.Request, spec worker.Spec, payload any, kind string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := uuid.NewString()[:8]
	handle, err := b.Launcher.Launch(r.Context(), spec)
	if err != nil {
		log.Printf("[StreamBridge] %s %s: spawn failed: %v", kind, id, err)
		writeFrame(w, flusher, errorLine(fmt.Sprintf("failed to start %s worker: %v", kind, err)))
		return
	}
	b.Bus.Publish(eventbus.TopicSessionsLifecycle, eventbus.SessionLifecycleEvent{Kind: kind, ID: id, State: "started"})

	// Client disconnect kills the worker; worker exit makes this a no-op.
	go func() {
		select {
		case <-r.Context().Done():
			handle.Kill()
		case <-handle.Done():
		}
	}()

	if err := writeRequest(handle, payload); err != nil {
		log.Printf("[StreamBridge] %s %s: write request: %v", kind, id, err)
	}

	terminal := false
	for line := range handle.Lines() {
		event, err := Decode(line)
		if err != nil {
			log.Printf("[StreamBridge] %s %s: %v", kind, id, err)
		} else {
			if event.Type == TypeToolResult {
				b.Bus.Publish(eventbus.TopicToolResults, eventbus.ToolResultEvent{
					Connector: event.Connector,
					Tool:      event.Tool,
					Account:   event.Account,
					Result:    event.Result,
				})
			}
			if event.Terminal() {
				terminal = true
			}
		}
		writeFrame(w, flusher, line)
	}

	<-handle.Done()
	if !terminal {
		writeFrame(w, flusher, doneLine)
	}
	b.Bus.Publish(eventbus.TopicSessionsLifecycle, eventbus.SessionLifecycleEvent{
		Kind: kind, ID: id, State: "exited", ExitCode: handle.ExitCode(),
	})
}

func writeRequest(handle worker.Handle, payload any) error {
	defer handle.Stdin().Close()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := handle.Stdin().Write(append(data, '\n')); err != nil {
		// The worker may have exited before reading its request; its own
		// error event (or the synthetic done) still terminates the stream.
		return err
	}
	return nil
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, line string) {
	fmt.Fprintf(w, "data: %s\n\n", line)
	flusher.Flush()
}
