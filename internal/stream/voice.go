package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawfounder/clawfounder/internal/eventbus"
	"github.com/clawfounder/clawfounder/internal/worker"
)

const (
	defaultKillGrace = 3 * time.Second
	writeWait        = 10 * time.Second
	pingPeriod       = 54 * time.Second
)

// endLine is the half-close control message telling a voice worker to wind
// down before the kill grace period expires.
const endLine = `{"type":"end"}`

// VoiceBridge runs one long-lived worker per WebSocket connection and
// relays JSON messages in both directions over the worker's stdio.
type VoiceBridge struct {
	Launcher  worker.Launcher
	Bus       *eventbus.Bus // optional
	KillGrace time.Duration // grace between the end message and a forced kill
}

// Serve owns conn for the lifetime of the voice session. The worker gets a
// setup message (carrying secret material) before any client traffic is
// relayed. On socket close the worker is asked to end and then killed after
// the grace period; on worker exit the socket is closed from this side.
func (b *VoiceBridge) Serve(conn *websocket.Conn, spec worker.Spec, setup any) {
	defer conn.Close()

	id := uuid.NewString()[:8]
	handle, err := b.Launcher.Launch(context.Background(), spec)
	if err != nil {
		log.Printf("[VoiceBridge] %s: spawn failed: %v", id, err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, []byte(errorLine("failed to start voice worker: "+err.Error())))
		return
	}
	b.Bus.Publish(eventbus.TopicSessionsLifecycle, eventbus.SessionLifecycleEvent{Kind: "voice", ID: id, State: "started"})
	defer func() {
		<-handle.Done()
		b.Bus.Publish(eventbus.TopicSessionsLifecycle, eventbus.SessionLifecycleEvent{
			Kind: "voice", ID: id, State: "exited", ExitCode: handle.ExitCode(),
		})
	}()

	if err := b.writeWorkerLine(handle, setup); err != nil {
		log.Printf("[VoiceBridge] %s: setup write failed: %v", id, err)
	}

	// Single writer: worker output and keepalive pings both go through
	// this goroutine. When the worker closes its output, the socket is
	// closed server-side, which unblocks the read loop below.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			conn.Close()
		}()
		for {
			select {
			case line, ok := <-handle.Lines():
				if !ok {
					return
				}
				if event, err := Decode(line); err != nil {
					log.Printf("[VoiceBridge] %s: %v", id, err)
				} else if event.Type == TypeToolResult {
					b.Bus.Publish(eventbus.TopicToolResults, eventbus.ToolResultEvent{
						Connector: event.Connector,
						Tool:      event.Tool,
						Account:   event.Account,
						Result:    event.Result,
					})
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[VoiceBridge] %s: read error: %v", id, err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		line, ok := compactClientMessage(message)
		if !ok {
			log.Printf("[VoiceBridge] %s: dropping malformed client message", id)
			continue
		}
		if _, err := handle.Stdin().Write(append(line, '\n')); err != nil {
			// Worker no longer accepting input; its exit will close the
			// socket through the writer goroutine.
			log.Printf("[VoiceBridge] %s: worker input closed: %v", id, err)
			break
		}
	}

	b.shutdown(id, handle)
}

// shutdown performs the half-close handshake: ask the worker to end, then
// force-kill it if it outlives the grace period.
func (b *VoiceBridge) shutdown(id string, handle worker.Handle) {
	select {
	case <-handle.Done():
		return
	default:
	}

	if _, err := handle.Stdin().Write([]byte(endLine + "\n")); err != nil {
		// Already-closed pipe: the worker beat us to exiting.
		log.Printf("[VoiceBridge] %s: end message not delivered: %v", id, err)
	}

	grace := b.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	select {
	case <-handle.Done():
	case <-time.After(grace):
		log.Printf("[VoiceBridge] %s: worker did not exit within %s, killing", id, grace)
		handle.Kill()
	}
}

func (b *VoiceBridge) writeWorkerLine(handle worker.Handle, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = handle.Stdin().Write(append(data, '\n'))
	return err
}

// compactClientMessage validates an inbound socket message as JSON and
// renders it as a single line for the worker's stdin.
func compactClientMessage(message []byte) ([]byte, bool) {
	if !json.Valid(message) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, message); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
