// Package stream bridges worker processes to clients: newline-delimited
// JSON from a worker's stdout becomes Server-Sent Events for chat and
// briefing requests, or WebSocket messages for voice sessions.
package stream

import (
	"encoding/json"
	"fmt"
)

// Worker event discriminants. Every line a worker emits carries one of
// these in its "type" field.
const (
	TypeThinking     = "thinking"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeText         = "text"
	TypeGather       = "gather"
	TypeBriefing     = "briefing"
	TypeReady        = "ready"
	TypeAudio        = "audio"
	TypeTranscript   = "transcript"
	TypeTurnComplete = "turn_complete"
	TypeInterrupted  = "interrupted"
	TypeError        = "error"
	TypeDone         = "done"
)

var knownTypes = map[string]struct{}{
	TypeThinking:     {},
	TypeToolCall:     {},
	TypeToolResult:   {},
	TypeText:         {},
	TypeGather:       {},
	TypeBriefing:     {},
	TypeReady:        {},
	TypeAudio:        {},
	TypeTranscript:   {},
	TypeTurnComplete: {},
	TypeInterrupted:  {},
	TypeError:        {},
	TypeDone:         {},
}

// Event is the decoded form of one worker output line. Lines are forwarded
// to clients verbatim; this decoding exists to catch malformed worker output
// at the boundary and to let the bridges observe tool results and terminal
// events.
type Event struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Connector string          `json:"connector,omitempty"`
	Account   string          `json:"account,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends a request-style stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Decode parses one worker output line into an event. Lines that are not
// JSON objects or carry an unknown discriminant are rejected.
func Decode(line string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return Event{}, fmt.Errorf("stream: malformed worker event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("stream: worker event missing type")
	}
	if _, ok := knownTypes[event.Type]; !ok {
		return Event{}, fmt.Errorf("stream: unknown worker event type %q", event.Type)
	}
	return event, nil
}

// errorLine renders a synthetic error event line.
func errorLine(message string) string {
	data, _ := json.Marshal(Event{Type: TypeError, Error: message})
	return string(data)
}

// doneLine is the synthetic terminal frame appended when a worker exits
// without emitting one itself.
const doneLine = `{"type":"done"}`
