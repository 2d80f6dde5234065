package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// maxRequestBytes bounds chat/briefing request bodies.
const maxRequestBytes = 1 << 20

// readRequestPayload validates the body as one JSON object and returns it
// verbatim, so the worker receives exactly what the client sent.
func readRequestPayload(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.handleSSE(w, r, "chat")
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	s.handleSSE(w, r, "briefing")
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := readRequestPayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec := s.workers.Chat
	if kind == "briefing" {
		spec = s.workers.Briefing
	}
	s.sse.Serve(w, r, spec, payload, kind)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read config: %v", err))
		return
	}
	apiKey := cfg["GEMINI_API_KEY"]
	if apiKey == "" {
		writeError(w, http.StatusPreconditionFailed, "GEMINI_API_KEY is not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[APIServer] voice upgrade failed: %v", err)
		return
	}
	setup := map[string]string{"type": "setup", "api_key": apiKey}
	s.voice.Serve(conn, s.workers.Voice, setup)
}
