package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// configView is what GET /api/config returns: every present key masked down
// to its last characters, plus a presence map so the UI can distinguish
// "set" from "empty" without seeing secrets.
type configView struct {
	Values  map[string]string `json:"values"`
	Present map[string]bool   `json:"present"`
}

func maskSecret(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return "****" + value[len(value)-4:]
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleConfigGet(w, r)
	case http.MethodPost:
		s.handleConfigPost(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.cfg.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read config: %v", err))
		return
	}
	view := configView{
		Values:  make(map[string]string, len(cfg)),
		Present: make(map[string]bool, len(cfg)),
	}
	for key, value := range cfg {
		view.Values[key] = maskSecret(value)
		view.Present[key] = true
	}
	writeJSON(w, view)
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no keys to update")
		return
	}
	for key := range updates {
		if !envKeyPattern.MatchString(key) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config key %q", key))
			return
		}
	}
	if err := s.cfg.Write(updates); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write config: %v", err))
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
