package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/catalog"
)

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg, err := s.cfg.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read config: %v", err))
		return
	}
	reg := s.registry.Load()
	credDir := s.registry.CredentialDir()

	view := make(map[string][]catalog.AccountStatus, len(reg.Accounts))
	for connector, list := range reg.Accounts {
		statuses := make([]catalog.AccountStatus, 0, len(list))
		for _, acct := range list {
			statuses = append(statuses, catalog.AccountStatus{
				ID:        acct.ID,
				Label:     acct.Label,
				Enabled:   acct.Enabled,
				Connected: acct.Connected(cfg, credDir),
			})
		}
		view[connector] = statuses
	}
	writeJSON(w, view)
}

type addAccountRequest struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	EnvValues map[string]string `json:"envValues"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

type renameRequest struct {
	Label string `json:"label"`
}

// handleAccountSubroutes dispatches /api/accounts/{connector}/... paths:
// connector-level operations (add, toggle-all, disconnect-all) and
// account-level ones (toggle, remove, rename, disconnect).
func (s *Server) handleAccountSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/accounts/"), "/")
	parts := strings.Split(rest, "/")

	var err error
	switch {
	case len(parts) == 2 && parts[1] == "add":
		s.handleAccountAdd(w, r, parts[0])
		return
	case len(parts) == 2 && parts[1] == "toggle-all":
		var payload toggleRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&payload); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		err = s.registry.ToggleAll(parts[0], payload.Enabled)
	case len(parts) == 2 && parts[1] == "disconnect-all":
		err = s.registry.DisconnectAll(parts[0])
	case len(parts) == 3 && parts[2] == "toggle":
		var payload toggleRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&payload); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		err = s.registry.Toggle(parts[0], parts[1], payload.Enabled)
	case len(parts) == 3 && parts[2] == "remove":
		err = s.registry.Remove(parts[0], parts[1])
	case len(parts) == 3 && parts[2] == "rename":
		var payload renameRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&payload); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		err = s.registry.Rename(parts[0], parts[1], payload.Label)
	case len(parts) == 3 && parts[2] == "disconnect":
		err = s.registry.Disconnect(parts[0], parts[1])
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err != nil {
		if accounts.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAccountAdd(w http.ResponseWriter, r *http.Request, connector string) {
	var payload addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if d, ok := s.findDescriptor(connector); ok && !d.SupportsMultiAccount {
		if payload.ID != "" && payload.ID != accounts.DefaultAccountID {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("connector %q supports a single account", connector))
			return
		}
	}
	acct, err := s.registry.Add(connector, payload.ID, payload.Label, payload.EnvValues)
	if err != nil {
		if accounts.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, acct)
}
