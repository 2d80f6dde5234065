package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clawfounder/clawfounder/internal/catalog"
	"github.com/clawfounder/clawfounder/internal/login"
)

// connectorView combines the static descriptor with live connectivity.
type connectorView struct {
	catalog.Descriptor
	Status catalog.Status `json:"status"`
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
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

	views := []connectorView{}
	for _, d := range s.catalog.Discover() {
		views = append(views, connectorView{
			Descriptor: d,
			Status:     s.catalog.Status(d, cfg, reg, credDir),
		})
	}
	writeJSON(w, views)
}

// handleConnectorScoped serves /api/{connector}/status, /api/{connector}/login
// and /api/{connector}/login/cancel. It is the mux catch-all, so unknown
// paths 404 here.
func (s *Server) handleConnectorScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	connector := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleConnectorStatus(w, r, connector)
	case len(parts) == 2 && parts[1] == "login" && r.Method == http.MethodPost:
		s.handleLoginStart(w, r, connector)
	case len(parts) == 3 && parts[1] == "login" && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.handleLoginCancel(w, r, connector)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) findDescriptor(name string) (catalog.Descriptor, bool) {
	for _, d := range s.catalog.Discover() {
		if d.Name == name {
			return d, true
		}
	}
	return catalog.Descriptor{}, false
}

// connectorStatusView adds the login manager's view to the connectivity
// snapshot so the UI can show an in-flight login and the last outcome.
type connectorStatusView struct {
	catalog.Status
	LoginInProgress bool          `json:"loginInProgress"`
	LastLogin       *login.Result `json:"lastLogin,omitempty"`
}

func (s *Server) handleConnectorStatus(w http.ResponseWriter, _ *http.Request, connector string) {
	d, ok := s.findDescriptor(connector)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown connector %q", connector))
		return
	}
	cfg, err := s.cfg.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read config: %v", err))
		return
	}
	view := connectorStatusView{
		Status:          s.catalog.Status(d, cfg, s.registry.Load(), s.registry.CredentialDir()),
		LoginInProgress: s.logins.InProgress(connector, ""),
	}
	if res, ok := s.logins.LastResult(connector, ""); ok {
		view.LastLogin = &res
	}
	writeJSON(w, view)
}

type accountScopedRequest struct {
	AccountID string `json:"accountId"`
}

func decodeAccountID(r *http.Request) string {
	var payload accountScopedRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	return payload.AccountID
}

func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request, connector string) {
	accountID := decodeAccountID(r)
	resp, err := s.logins.StartLogin(r.Context(), connector, accountID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleLoginCancel(w http.ResponseWriter, r *http.Request, connector string) {
	accountID := decodeAccountID(r)
	if err := s.logins.Cancel(connector, accountID); err != nil {
		if errors.Is(err, login.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no login in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}

// handleConnectorDisconnect serves POST /api/connector/{name}/disconnect.
// With an accountId it disconnects that account; without one it disconnects
// every account of the connector. Entries stay in the registry.
func (s *Server) handleConnectorDisconnect(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/connector/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "disconnect" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	connector := parts[0]
	if _, ok := s.findDescriptor(connector); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown connector %q", connector))
		return
	}

	accountID := decodeAccountID(r)
	var err error
	if accountID == "" {
		err = s.registry.DisconnectAll(connector)
	} else {
		err = s.registry.Disconnect(connector, accountID)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "disconnected"})
}

// handleGmailCallback is the OAuth redirect target. It hands the code to the
// pending login session, then renders a closable page for the popup.
func (s *Server) handleGmailCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code parameter")
		return
	}
	accountID, _ := s.logins.AwaitingCode("gmail")
	res, err := s.logins.CompleteCode(r.Context(), "gmail", accountID, code)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if !res.OK {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "<html><body><h3>Gmail login failed</h3><p>%s</p></body></html>", res.Error)
		return
	}
	fmt.Fprintf(w, "<html><body><h3>Gmail connected as %s</h3><p>You can close this window.</p></body></html>", res.Identity)
}
