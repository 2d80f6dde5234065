// Package server exposes the daemon's HTTP and WebSocket surface: secrets
// configuration, connector and account management, delegated logins, the
// chat/briefing SSE streams, and the duplex voice socket.
package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/catalog"
	"github.com/clawfounder/clawfounder/internal/config/envfile"
	"github.com/clawfounder/clawfounder/internal/knowledge"
	"github.com/clawfounder/clawfounder/internal/login"
	"github.com/clawfounder/clawfounder/internal/stream"
	"github.com/clawfounder/clawfounder/internal/worker"
)

// WorkerCommands holds the base specs for the agent workers. The bridges
// copy and extend them per request.
type WorkerCommands struct {
	Chat     worker.Spec
	Briefing worker.Spec
	Voice    worker.Spec
}

// Server wires the HTTP handlers over the domain components. All fields are
// set at construction and never mutated afterwards.
type Server struct {
	cfg       *envfile.Store
	registry  *accounts.Store
	catalog   *catalog.Catalog
	logins    *login.Manager
	knowledge *knowledge.Store
	sse       *stream.SSEBridge
	voice     *stream.VoiceBridge
	workers   WorkerCommands
	upgrader  websocket.Upgrader
}

// Options collects the dependencies for New.
type Options struct {
	Config    *envfile.Store
	Registry  *accounts.Store
	Catalog   *catalog.Catalog
	Logins    *login.Manager
	Knowledge *knowledge.Store
	SSE       *stream.SSEBridge
	Voice     *stream.VoiceBridge
	Workers   WorkerCommands
}

// New builds a Server from its dependencies.
func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Config,
		registry:  opts.Registry,
		catalog:   opts.Catalog,
		logins:    opts.Logins,
		knowledge: opts.Knowledge,
		sse:       opts.SSE,
		voice:     opts.Voice,
		workers:   opts.Workers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Loopback-only daemon; browser dashboards connect from
			// file:// and localhost origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP mux. Longest-prefix matching sends the fixed
// endpoints to their handlers and leaves "/api/" as the catch-all for
// per-connector subroutes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/connectors", s.handleConnectors)
	mux.HandleFunc("/api/accounts", s.handleAccountsList)
	mux.HandleFunc("/api/accounts/", s.handleAccountSubroutes)
	mux.HandleFunc("/api/connector/", s.handleConnectorDisconnect)
	mux.HandleFunc("/api/gmail/callback", s.handleGmailCallback)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/briefing", s.handleBriefing)
	mux.HandleFunc("/api/knowledge/search", s.handleKnowledgeSearch)
	mux.HandleFunc("/api/knowledge/stats", s.handleKnowledgeStats)
	mux.HandleFunc("/ws/voice", s.handleVoice)
	mux.HandleFunc("/api/", s.handleConnectorScoped)
	return mux
}
