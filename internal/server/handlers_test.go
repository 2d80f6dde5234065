package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/catalog"
	"github.com/clawfounder/clawfounder/internal/config/envfile"
	"github.com/clawfounder/clawfounder/internal/knowledge"
	"github.com/clawfounder/clawfounder/internal/login"
	"github.com/clawfounder/clawfounder/internal/stream"
	"github.com/clawfounder/clawfounder/internal/worker"
)

const githubReadme = `# GitHub Connector

| Field | Description | Required |
|-------|-------------|----------|
| GITHUB_TOKEN | Personal access token | Yes |
`

type testEnv struct {
	ts       *httptest.Server
	launcher *worker.FakeLauncher
	registry *accounts.Store
	cfg      *envfile.Store
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := envfile.New(filepath.Join(dir, ".env"))
	registry := accounts.NewStore(filepath.Join(dir, "accounts.json"), dir, cfg)

	connectors := filepath.Join(dir, "connectors")
	for _, name := range []string{"gmail", "github", "google_calendar"} {
		if err := os.MkdirAll(filepath.Join(connectors, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(connectors, "github", "README.md"), []byte(githubReadme), 0o644); err != nil {
		t.Fatal(err)
	}

	launcher := worker.NewFakeLauncher()
	logins := login.NewManager(launcher, registry, login.NewFlows("python3", "dashboard", dir))
	logins.URLWait = 500 * time.Millisecond
	logins.HardTimeout = 5 * time.Second

	kstore, err := knowledge.Open(filepath.Join(dir, "knowledge.db"))
	if err != nil {
		t.Fatalf("knowledge.Open: %v", err)
	}
	t.Cleanup(func() { kstore.Close() })

	srv := New(Options{
		Config:    cfg,
		Registry:  registry,
		Catalog:   catalog.New(connectors),
		Logins:    logins,
		Knowledge: kstore,
		SSE:       &stream.SSEBridge{Launcher: launcher},
		Voice:     &stream.VoiceBridge{Launcher: launcher, KillGrace: 50 * time.Millisecond},
		Workers: WorkerCommands{
			Chat:     worker.Spec{Command: "python3", Args: []string{"dashboard/chat_agent.py"}},
			Briefing: worker.Spec{Command: "python3", Args: []string{"dashboard/briefing_agent.py"}},
			Voice:    worker.Spec{Command: "python3", Args: []string{"dashboard/voice_agent.py"}},
		},
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, launcher: launcher, registry: registry, cfg: cfg, dir: dir}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestConfigGetMasksSecrets(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cfg.Write(map[string]string{"GITHUB_TOKEN": "ghp_1234567890"}); err != nil {
		t.Fatal(err)
	}

	resp := env.get(t, "/api/config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	view := decodeBody[configView](t, resp)
	if view.Values["GITHUB_TOKEN"] != "****7890" {
		t.Fatalf("masked value = %q", view.Values["GITHUB_TOKEN"])
	}
	if !view.Present["GITHUB_TOKEN"] {
		t.Fatalf("presence map missing key")
	}
}

func TestConfigPostValidatesAndMerges(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/config", `{"lowercase":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid key status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/config", `{"SLACK_BOT_TOKEN":"xoxb-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	cfg, err := env.cfg.Read()
	if err != nil {
		t.Fatal(err)
	}
	if cfg["SLACK_BOT_TOKEN"] != "xoxb-1" {
		t.Fatalf("cfg = %v", cfg)
	}
}

func TestConnectorsListing(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cfg.Write(map[string]string{"GITHUB_TOKEN": "tok"}); err != nil {
		t.Fatal(err)
	}

	resp := env.get(t, "/api/connectors")
	views := decodeBody[[]connectorView](t, resp)

	byName := map[string]connectorView{}
	for _, v := range views {
		byName[v.Name] = v
	}
	gh, ok := byName["github"]
	if !ok {
		t.Fatalf("github missing from %v", views)
	}
	if gh.UsesDelegatedLogin || !gh.Status.Connected {
		t.Fatalf("github view = %+v", gh)
	}
	if len(gh.RequiredFields) != 1 || gh.RequiredFields[0].Key != "GITHUB_TOKEN" {
		t.Fatalf("github fields = %+v", gh.RequiredFields)
	}
	gm, ok := byName["gmail"]
	if !ok || !gm.UsesDelegatedLogin || gm.Status.Connected {
		t.Fatalf("gmail view = %+v", gm)
	}
}

func TestAccountAddTogglesAndRemove(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/accounts/github/add",
		`{"id":"work","label":"Work","envValues":{"GITHUB_TOKEN":"tok-w"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	cfg, _ := env.cfg.Read()
	if cfg["GITHUB_TOKEN_WORK"] != "tok-w" {
		t.Fatalf("derived key missing: %v", cfg)
	}

	resp = env.post(t, "/api/accounts/github/work/toggle", `{"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	reg := env.registry.Load()
	if reg.Accounts["github"][0].Enabled {
		t.Fatalf("toggle did not persist")
	}

	resp = env.post(t, "/api/accounts/github/missing/rename", `{"label":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown account status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/accounts/github/default/remove", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("remove default status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/accounts/github/work/remove", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	cfg, _ = env.cfg.Read()
	if _, ok := cfg["GITHUB_TOKEN_WORK"]; ok {
		t.Fatalf("remove left derived key behind")
	}
}

func TestSingleAccountConnectorRejectsNamedAccounts(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/accounts/google_calendar/add",
		`{"id":"work","envValues":{"X":"y"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDisconnectValidatesConnector(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/connector/nope/disconnect", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown connector status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/accounts/github/add",
		`{"id":"work","envValues":{"GITHUB_TOKEN":"tok-w"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/api/connector/github/disconnect", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	cfg, _ := env.cfg.Read()
	if _, ok := cfg["GITHUB_TOKEN_WORK"]; ok {
		t.Fatalf("disconnect left derived key behind: %v", cfg)
	}
}

func TestLoginStartAndCallback(t *testing.T) {
	env := newTestEnv(t)

	start := worker.NewFakeHandle()
	start.Emit(`{"authUrl":"https://accounts.google.com/o/oauth2/auth?state=s1","state":"s1"}`)
	start.Exit(0)
	env.launcher.Stage(start)

	resp := env.post(t, "/api/gmail/login", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	startResp := decodeBody[login.StartResponse](t, resp)
	if startResp.Status != "awaiting_user" || startResp.AuthURL == "" {
		t.Fatalf("start = %+v", startResp)
	}

	exchange := worker.NewFakeHandle()
	exchange.Emit(`{"success":true,"email":"me@example.com"}`)
	exchange.Exit(0)
	env.launcher.Stage(exchange)

	resp = env.get(t, "/api/gmail/callback?code=4%2F0AbCode&state=s1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	reg := env.registry.Load()
	list := reg.Accounts["gmail"]
	if len(list) != 1 || list[0].Label != "me@example.com" {
		t.Fatalf("registry = %+v", list)
	}

	resp = env.get(t, "/api/gmail/status")
	status := decodeBody[connectorStatusView](t, resp)
	if status.LastLogin == nil || !status.LastLogin.OK {
		t.Fatalf("status = %+v", status)
	}
}

func TestLoginCancelWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/gmail/login/cancel", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatStreamsEvents(t *testing.T) {
	env := newTestEnv(t)

	handle := worker.NewFakeHandle()
	handle.Emit(`{"type":"text","text":"hello"}`)
	handle.Emit(`{"type":"done"}`)
	handle.Exit(0)
	env.launcher.Stage(handle)

	resp := env.post(t, "/api/chat", `{"message":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := new(strings.Builder)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	text := body.String()
	if !strings.Contains(text, `data: {"type":"text","text":"hello"}`) {
		t.Fatalf("frames = %q", text)
	}
	if strings.Count(text, `"type":"done"`) != 1 {
		t.Fatalf("terminal frames = %q", text)
	}
	if !strings.Contains(handle.StdinData(), `"message":"hi"`) {
		t.Fatalf("stdin = %q", handle.StdinData())
	}
}

func TestChatRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/chat", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestVoiceRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/ws/voice")
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestKnowledgeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/knowledge/search")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing q status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Seed the store directly; the HTTP layer only reads.
	kstore, err := knowledge.Open(filepath.Join(env.dir, "knowledge.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer kstore.Close()
	item := knowledge.Item{
		Connector: "gmail",
		Tool:      "search_emails",
		SourceID:  "src-1",
		Title:     "Quarterly report",
		Snippet:   "The quarterly report is attached.",
	}
	if err := kstore.Index(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	resp = env.get(t, "/api/knowledge/search?q=quarterly")
	items := decodeBody[[]knowledge.Item](t, resp)
	if len(items) != 1 || items[0].Title != "Quarterly report" {
		t.Fatalf("items = %+v", items)
	}

	resp = env.get(t, "/api/knowledge/stats")
	stats := decodeBody[knowledge.Stats](t, resp)
	if stats.Items != 1 || stats.ByConnector["gmail"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/nonexistent")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get(t, "/api/chat")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
