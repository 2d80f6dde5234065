package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawfounder/clawfounder/internal/worker"
)

func newTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	home := t.TempDir()
	d, err := New(Options{
		Home:          home,
		Listen:        "127.0.0.1:0",
		ConnectorsDir: filepath.Join(home, "connectors"),
		Launcher:      worker.NewFakeLauncher(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.knowledge.Close() })
	return d, home
}

func TestNewPreparesStateDirectory(t *testing.T) {
	d, home := newTestDaemon(t)

	if d.paths.Home != home {
		t.Fatalf("home = %q", d.paths.Home)
	}
	if _, err := os.Stat(filepath.Join(home, "cache")); err != nil {
		t.Fatalf("cache dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "knowledge.db")); err != nil {
		t.Fatalf("knowledge db missing: %v", err)
	}
	if got := d.env.Path(); got != filepath.Join(home, ".env") {
		t.Fatalf("env file = %q", got)
	}
}

func TestNewSeedsLegacyGmailState(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "gmail_token.json"), []byte(`{"token":"t"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "gmail_email.txt"), []byte("me@example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := New(Options{Home: home, Launcher: worker.NewFakeLauncher()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.knowledge.Close()

	reg := d.registry.Load()
	list := reg.Accounts["gmail"]
	if len(list) != 1 || list[0].ID != "default" || list[0].CredentialFile != "gmail_token.json" {
		t.Fatalf("seeded registry = %+v", list)
	}
}

func TestHandlerServesConfig(t *testing.T) {
	d, _ := newTestDaemon(t)
	if err := d.env.Write(map[string]string{"GITHUB_TOKEN": "ghp_abcdef"}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	d.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Present map[string]bool `json:"present"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if !view.Present["GITHUB_TOKEN"] {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
