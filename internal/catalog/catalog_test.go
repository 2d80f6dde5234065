package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clawfounder/clawfounder/internal/accounts"
)

func writeConnector(t *testing.T, root, name, readme string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if readme != "" {
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
			t.Fatalf("write README: %v", err)
		}
	}
}

const githubReadme = `# GitHub Connector

## Configuration

| Key | Description | Required |
|-----|-------------|----------|
| GITHUB_TOKEN | Personal access token | Yes |
| GITHUB_ORG | Default organization | No |
`

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "github", githubReadme)
	writeConnector(t, root, "telegram", "# Telegram\n\nNo table here.\n")
	writeConnector(t, root, "_template", githubReadme)
	writeConnector(t, root, ".hidden", "")
	// A plain file in the root must be ignored.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c := New(root)
	descriptors := c.Discover()
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 connectors, got %d: %+v", len(descriptors), descriptors)
	}

	github := descriptors[0]
	if github.Name != "github" {
		t.Fatalf("descriptors not sorted: %+v", descriptors)
	}
	if len(github.RequiredFields) != 2 {
		t.Fatalf("github fields = %+v", github.RequiredFields)
	}
	if github.RequiredFields[0].Key != "GITHUB_TOKEN" || !github.RequiredFields[0].Required {
		t.Fatalf("first field = %+v", github.RequiredFields[0])
	}
	if github.RequiredFields[1].Key != "GITHUB_ORG" || github.RequiredFields[1].Required {
		t.Fatalf("second field = %+v", github.RequiredFields[1])
	}

	telegram := descriptors[1]
	if len(telegram.RequiredFields) != 0 {
		t.Fatalf("connector without a table should have no fields: %+v", telegram.RequiredFields)
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nope"))
	if got := c.Discover(); got != nil {
		t.Fatalf("missing root should discover nothing, got %+v", got)
	}
}

func TestDiscoverBuiltinTraits(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "gmail", "")
	writeConnector(t, root, "google_calendar", "")
	writeConnector(t, root, "github", githubReadme)

	byName := map[string]Descriptor{}
	for _, d := range New(root).Discover() {
		byName[d.Name] = d
	}

	if !byName["gmail"].UsesDelegatedLogin || !byName["gmail"].SupportsMultiAccount {
		t.Fatalf("gmail traits wrong: %+v", byName["gmail"])
	}
	if !byName["google_calendar"].UsesDelegatedLogin || byName["google_calendar"].SupportsMultiAccount {
		t.Fatalf("google_calendar traits wrong: %+v", byName["google_calendar"])
	}
	if byName["github"].UsesDelegatedLogin {
		t.Fatalf("github should not be delegated: %+v", byName["github"])
	}
}

func TestStatusORSemantics(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "github", githubReadme)
	c := New(root)
	d := c.Discover()[0]

	credDir := t.TempDir()

	// Legacy configuration only: required field present, no accounts.
	cfg := map[string]string{"GITHUB_TOKEN": "abc"}
	status := c.Status(d, cfg, accounts.NewRegistry(), credDir)
	if !status.Connected {
		t.Fatalf("legacy config should count as connected")
	}

	// Registry account only: field absent, one env-backed account present.
	reg := accounts.NewRegistry()
	reg.Accounts["github"] = []accounts.Account{{ID: "work", Enabled: true, EnvKey: "GITHUB_TOKEN_WORK"}}
	cfg = map[string]string{"GITHUB_TOKEN_WORK": "xyz"}
	status = c.Status(d, cfg, reg, credDir)
	if !status.Connected {
		t.Fatalf("any connected account should make the connector connected")
	}
	if len(status.Accounts) != 1 || !status.Accounts[0].Connected {
		t.Fatalf("account status = %+v", status.Accounts)
	}

	// Neither present.
	status = c.Status(d, map[string]string{}, reg, credDir)
	if status.Connected {
		t.Fatalf("connector with no credentials should be disconnected")
	}
}

func TestStatusNoRequiredFieldsIsConnected(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "yahoo_finance", "# Yahoo Finance\n\nWorks out of the box.\n")
	c := New(root)
	d := c.Discover()[0]

	status := c.Status(d, map[string]string{}, accounts.NewRegistry(), t.TempDir())
	if !status.Connected {
		t.Fatalf("connector with no required fields should report connected")
	}

	// Optional-only tables behave the same.
	writeConnector(t, root, "weather", "| Key | Description | Required |\n|-|-|-|\n| UNITS | Display units | No |\n")
	for _, d := range New(root).Discover() {
		if d.Name != "weather" {
			continue
		}
		if st := c.Status(d, map[string]string{}, accounts.NewRegistry(), t.TempDir()); !st.Connected {
			t.Fatalf("optional-only connector should report connected")
		}
	}
}

func TestStatusDelegatedUsesCredentialFiles(t *testing.T) {
	root := t.TempDir()
	writeConnector(t, root, "gmail", "")
	c := New(root)
	d := c.Discover()[0]

	credDir := filepath.Join(t.TempDir(), "state")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	reg := accounts.NewRegistry()
	reg.Accounts["gmail"] = []accounts.Account{{ID: "default", Enabled: true, CredentialFile: "gmail_token.json"}}

	status := c.Status(d, map[string]string{"GMAIL_CLIENT_ID": "x"}, reg, credDir)
	if status.Connected {
		t.Fatalf("delegated connector without a token file should be disconnected")
	}

	if err := os.WriteFile(filepath.Join(credDir, "gmail_token.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	status = c.Status(d, nil, reg, credDir)
	if !status.Connected {
		t.Fatalf("token file should make the delegated connector connected")
	}
}
