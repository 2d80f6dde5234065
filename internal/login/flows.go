// Package login drives delegated authorization flows: browser OAuth code
// exchanges and third-party CLI logins. Each flow runs as a short-lived
// worker process; the manager owns process lifetime, timeouts, and the
// at-most-one-session-per-key rule.
package login

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawfounder/clawfounder/internal/accounts"
	"github.com/clawfounder/clawfounder/internal/worker"
)

// Flow describes how one connector's delegated login runs.
type Flow struct {
	Connector string

	// AwaitsCode marks browser-code-exchange flows. The start worker prints
	// an authorization URL and exits; the session stays open until the OAuth
	// redirect delivers a code and Exchange finishes the handshake.
	AwaitsCode bool

	// Immediate marks CLI-delegated flows (the CLI opens its own browser).
	// The caller is answered with "started" right after spawn.
	Immediate bool

	// Start builds the worker spec that begins the flow for an account.
	Start func(accountID string) worker.Spec

	// Exchange builds the code-exchange worker. Nil unless AwaitsCode.
	Exchange func(accountID, code string) worker.Spec

	// CredentialFile names the connector's credential record, relative to
	// the credentials directory. The manager writes this record itself on
	// success when the flow did not.
	CredentialFile func(accountID string) string

	// Artifact returns the absolute path of the file the underlying tool
	// actually writes, when that differs from the credential record (e.g.
	// gcloud writes machine-wide ADC). Nil means the record is the artifact.
	Artifact func(accountID string) string

	// Enrich runs after the primary credential is persisted, resolving a
	// secondary identifier and merging it into the credential record.
	// Failures are logged only. Nil if the connector has no enrichment.
	Enrich func(ctx context.Context, launcher worker.Launcher, credentialPath string) error
}

// credentialPath resolves the flow's credential record under credDir.
func (f Flow) credentialPath(credDir, accountID string) string {
	if f.CredentialFile == nil {
		return ""
	}
	return filepath.Join(credDir, f.CredentialFile(accountID))
}

// artifactPath resolves the file whose mtime proves the tool ran.
func (f Flow) artifactPath(credDir, accountID string) string {
	if f.Artifact != nil {
		return f.Artifact(accountID)
	}
	return f.credentialPath(credDir, accountID)
}

// NewFlows builds the built-in delegated flows. python and scriptsDir locate
// the agent scripts; credDir is the private credentials directory.
func NewFlows(python, scriptsDir, credDir string) map[string]Flow {
	gmailFile := func(accountID string) string {
		if accountID == "" || accountID == accounts.DefaultAccountID {
			return "gmail_token.json"
		}
		return fmt.Sprintf("gmail_%s.json", accountID)
	}
	gmailScript := filepath.Join(scriptsDir, "gmail_auth.py")

	flows := map[string]Flow{
		"gmail": {
			Connector:  "gmail",
			AwaitsCode: true,
			Start: func(accountID string) worker.Spec {
				return worker.Spec{
					Command: python,
					Args:    []string{gmailScript, "--url-only"},
					Env:     []string{"GMAIL_TOKEN_FILE=" + filepath.Join(credDir, gmailFile(accountID))},
				}
			},
			Exchange: func(accountID, code string) worker.Spec {
				return worker.Spec{
					Command: python,
					Args:    []string{gmailScript, "--exchange-code", code},
					Env:     []string{"GMAIL_TOKEN_FILE=" + filepath.Join(credDir, gmailFile(accountID))},
				}
			},
			CredentialFile: gmailFile,
		},
		"google_calendar": {
			Connector: "google_calendar",
			Immediate: true,
			Start: func(string) worker.Spec {
				return worker.Spec{
					Command: "gcloud",
					Args:    []string{"auth", "application-default", "login"},
				}
			},
			// gcloud writes application default credentials machine-wide;
			// the registry entry records a stable marker name and the
			// manager materializes it on success.
			CredentialFile: func(string) string { return "gcloud_adc.json" },
			Artifact:       func(string) string { return gcloudADCPath() },
			Enrich:         enrichQuotaProject,
		},
	}
	return flows
}

// gcloudADCPath locates gcloud's application default credentials file,
// honoring the CLOUDSDK_CONFIG override.
func gcloudADCPath() string {
	dir := os.Getenv("CLOUDSDK_CONFIG")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config", "gcloud")
	}
	return filepath.Join(dir, "application_default_credentials.json")
}

// ensureCredentialRecord writes a minimal credential record when the flow's
// tool did not produce one itself, so connectivity checks see the account
// as connected right away. An existing record is left untouched.
func ensureCredentialRecord(path, identity string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	record := map[string]any{"connected_at": time.Now().UTC().Format(time.RFC3339)}
	if identity != "" {
		record["identity"] = identity
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// enrichQuotaProject asks gcloud for the active project and merges it into
// the credential record so downstream API calls bill against it.
func enrichQuotaProject(ctx context.Context, launcher worker.Launcher, credentialPath string) error {
	handle, err := launcher.Launch(ctx, worker.Spec{
		Command: "gcloud",
		Args:    []string{"config", "get-value", "project"},
	})
	if err != nil {
		return fmt.Errorf("login: enrich spawn: %w", err)
	}
	handle.Stdin().Close()

	var project string
	for line := range handle.Lines() {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			project = trimmed
		}
	}
	select {
	case <-handle.Done():
	case <-time.After(30 * time.Second):
		handle.Kill()
		return fmt.Errorf("login: enrich timed out")
	}
	if handle.ExitCode() != 0 || project == "" || project == "(unset)" {
		return fmt.Errorf("login: no active project (exit %d)", handle.ExitCode())
	}
	return mergeCredentialField(credentialPath, "quota_project_id", project)
}

// mergeCredentialField updates one field of a JSON credential file in place,
// creating the file when the flow never wrote one.
func mergeCredentialField(path, key, value string) error {
	record := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &record); err != nil {
			record = map[string]any{}
		}
	}
	record[key] = value
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
