package accounts

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

// legacySeed describes how to detect a pre-registry installation of a
// built-in connector: either a credential file in the private directory or
// a set of secrets-file keys.
type legacySeed struct {
	connector string
	tokenFile string   // credential file implying a connected default account
	labelFile string   // optional sidecar holding the account identity
	envKeys   []string // secrets-file keys that must all be present
}

var legacySeeds = []legacySeed{
	{connector: "gmail", tokenFile: "gmail_token.json", labelFile: "gmail_email.txt"},
	{connector: "github", envKeys: []string{"GITHUB_TOKEN"}},
	{connector: "telegram", envKeys: []string{"TELEGRAM_BOT_TOKEN"}},
	{connector: "whatsapp", envKeys: []string{"WHATSAPP_ACCESS_TOKEN"}},
	{connector: "slack", envKeys: []string{"SLACK_BOT_TOKEN"}},
	{connector: "supabase", envKeys: []string{"SUPABASE_URL", "SUPABASE_SERVICE_KEY"}},
	{connector: "firebase", envKeys: []string{"FIREBASE_PROJECT_ID"}},
}

// EnsureSeeded runs once at startup. If no registry document exists it
// synthesizes one from legacy credential locations, so installations that
// predate multi-account support come up with their existing connections
// intact. The migration never moves or deletes credential files.
func (s *Store) EnsureSeeded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return nil
	}

	cfg, err := s.env.Read()
	if err != nil {
		log.Printf("[Accounts] seed: secrets file unreadable, continuing without env seeds: %v", err)
		cfg = map[string]string{}
	}

	reg := NewRegistry()
	for _, seed := range legacySeeds {
		acct, ok := s.detectLegacy(seed, cfg)
		if !ok {
			continue
		}
		reg.Accounts[seed.connector] = []Account{acct}
		log.Printf("[Accounts] seeded %s/default from legacy credentials", seed.connector)
	}

	return s.saveLocked(reg)
}

func (s *Store) detectLegacy(seed legacySeed, cfg map[string]string) (Account, bool) {
	if seed.tokenFile != "" {
		if _, err := os.Stat(filepath.Join(s.credDir, seed.tokenFile)); err != nil {
			return Account{}, false
		}
		acct := Account{ID: DefaultAccountID, Enabled: true, CredentialFile: seed.tokenFile}
		if seed.labelFile != "" {
			if data, err := os.ReadFile(filepath.Join(s.credDir, seed.labelFile)); err == nil {
				acct.Label = strings.TrimSpace(string(data))
			}
		}
		return acct, true
	}

	for _, key := range seed.envKeys {
		if cfg[key] == "" {
			return Account{}, false
		}
	}
	acct := Account{ID: DefaultAccountID, Enabled: true}
	if len(seed.envKeys) == 1 {
		acct.EnvKey = seed.envKeys[0]
	} else {
		acct.EnvKeys = make(map[string]string, len(seed.envKeys))
		for _, key := range seed.envKeys {
			acct.EnvKeys[key] = key
		}
	}
	return acct, true
}
