// Package accounts maintains the durable registry of connector accounts:
// which identities are connected per connector, and where each one's
// credential material lives (a private token file or derived env keys).
package accounts

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultAccountID is reserved for the first account of every connector.
// It can be disconnected but never removed.
const DefaultAccountID = "default"

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidID reports whether id is an acceptable account identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Account is one named credential/identity instance of a connector.
// Exactly one credential locator is set: CredentialFile points at an opaque
// file under the private credentials directory, EnvKey/EnvKeys name derived
// keys in the secrets file shared by all accounts of the connector.
type Account struct {
	ID             string            `json:"id"`
	Label          string            `json:"label,omitempty"`
	Enabled        bool              `json:"enabled"`
	CredentialFile string            `json:"credential_file,omitempty"`
	EnvKey         string            `json:"env_key,omitempty"`
	EnvKeys        map[string]string `json:"env_keys,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent, matching
// documents written by older dashboard versions.
func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	aux := alias{Enabled: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Account(aux)
	return nil
}

// envKeyNames returns every derived secrets-file key this account owns.
func (a Account) envKeyNames() []string {
	var keys []string
	if a.EnvKey != "" {
		keys = append(keys, a.EnvKey)
	}
	for _, derived := range a.EnvKeys {
		keys = append(keys, derived)
	}
	return keys
}

// Registry is the versioned on-disk document mapping connector name to its
// ordered account list.
type Registry struct {
	Version  int                  `json:"version"`
	Accounts map[string][]Account `json:"accounts"`
}

// NewRegistry returns an empty version-1 registry.
func NewRegistry() Registry {
	return Registry{Version: 1, Accounts: map[string][]Account{}}
}

// DeriveEnvKey maps a logical field key and account id to the suffixed
// secrets-file key the account owns (GITHUB_TOKEN + "work" → GITHUB_TOKEN_WORK).
// The default account uses the base key unchanged.
func DeriveEnvKey(baseKey, accountID string) string {
	if accountID == "" || accountID == DefaultAccountID {
		return baseKey
	}
	suffix := strings.ToUpper(accountID)
	suffix = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, suffix)
	return baseKey + "_" + suffix
}
