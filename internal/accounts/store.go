package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/clawfounder/clawfounder/internal/config/envfile"
)

// ValidationError reports a caller mistake: bad id, duplicate account,
// missing field. Mutations failing validation leave the registry untouched.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// IsValidation returns true when err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func validationf(format string, args ...any) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Store provides serialized access to the account registry document and the
// credential material each account owns. All mutations are read-modify-write
// under a per-process mutex; the daemon is the only local writer.
type Store struct {
	mu      sync.Mutex
	path    string // registry document (accounts.json)
	credDir string // private directory holding credential files
	env     *envfile.Store
}

// NewStore returns a registry store persisting to path, with credential
// files resolved under credDir and env-based credentials in env.
func NewStore(path, credDir string, env *envfile.Store) *Store {
	return &Store{path: path, credDir: credDir, env: env}
}

// CredentialDir returns the private credentials directory.
func (s *Store) CredentialDir() string {
	return s.credDir
}

// Load reads the registry document. A missing or corrupt file is an empty
// registry, never an error: corruption means "no accounts yet".
func (s *Store) Load() Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() Registry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return NewRegistry()
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		log.Printf("[Accounts] registry at %s is unreadable, starting empty: %v", s.path, err)
		return NewRegistry()
	}
	if reg.Version == 0 {
		reg.Version = 1
	}
	if reg.Accounts == nil {
		reg.Accounts = map[string][]Account{}
	}
	return reg
}

func (s *Store) saveLocked(reg Registry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("accounts: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("accounts: encode registry: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("accounts: write registry: %w", err)
	}
	return nil
}

// Connected reports whether the account's credential material is present:
// its credential file exists, or every derived env key resolves non-empty.
func (a Account) Connected(cfg map[string]string, credDir string) bool {
	if a.CredentialFile != "" {
		_, err := os.Stat(filepath.Join(credDir, a.CredentialFile))
		return err == nil
	}
	keys := a.envKeyNames()
	if len(keys) == 0 {
		return false
	}
	for _, key := range keys {
		if cfg[key] == "" {
			return false
		}
	}
	return true
}

// Add creates an env-backed account from explicit field values. Each value
// is written to the secrets file under a key derived from the account id.
func (s *Store) Add(connector, id, label string, envValues map[string]string) (Account, error) {
	if !ValidID(id) {
		return Account{}, validationf("invalid account id %q: must match [a-z0-9_-]+", id)
	}
	if len(envValues) == 0 {
		return Account{}, validationf("at least one credential field is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	for _, acct := range reg.Accounts[connector] {
		if acct.ID == id {
			return Account{}, validationf("account %q already exists for %s", id, connector)
		}
	}

	acct := Account{ID: id, Label: label, Enabled: true}
	updates := make(map[string]string, len(envValues))
	derived := make(map[string]string, len(envValues))
	for baseKey, value := range envValues {
		key := DeriveEnvKey(baseKey, id)
		updates[key] = value
		derived[baseKey] = key
	}
	if len(derived) == 1 {
		for _, key := range derived {
			acct.EnvKey = key
		}
	} else {
		acct.EnvKeys = derived
	}

	if err := s.env.Write(updates); err != nil {
		return Account{}, err
	}
	reg.Accounts[connector] = append(reg.Accounts[connector], acct)
	if err := s.saveLocked(reg); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// UpsertLogin records a successful delegated login: it creates the account
// on first login and only refreshes the label on subsequent ones.
func (s *Store) UpsertLogin(connector, id, label, credentialFile string) (Account, error) {
	if id == "" {
		id = DefaultAccountID
	}
	if !ValidID(id) {
		return Account{}, validationf("invalid account id %q: must match [a-z0-9_-]+", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	list := reg.Accounts[connector]
	for i, acct := range list {
		if acct.ID == id {
			if label != "" {
				list[i].Label = label
			}
			if err := s.saveLocked(reg); err != nil {
				return Account{}, err
			}
			return list[i], nil
		}
	}

	acct := Account{ID: id, Label: label, Enabled: true, CredentialFile: credentialFile}
	reg.Accounts[connector] = append(list, acct)
	if err := s.saveLocked(reg); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Remove deletes an account and its credential material. The default
// account is protected; disconnect it instead.
func (s *Store) Remove(connector, id string) error {
	if id == DefaultAccountID {
		return validationf("the default account cannot be removed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	list := reg.Accounts[connector]
	idx := -1
	for i, acct := range list {
		if acct.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return validationf("no account %q for %s", id, connector)
	}

	if err := s.clearCredentialsLocked(list[idx]); err != nil {
		return err
	}
	reg.Accounts[connector] = append(list[:idx], list[idx+1:]...)
	return s.saveLocked(reg)
}

// Rename updates an account's display label.
func (s *Store) Rename(connector, id, label string) error {
	return s.mutate(connector, id, func(acct *Account) {
		acct.Label = label
	})
}

// Toggle enables or disables an account.
func (s *Store) Toggle(connector, id string, enabled bool) error {
	return s.mutate(connector, id, func(acct *Account) {
		acct.Enabled = enabled
	})
}

// ToggleAll enables or disables every account of a connector.
func (s *Store) ToggleAll(connector string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	list := reg.Accounts[connector]
	for i := range list {
		list[i].Enabled = enabled
	}
	return s.saveLocked(reg)
}

// Disconnect removes an account's credential material but keeps the account
// entry, so a later login reconnects the same identity slot.
func (s *Store) Disconnect(connector, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	for _, acct := range reg.Accounts[connector] {
		if acct.ID == id {
			return s.clearCredentialsLocked(acct)
		}
	}
	return validationf("no account %q for %s", id, connector)
}

// DisconnectAll clears credential material for every account of a connector.
func (s *Store) DisconnectAll(connector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	for _, acct := range reg.Accounts[connector] {
		if err := s.clearCredentialsLocked(acct); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mutate(connector, id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.loadLocked()
	list := reg.Accounts[connector]
	for i := range list {
		if list[i].ID == id {
			fn(&list[i])
			return s.saveLocked(reg)
		}
	}
	return validationf("no account %q for %s", id, connector)
}

// clearCredentialsLocked deletes the account's credential file or clears its
// derived env keys, so no orphaned secrets remain on disk.
func (s *Store) clearCredentialsLocked(acct Account) error {
	if acct.CredentialFile != "" {
		path := filepath.Join(s.credDir, acct.CredentialFile)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("accounts: remove credential file: %w", err)
		}
		return nil
	}
	keys := acct.envKeyNames()
	if len(keys) == 0 {
		return nil
	}
	updates := make(map[string]string, len(keys))
	for _, key := range keys {
		updates[key] = ""
	}
	return s.env.Write(updates)
}
