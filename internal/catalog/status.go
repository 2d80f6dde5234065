package catalog

import (
	"github.com/clawfounder/clawfounder/internal/accounts"
)

// AccountStatus is the per-account connectivity view exposed to clients.
type AccountStatus struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
}

// Status is the live connectivity view of one connector.
type Status struct {
	Connected bool            `json:"connected"`
	Accounts  []AccountStatus `json:"accounts"`
}

// Status cross-references a descriptor with the secrets snapshot and the
// account registry. A connector counts as connected when any registry
// account is connected, or — for manual-field connectors — when every
// required field is present in the secrets file. The OR is deliberate: a
// connector stays usable through its single legacy configuration or through
// any one of several named accounts.
func (c *Catalog) Status(d Descriptor, cfg map[string]string, reg accounts.Registry, credDir string) Status {
	var status Status
	for _, acct := range reg.Accounts[d.Name] {
		connected := acct.Connected(cfg, credDir)
		status.Accounts = append(status.Accounts, AccountStatus{
			ID:        acct.ID,
			Label:     acct.Label,
			Enabled:   acct.Enabled,
			Connected: connected,
		})
		if connected {
			status.Connected = true
		}
	}

	if !status.Connected && !d.UsesDelegatedLogin {
		status.Connected = requiredFieldsPresent(d, cfg)
	}
	return status
}

// A connector declaring no required fields needs no manual configuration,
// so presence is vacuously true for it.
func requiredFieldsPresent(d Descriptor, cfg map[string]string) bool {
	for _, field := range d.RequiredFields {
		if field.Required && cfg[field.Key] == "" {
			return false
		}
	}
	return true
}
