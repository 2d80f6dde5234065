// Package catalog discovers installed connectors and derives their live
// connectivity status. Nothing here is persisted: descriptors are rebuilt
// from the connectors directory on every query.
package catalog

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Field is one manual configuration entry declared in a connector's docs.
type Field struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Descriptor describes one installed connector.
type Descriptor struct {
	Name                 string  `json:"name"`
	RequiredFields       []Field `json:"requiredFields"`
	UsesDelegatedLogin   bool    `json:"usesDelegatedLogin"`
	SupportsMultiAccount bool    `json:"supportsMultiAccount"`
}

// builtinTraits carries connector properties that cannot be derived from the
// docs table: whether auth is a delegated flow and whether the credential is
// inherently machine-wide (a single CLI login shared by every account).
type builtinTraits struct {
	delegatedLogin bool
	singleAccount  bool
}

var builtins = map[string]builtinTraits{
	"gmail":           {delegatedLogin: true},
	"google_calendar": {delegatedLogin: true, singleAccount: true},
}

// Catalog enumerates connectors under a root directory.
type Catalog struct {
	root string
}

// New returns a catalog rooted at the connectors directory.
func New(root string) *Catalog {
	return &Catalog{root: root}
}

// Discover enumerates immediate subdirectories of the connectors root,
// excluding names starting with "_" or ".". A connector whose docs are
// missing or malformed gets an empty field list; discovery itself never
// fails because of one bad connector.
func (c *Catalog) Discover() []Descriptor {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil
	}

	var descriptors []Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}

		traits := builtins[name]
		descriptors = append(descriptors, Descriptor{
			Name:                 name,
			RequiredFields:       parseDocFields(filepath.Join(c.root, name, "README.md")),
			UsesDelegatedLogin:   traits.delegatedLogin,
			SupportsMultiAccount: !traits.singleAccount,
		})
	}

	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// fieldRow matches one data row of the three-column configuration table:
// | KEY | description | Yes/No |
var fieldRow = regexp.MustCompile(`^\|\s*([A-Z][A-Z0-9_]*)\s*\|([^|]*)\|\s*(Yes|No)\s*\|`)

// parseDocFields extracts declared credential fields from a connector's
// documentation. Unreadable docs yield an empty list rather than an error.
func parseDocFields(docPath string) []Field {
	data, err := os.ReadFile(docPath)
	if err != nil {
		return nil
	}

	var fields []Field
	for _, line := range strings.Split(string(data), "\n") {
		m := fieldRow.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		fields = append(fields, Field{
			Key:         m[1],
			Description: strings.TrimSpace(m[2]),
			Required:    m[3] == "Yes",
		})
	}
	return fields
}
