package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the private state directory under the user's home.
const DirName = ".clawfounder"

// Paths contains all on-disk locations owned by the daemon.
type Paths struct {
	Home        string // State directory (~/.clawfounder)
	Registry    string // Account registry document (accounts.json)
	KnowledgeDB string // SQLite knowledge base
	CacheDir    string // Tool result cache directory
}

// GetPaths returns the default path layout rooted at the user's home directory.
func GetPaths() Paths {
	return PathsIn(GetHome())
}

// PathsIn returns the path layout rooted at the given state directory.
// Primarily used by tests to redirect state into a temp dir.
func PathsIn(home string) Paths {
	return Paths{
		Home:        home,
		Registry:    filepath.Join(home, "accounts.json"),
		KnowledgeDB: filepath.Join(home, "knowledge.db"),
		CacheDir:    filepath.Join(home, "cache"),
	}
}

// GetHome returns the ClawFounder state directory (~/.clawfounder).
func GetHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, DirName)
}

// EnsureDirs creates the state directory tree if it does not exist.
func EnsureDirs(p Paths) error {
	for _, dir := range []string{p.Home, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
