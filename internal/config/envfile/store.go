// Package envfile implements the secrets store backing the dashboard: a
// line-oriented KEY=value file that is merged in place on write so the
// user's comments and key ordering survive every update.
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Store provides serialized read/merge-write access to a single env file.
// All writes are whole-file read-modify-write sequences guarded by a
// per-process mutex; the daemon is the only local writer.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store for the env file at path. The file does not need to
// exist yet; a missing file reads as an empty mapping.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Read parses the env file into a key/value map. Blank lines and comment
// lines are skipped, unquoted inline comments are stripped, and keys whose
// resolved value is empty are omitted. A missing file is an empty map,
// never an error.
func (s *Store) Read() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("envfile: read %s: %w", s.path, err)
	}

	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := parseLine(line)
		if !ok || value == "" {
			continue
		}
		values[key] = value
	}
	return values, nil
}

// Get returns the value for key, or "" if absent.
func (s *Store) Get(key string) string {
	values, err := s.Read()
	if err != nil {
		return ""
	}
	return values[key]
}

// Write merges updates into the env file. Existing lines whose key appears
// in updates are rewritten in place; keys with no existing line are appended.
// A key mapped to the empty string still rewrites its line, which hides the
// key from subsequent Read calls.
func (s *Store) Write(updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	data, err := os.ReadFile(s.path)
	if err == nil {
		lines = strings.Split(string(data), "\n")
		// Drop a single trailing empty element so we don't accumulate
		// blank lines across writes.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("envfile: read %s: %w", s.path, err)
	}

	written := make(map[string]bool, len(updates))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value, ok := updates[key]
		if !ok {
			continue
		}
		lines[i] = key + "=" + value
		written[key] = true
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		if !written[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, key+"="+updates[key])
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(s.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("envfile: write %s: %w", s.path, err)
	}
	return nil
}

// parseLine resolves a single env file line to a key/value pair. Returns
// ok=false for blank lines, comments, and lines without a key.
func parseLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	eq := strings.Index(trimmed, "=")
	if eq < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:eq])
	if key == "" {
		return "", "", false
	}

	raw := strings.TrimSpace(trimmed[eq+1:])
	if len(raw) >= 2 {
		// Quoted values keep everything between the quotes verbatim,
		// including comment markers.
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return key, raw[1 : len(raw)-1], true
		}
	}

	// Unquoted values lose any trailing inline comment.
	if idx := strings.Index(raw, " #"); idx >= 0 {
		raw = strings.TrimSpace(raw[:idx])
	}
	return key, raw, true
}
