// Package knowledge maintains the cross-service memory: a SQLite database
// that passively indexes tool results flowing through the stream bridges
// and answers search queries across every connected service.
package knowledge

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const openTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_items (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	connector   TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	event_date  TEXT,
	indexed_at  TEXT NOT NULL DEFAULT (datetime('now')),
	title       TEXT,
	snippet     TEXT,
	UNIQUE(connector, source_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_connector ON knowledge_items(connector);
CREATE INDEX IF NOT EXISTS idx_knowledge_indexed_at ON knowledge_items(indexed_at);
`

// Item is one indexed unit of knowledge.
type Item struct {
	Connector string `json:"connector"`
	Tool      string `json:"tool"`
	SourceID  string `json:"source_id"`
	AccountID string `json:"account_id,omitempty"`
	EventDate string `json:"event_date,omitempty"`
	IndexedAt string `json:"indexed_at,omitempty"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
}

// Stats summarizes the knowledge base contents.
type Stats struct {
	Items         int            `json:"items"`
	ByConnector   map[string]int `json:"by_connector"`
	OldestIndexed string         `json:"oldest_indexed,omitempty"`
	NewestIndexed string         `json:"newest_indexed,omitempty"`
}

// Store is the SQLite-backed knowledge base.
type Store struct {
	db *sql.DB
}

// Open initialises the knowledge base at path, creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("knowledge: apply pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Index inserts or refreshes one item. An item with the same
// (connector, source_id, account_id) replaces the stored title and snippet.
func (s *Store) Index(ctx context.Context, item Item) error {
	if item.Connector == "" || item.SourceID == "" {
		return fmt.Errorf("knowledge: item requires connector and source id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (connector, tool_name, source_id, account_id, event_date, title, snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connector, source_id, account_id) DO UPDATE SET
			tool_name = excluded.tool_name,
			event_date = excluded.event_date,
			indexed_at = datetime('now'),
			title = excluded.title,
			snippet = excluded.snippet`,
		item.Connector, item.Tool, item.SourceID, item.AccountID, item.EventDate, item.Title, item.Snippet)
	if err != nil {
		return fmt.Errorf("knowledge: index item: %w", err)
	}
	return nil
}

// Search returns items whose title or snippet contains the query, newest
// first. An empty connector matches all connectors.
func (s *Store) Search(ctx context.Context, query, connector string, limit int) ([]Item, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT connector, tool_name, source_id, account_id,
		       COALESCE(event_date, ''), indexed_at, COALESCE(title, ''), COALESCE(snippet, '')
		FROM knowledge_items
		WHERE (title LIKE ? ESCAPE '\' OR snippet LIKE ? ESCAPE '\')
		  AND (? = '' OR connector = ?)
		ORDER BY indexed_at DESC, id DESC
		LIMIT ?`,
		pattern, pattern, connector, connector, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Connector, &item.Tool, &item.SourceID, &item.AccountID,
			&item.EventDate, &item.IndexedAt, &item.Title, &item.Snippet); err != nil {
			return nil, fmt.Errorf("knowledge: scan row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Stats returns item counts overall and per connector.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByConnector: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT connector, COUNT(*) FROM knowledge_items GROUP BY connector`)
	if err != nil {
		return stats, fmt.Errorf("knowledge: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var connector string
		var count int
		if err := rows.Scan(&connector, &count); err != nil {
			return stats, fmt.Errorf("knowledge: scan stats: %w", err)
		}
		stats.ByConnector[connector] = count
		stats.Items += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(indexed_at), ''), COALESCE(MAX(indexed_at), '') FROM knowledge_items`).
		Scan(&stats.OldestIndexed, &stats.NewestIndexed)
	if err != nil {
		return stats, fmt.Errorf("knowledge: stats range: %w", err)
	}
	return stats, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// SourceID derives a stable identifier for a tool result so repeated
// observations of the same content dedupe instead of piling up.
func SourceID(tool, result string) string {
	if len(result) > 200 {
		result = result[:200]
	}
	sum := md5.Sum([]byte(tool + "\x00" + result))
	return hex.EncodeToString(sum[:])
}
