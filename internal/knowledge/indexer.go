package knowledge

import (
	"context"
	"log"
	"strings"

	"github.com/clawfounder/clawfounder/internal/eventbus"
)

const (
	maxTitleRunes   = 120
	maxSnippetRunes = 500
)

// Indexer consumes tool results from the event bus and feeds the store.
// It runs off the request path: indexing failures are logged, never
// surfaced to the client whose request produced the result.
type Indexer struct {
	store *Store
}

// NewIndexer returns an indexer writing to store.
func NewIndexer(store *Store) *Indexer {
	return &Indexer{store: store}
}

// Run subscribes to tool results and indexes them until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context, bus *eventbus.Bus) {
	events, cancel := bus.Subscribe(eventbus.TopicToolResults)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			result, ok := event.Payload.(eventbus.ToolResultEvent)
			if !ok {
				continue
			}
			if err := ix.index(ctx, result); err != nil {
				log.Printf("[Knowledge] index %s/%s: %v", result.Connector, result.Tool, err)
			}
		}
	}
}

func (ix *Indexer) index(ctx context.Context, result eventbus.ToolResultEvent) error {
	text := strings.TrimSpace(result.Result)
	if text == "" || result.Connector == "" {
		return nil
	}
	return ix.store.Index(ctx, Item{
		Connector: result.Connector,
		Tool:      result.Tool,
		AccountID: result.Account,
		SourceID:  SourceID(result.Tool, text),
		Title:     truncateRunes(firstLine(text), maxTitleRunes),
		Snippet:   truncateRunes(text, maxSnippetRunes),
	})
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
