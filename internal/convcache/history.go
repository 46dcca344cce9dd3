package convcache

import (
	"fmt"
	"sort"
	"time"

	"github.com/valet-ai/valet/internal/domain"
)

// Config is the cache policy a strategy resolves per request: the key
// namespace partitioning history per provider, and the entry TTL.
type Config struct {
	BaseKey string
	TTL     time.Duration
}

// Merge applies a per-request override on top of the defaults. Zero
// values keep the default.
func (c Config) Merge(ttlSeconds int, baseKey string) Config {
	out := c
	if ttlSeconds > 0 {
		out.TTL = time.Duration(ttlSeconds) * time.Second
	}
	if baseKey != "" {
		out.BaseKey = baseKey
	}
	return out
}

// Key derives the cache key for one conversation.
func (c Config) Key(id string) string {
	return fmt.Sprintf("%s:%s", c.BaseKey, id)
}

// Formatter adapts stored history into the shape a provider's API
// expects, e.g. flattening structured multimodal content to plain text.
type Formatter func([]domain.HistoryItem) []domain.HistoryItem

// History reads and merges conversation turns on top of a Store.
//
// Read-merge-write is not atomic across a request's suspension points;
// concurrent writers to the same conversation id resolve last-writer-wins
// on the merged list.
type History struct {
	store *Store
	now   func() time.Time
}

// NewHistory wraps store.
func NewHistory(store *Store) *History {
	return &History{store: store, now: time.Now}
}

// Get returns the history for key, oldest first, with the internal
// timestamp stripped and the optional formatter applied. Absent or
// expired entries read as empty.
func (h *History) Get(key string, formatter Formatter) ([]domain.HistoryItem, error) {
	raw, ok := h.store.Get(key)
	if !ok {
		return nil, nil
	}

	items, err := decodeHistory(raw)
	if err != nil {
		return nil, err
	}

	history := make([]domain.HistoryItem, len(items))
	for i, it := range items {
		history[i] = domain.HistoryItem{Role: it.Role, Content: it.Content}
	}
	if formatter != nil {
		history = formatter(history)
	}
	return history, nil
}

// Set appends items to the existing entry for key, assigns the current
// timestamp to any item lacking one, restores the ordering invariant and
// writes back with cfg.TTL, resetting the expiry window.
func (h *History) Set(cfg Config, key string, items []domain.HistoryItem) error {
	var existing []domain.HistoryItem
	if raw, ok := h.store.Get(key); ok {
		decoded, err := decodeHistory(raw)
		if err != nil {
			return err
		}
		existing = decoded
	}

	nowMillis := h.now().UnixMilli()
	merged := append(existing, items...)
	for i := range merged {
		if merged[i].Timestamp == 0 {
			merged[i].Timestamp = nowMillis
		}
	}

	sortHistory(merged)

	raw, err := encodeHistory(merged)
	if err != nil {
		return err
	}
	h.store.Set(key, raw, cfg.TTL)
	return nil
}

// sortHistory orders ascending by timestamp; on a tie the user turn
// precedes the assistant turn, preserving conversational order when both
// halves of a turn land in one write.
func sortHistory(items []domain.HistoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Timestamp == b.Timestamp {
			return a.Role == domain.RoleUser && b.Role == domain.RoleAssistant
		}
		return a.Timestamp < b.Timestamp
	})
}

// SetClock overrides the history clock. Tests only.
func (h *History) SetClock(now func() time.Time) {
	h.now = now
}

// FlattenContent is the formatter for providers without a multimodal
// content field: structured content collapses to its first text part.
func FlattenContent(items []domain.HistoryItem) []domain.HistoryItem {
	out := make([]domain.HistoryItem, len(items))
	for i, it := range items {
		out[i] = domain.HistoryItem{
			Role:    it.Role,
			Content: domain.TextContent(it.Content.PlainText()),
		}
	}
	return out
}
