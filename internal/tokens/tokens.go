// Package tokens counts prompt tokens with tiktoken and trims loaded
// history to a configured budget before a provider call.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/valet-ai/valet/internal/domain"
)

// perItemOverhead approximates the per-message framing tokens chat APIs
// add around each turn.
const perItemOverhead = 4

// Counter counts tokens for a model, caching codecs per encoding.
type Counter struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a counter.
func NewCounter() *Counter {
	return &Counter{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) codec(model string) (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(model)); err == nil {
		return codec, nil
	}

	encoding := encodingFor(model)

	c.mu.RLock()
	cached, ok := c.cache[encoding]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor picks a fallback encoding by model family.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// Count returns the token count of text under model's encoding. Falls
// back to a bytes/4 estimate when no codec is available.
func (c *Counter) Count(model, text string) int {
	codec, err := c.codec(model)
	if err != nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// CountHistory returns the token cost of a history list including
// per-message framing overhead.
func (c *Counter) CountHistory(model string, items []domain.HistoryItem) int {
	total := 0
	for _, it := range items {
		total += perItemOverhead + c.Count(model, it.Content.PlainText())
	}
	return total
}

// TrimToBudget drops the oldest turns until the history fits within
// budget tokens. The leading system turn is never dropped. A
// non-positive budget disables trimming.
func (c *Counter) TrimToBudget(model string, items []domain.HistoryItem, budget int) []domain.HistoryItem {
	if budget <= 0 || len(items) == 0 {
		return items
	}

	var system []domain.HistoryItem
	rest := items
	if items[0].Role == domain.RoleSystem {
		system = items[:1]
		rest = items[1:]
	}

	total := c.CountHistory(model, system) + c.CountHistory(model, rest)
	for len(rest) > 0 && total > budget {
		total -= perItemOverhead + c.Count(model, rest[0].Content.PlainText())
		rest = rest[1:]
	}

	if len(system) == 0 {
		return rest
	}
	return append(append([]domain.HistoryItem{}, system...), rest...)
}
