package convcache

import (
	"encoding/json"
	"fmt"

	"github.com/valet-ai/valet/internal/domain"
)

// SchemaVersion is the current history serialization version. Bump it
// whenever the stored shape changes so stale entries surface as a
// migration error instead of a silent shape mismatch.
const SchemaVersion = 1

type envelope struct {
	Version int                  `json:"version"`
	Items   []domain.HistoryItem `json:"items"`
}

func encodeHistory(items []domain.HistoryItem) ([]byte, error) {
	raw, err := json.Marshal(envelope{Version: SchemaVersion, Items: items})
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return raw, nil
}

func decodeHistory(raw []byte) ([]domain.HistoryItem, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if env.Version != SchemaVersion {
		return nil, &domain.SchemaVersionError{Got: env.Version, Want: SchemaVersion}
	}
	return env.Items, nil
}
