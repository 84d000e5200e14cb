package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"catalog-ingest-service/internal/domain"
)

// JSONParser decodes payloads that already follow the NormalizedRecord
// shape, either bare or wrapped as {"item": {...}}.
type JSONParser struct{}

func (JSONParser) Parse(payload []byte) (*domain.NormalizedRecord, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	var wrapped struct {
		Item *domain.NormalizedRecord `json:"item"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Item != nil {
		return usable(wrapped.Item), nil
	}
	var rec domain.NormalizedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("source: item payload: %w", err)
	}
	return usable(&rec), nil
}

// usable drops records with neither an id nor a title.
func usable(rec *domain.NormalizedRecord) *domain.NormalizedRecord {
	if rec.ExternalID == "" && rec.Title == "" {
		return nil
	}
	return rec
}
