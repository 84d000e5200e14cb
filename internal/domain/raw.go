package domain

import "time"

// StorageInline marks a raw payload that lives in the raw_record row itself
// rather than in blob storage.
const StorageInline = "inline"

// RawRecord is one fetched payload snapshot. (Source, ExternalID) is unique.
// A nil ProcessedAt means "ingested but not yet normalized, or changed since".
type RawRecord struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	ExternalID  string     `json:"external_id"`
	URL         string     `json:"url,omitempty"`
	Payload     []byte     `json:"-"`                  // Inline payload; nil when BlobRef is set
	BlobRef     *string    `json:"blob_ref,omitempty"` // Pointer into blob storage
	ContentHash string     `json:"content_hash"`
	FetchedAt   time.Time  `json:"fetched_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// StorageRef reports where the payload lives: a blob reference or StorageInline.
func (r *RawRecord) StorageRef() string {
	if r.BlobRef != nil && *r.BlobRef != "" {
		return *r.BlobRef
	}
	return StorageInline
}

// RawUpsertResult is the dedup decision returned by the raw store.
type RawUpsertResult struct {
	ID         int64
	IsNew      bool
	ShouldSkip bool // unchanged content that was already normalized
	StorageRef string
	Hash       string
}
