// Package rawstore is the content-addressed dedup layer in front of
// normalization. It decides, per fetched payload, whether the item is new,
// changed, or unchanged-and-already-processed.
package rawstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalog-ingest-service/internal/blob"
	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/store"
)

// Store implements Upsert/MarkProcessed over the raw_record table and an
// optional blob store. A nil blob store keeps every payload inline.
type Store struct {
	records store.RawRecordStorer
	blobs   blob.Store
	logger  *zap.Logger
	now     func() time.Time
}

func New(records store.RawRecordStorer, blobs blob.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{records: records, blobs: blobs, logger: logger, now: time.Now}
}

// Hash is the content digest used for change detection.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Upsert records a fetched payload and returns the dedup decision.
//
//   - absent: insert with processed_at NULL, IsNew=true
//   - same hash: ShouldSkip only if it was already processed
//   - new hash: overwrite in place, processed_at cleared
func (s *Store) Upsert(ctx context.Context, source, externalID, url string, payload []byte) (*domain.RawUpsertResult, error) {
	hash := Hash(payload)
	now := s.now().UTC()

	existing, err := s.records.GetRawByKey(ctx, source, externalID)
	if err != nil {
		return nil, fmt.Errorf("rawstore: lookup %s/%s: %w", source, externalID, err)
	}
	if existing != nil && existing.ContentHash == hash {
		if err := s.records.TouchRaw(ctx, existing.ID, now); err != nil {
			return nil, fmt.Errorf("rawstore: touch %s/%s: %w", source, externalID, err)
		}
		return &domain.RawUpsertResult{
			ID:         existing.ID,
			IsNew:      false,
			ShouldSkip: existing.ProcessedAt != nil,
			StorageRef: existing.StorageRef(),
			Hash:       hash,
		}, nil
	}

	rec := &domain.RawRecord{
		Source:      source,
		ExternalID:  externalID,
		URL:         url,
		ContentHash: hash,
		FetchedAt:   now,
	}
	ref := s.storePayload(ctx, rec, payload)

	id, inserted, err := s.records.SaveRaw(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("rawstore: save %s/%s: %w", source, externalID, err)
	}
	return &domain.RawUpsertResult{
		ID:         id,
		IsNew:      inserted,
		ShouldSkip: false,
		StorageRef: ref,
		Hash:       hash,
	}, nil
}

// storePayload prefers blob storage and falls back to inline storage when
// the blob write fails.
func (s *Store) storePayload(ctx context.Context, rec *domain.RawRecord, payload []byte) string {
	if s.blobs != nil {
		ref, err := s.blobs.Put(ctx, blob.Key(rec.Source, rec.ExternalID, rec.ContentHash), payload)
		if err == nil {
			rec.BlobRef = &ref
			return ref
		}
		s.logger.Warn("blob write failed, storing payload inline",
			zap.String("source", rec.Source), zap.String("external_id", rec.ExternalID), zap.Error(err))
	}
	rec.Payload = payload
	return domain.StorageInline
}

// MarkProcessed stamps a raw record as normalized. Callers invoke it only
// after every canonical write of the item succeeded.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	if err := s.records.MarkRawProcessed(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("rawstore: mark processed %d: %w", id, err)
	}
	return nil
}

// Payload resolves the bytes of a stored record from inline or blob storage.
func (s *Store) Payload(ctx context.Context, rec *domain.RawRecord) ([]byte, error) {
	if rec.BlobRef == nil || *rec.BlobRef == "" {
		return rec.Payload, nil
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("rawstore: record %d references blob %q but no blob store is configured", rec.ID, *rec.BlobRef)
	}
	data, err := s.blobs.Get(ctx, *rec.BlobRef)
	if err != nil {
		return nil, fmt.Errorf("rawstore: load blob of record %d: %w", rec.ID, err)
	}
	return data, nil
}

// Get loads a raw record by id together with its payload. A missing record
// wraps store.ErrRawRecordNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*domain.RawRecord, []byte, error) {
	rec, err := s.records.GetRawByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("rawstore: get %d: %w", id, err)
	}
	payload, err := s.Payload(ctx, rec)
	if err != nil {
		return rec, nil, err
	}
	return rec, payload, nil
}

// Unprocessed lists records of a source awaiting normalization, for replay
// without network access.
func (s *Store) Unprocessed(ctx context.Context, source string, limit int) ([]domain.RawRecord, error) {
	recs, err := s.records.ListUnprocessedRaw(ctx, source, limit)
	if err != nil {
		return nil, fmt.Errorf("rawstore: list unprocessed %s: %w", source, err)
	}
	return recs, nil
}
