package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"catalog-ingest-service/internal/domain"
)

const rawColumns = `id, source, external_id, url, payload, blob_ref, content_hash, fetched_at, processed_at`

func scanRaw(row interface{ Scan(...any) error }) (*domain.RawRecord, error) {
	var (
		rec domain.RawRecord
		url sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Source, &rec.ExternalID, &url, &rec.Payload, &rec.BlobRef,
		&rec.ContentHash, &rec.FetchedAt, &rec.ProcessedAt); err != nil {
		return nil, err
	}
	rec.URL = url.String
	return &rec, nil
}

// GetRawByKey returns the raw record for (source, externalID), or nil if none exists.
func (s *PostgresStore) GetRawByKey(ctx context.Context, source, externalID string) (*domain.RawRecord, error) {
	query := `
		SELECT ` + rawColumns + `
		FROM raw_record
		WHERE source = $1 AND external_id = $2;
	`
	rec, err := scanRaw(s.db.QueryRowContext(ctx, query, source, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: GetRawByKey failed to scan row: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetRawByID(ctx context.Context, id int64) (*domain.RawRecord, error) {
	query := `
		SELECT ` + rawColumns + `
		FROM raw_record
		WHERE id = $1;
	`
	rec, err := scanRaw(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRawRecordNotFound
		}
		return nil, fmt.Errorf("store: GetRawByID failed to scan row: %w", err)
	}
	return rec, nil
}

// SaveRaw inserts or overwrites the raw record for (source, external_id).
// A changed content hash clears processed_at; an unchanged one preserves it.
// inserted reports whether a new row was created.
func (s *PostgresStore) SaveRaw(ctx context.Context, rec *domain.RawRecord) (int64, bool, error) {
	query := `
		INSERT INTO raw_record (source, external_id, url, payload, blob_ref, content_hash, fetched_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		ON CONFLICT (source, external_id) DO UPDATE SET
			url = EXCLUDED.url,
			payload = EXCLUDED.payload,
			blob_ref = EXCLUDED.blob_ref,
			content_hash = EXCLUDED.content_hash,
			fetched_at = EXCLUDED.fetched_at,
			processed_at = CASE WHEN raw_record.content_hash = EXCLUDED.content_hash
				THEN raw_record.processed_at ELSE NULL END
		RETURNING id, (xmax = 0) AS inserted;
	`
	var (
		id       int64
		inserted bool
	)
	err := s.db.QueryRowContext(ctx, query,
		rec.Source, rec.ExternalID, nullString(rec.URL), rec.Payload, rec.BlobRef, rec.ContentHash, rec.FetchedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("store: SaveRaw failed to scan row: %w", err)
	}
	return id, inserted, nil
}

// TouchRaw refreshes fetched_at on an unchanged re-fetch.
func (s *PostgresStore) TouchRaw(ctx context.Context, id int64, fetchedAt time.Time) error {
	query := `UPDATE raw_record SET fetched_at = $1 WHERE id = $2;`
	return s.execOne(ctx, "TouchRaw", ErrRawRecordNotFound, query, fetchedAt, id)
}

// MarkRawProcessed stamps processed_at. It is the last write of an item.
func (s *PostgresStore) MarkRawProcessed(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE raw_record SET processed_at = $1 WHERE id = $2;`
	return s.execOne(ctx, "MarkRawProcessed", ErrRawRecordNotFound, query, at, id)
}

// ListUnprocessedRaw returns raw records of a source still awaiting normalization,
// oldest first.
func (s *PostgresStore) ListUnprocessedRaw(ctx context.Context, source string, limit int) ([]domain.RawRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT ` + rawColumns + `
		FROM raw_record
		WHERE source = $1 AND processed_at IS NULL
		ORDER BY id ASC
		LIMIT $2;
	`
	rows, err := s.db.QueryContext(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ListUnprocessedRaw failed to query: %w", err)
	}
	defer rows.Close()

	records := make([]domain.RawRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("store: ListUnprocessedRaw failed to scan row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListUnprocessedRaw iteration error: %w", err)
	}
	return records, nil
}

// execOne runs a statement expected to touch exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, op string, notFound error, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s failed to execute: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s failed to get rows affected: %w", op, err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
