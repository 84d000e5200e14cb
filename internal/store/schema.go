package store

import (
	"context"
	"fmt"
)

// schemaStatements is applied in order by Migrate. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raw_record (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		url TEXT,
		payload BYTEA,
		blob_ref TEXT,
		content_hash TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at TIMESTAMPTZ,
		UNIQUE (source, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS raw_record_unprocessed_idx ON raw_record (source, id) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS product (
		id BIGSERIAL PRIMARY KEY,
		normalized_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT,
		release_date DATE,
		duration_minutes INTEGER,
		maker TEXT,
		label TEXT,
		series TEXT,
		business_code TEXT,
		thumbnail_url TEXT,
		performer_count INTEGER NOT NULL DEFAULT 0,
		has_active_sale BOOLEAN NOT NULL DEFAULT FALSE,
		min_price NUMERIC(12,2),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS product_business_code_idx ON product (business_code)`,
	`CREATE TABLE IF NOT EXISTS product_source (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		source_name TEXT NOT NULL,
		external_id TEXT NOT NULL,
		url TEXT,
		price NUMERIC(12,2),
		affiliate_url TEXT,
		listing_type TEXT NOT NULL DEFAULT 'download',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (product_id, source_name)
	)`,
	`CREATE INDEX IF NOT EXISTS product_source_external_idx ON product_source (source_name, external_id)`,
	`CREATE TABLE IF NOT EXISTS product_raw_link (
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		source TEXT NOT NULL,
		raw_record_id BIGINT NOT NULL REFERENCES raw_record(id) ON DELETE CASCADE,
		raw_table TEXT NOT NULL DEFAULT 'raw_record',
		content_hash_seen TEXT NOT NULL,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (product_id, raw_record_id, content_hash_seen)
	)`,
	`CREATE TABLE IF NOT EXISTS product_image (
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (product_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS product_video (
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (product_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS performer (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS performer_alias (
		id BIGSERIAL PRIMARY KEY,
		performer_id BIGINT NOT NULL REFERENCES performer(id) ON DELETE CASCADE,
		alias_name TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL DEFAULT '',
		UNIQUE (performer_id, alias_name)
	)`,
	`CREATE TABLE IF NOT EXISTS product_performer (
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		performer_id BIGINT NOT NULL REFERENCES performer(id) ON DELETE CASCADE,
		PRIMARY KEY (product_id, performer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tag (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		category TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tag_alias (
		id BIGSERIAL PRIMARY KEY,
		tag_id BIGINT NOT NULL REFERENCES tag(id) ON DELETE CASCADE,
		alias_name TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL DEFAULT '',
		UNIQUE (tag_id, alias_name)
	)`,
	`CREATE TABLE IF NOT EXISTS product_tag (
		product_id BIGINT NOT NULL REFERENCES product(id) ON DELETE CASCADE,
		tag_id BIGINT NOT NULL REFERENCES tag(id) ON DELETE CASCADE,
		PRIMARY KEY (product_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_sale (
		id BIGSERIAL PRIMARY KEY,
		product_source_id BIGINT NOT NULL REFERENCES product_source(id) ON DELETE CASCADE,
		regular_price NUMERIC(12,2) NOT NULL,
		sale_price NUMERIC(12,2) NOT NULL,
		discount_percent INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		start_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS product_sale_one_active_idx ON product_sale (product_source_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		product_source_id BIGINT NOT NULL REFERENCES product_source(id) ON DELETE CASCADE,
		price NUMERIC(12,2) NOT NULL,
		sale_price NUMERIC(12,2),
		recorded_at TIMESTAMPTZ NOT NULL,
		recorded_on DATE NOT NULL,
		UNIQUE (product_source_id, recorded_on)
	)`,
	`CREATE TABLE IF NOT EXISTS reference_index (
		business_code TEXT NOT NULL,
		identity_name TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		PRIMARY KEY (business_code, identity_name, source)
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate statement %d failed: %w", i, err)
		}
	}
	s.logger.Info("schema migrated")
	return nil
}
