package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catalog-ingest-service/internal/domain"
)

// UpsertProduct inserts or updates a product by normalized_id. Optional fields
// the source did not supply keep their stored value.
func (s *PostgresStore) UpsertProduct(ctx context.Context, p *domain.Product) (int64, bool, error) {
	query := `
		INSERT INTO product
			(normalized_id, title, description, release_date, duration_minutes, maker, label, series, business_code, thumbnail_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (normalized_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = COALESCE(EXCLUDED.description, product.description),
			release_date = COALESCE(EXCLUDED.release_date, product.release_date),
			duration_minutes = COALESCE(EXCLUDED.duration_minutes, product.duration_minutes),
			maker = COALESCE(EXCLUDED.maker, product.maker),
			label = COALESCE(EXCLUDED.label, product.label),
			series = COALESCE(EXCLUDED.series, product.series),
			business_code = COALESCE(EXCLUDED.business_code, product.business_code),
			thumbnail_url = COALESCE(EXCLUDED.thumbnail_url, product.thumbnail_url),
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, (xmax = 0) AS inserted;
	`
	var (
		id       int64
		inserted bool
	)
	err := s.db.QueryRowContext(ctx, query,
		p.NormalizedID, p.Title, p.Description, p.ReleaseDate, p.DurationMinutes,
		p.Maker, p.Label, p.Series, p.BusinessCode, p.ThumbnailURL,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("store: UpsertProduct failed to scan row: %w", err)
	}
	return id, inserted, nil
}

// UpsertProductSource keeps exactly one listing row per (product_id, source_name).
func (s *PostgresStore) UpsertProductSource(ctx context.Context, ps *domain.ProductSource) (int64, error) {
	query := `
		INSERT INTO product_source (product_id, source_name, external_id, url, price, affiliate_url, listing_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id, source_name) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			url = COALESCE(EXCLUDED.url, product_source.url),
			price = COALESCE(EXCLUDED.price, product_source.price),
			affiliate_url = COALESCE(EXCLUDED.affiliate_url, product_source.affiliate_url),
			listing_type = EXCLUDED.listing_type,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id;
	`
	listingType := ps.ListingType
	if listingType == "" {
		listingType = "download"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		ps.ProductID, ps.SourceName, ps.ExternalID, ps.URL, ps.Price, ps.AffiliateURL, listingType,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: UpsertProductSource failed to scan row: %w", err)
	}
	return id, nil
}

// InsertRawLink appends the product -> raw record audit edge. Re-linking the
// same content hash is a no-op.
func (s *PostgresStore) InsertRawLink(ctx context.Context, link domain.RawDataLink) error {
	query := `
		INSERT INTO product_raw_link (product_id, source, raw_record_id, raw_table, content_hash_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, raw_record_id, content_hash_seen) DO NOTHING;
	`
	rawTable := link.RawTable
	if rawTable == "" {
		rawTable = "raw_record"
	}
	if _, err := s.db.ExecContext(ctx, query, link.ProductID, link.Source, link.RawRecordID, rawTable, link.ContentHashSeen); err != nil {
		return fmt.Errorf("store: InsertRawLink failed to execute: %w", err)
	}
	return nil
}

// saleRollups recomputes the sale-derived columns of the product rows an
// UPDATE touches.
const saleRollups = `
	has_active_sale = EXISTS (
		SELECT 1 FROM product_sale sl
		JOIN product_source ps ON ps.id = sl.product_source_id
		WHERE ps.product_id = product.id AND sl.is_active),
	min_price = (
		SELECT MIN(LEAST(ps.price, COALESCE(sl.sale_price, ps.price)))
		FROM product_source ps
		LEFT JOIN product_sale sl ON sl.product_source_id = ps.id AND sl.is_active
		WHERE ps.product_id = product.id)`

// RefreshRollups recomputes the denormalized counters of one product.
func (s *PostgresStore) RefreshRollups(ctx context.Context, productID int64) error {
	query := `
		UPDATE product SET
			performer_count = (SELECT COUNT(*) FROM product_performer pp WHERE pp.product_id = product.id),` +
		saleRollups + `
		WHERE id = $1;
	`
	return s.execOne(ctx, "RefreshRollups", ErrProductNotFound, query, productID)
}

func (s *PostgresStore) GetProductByNormalizedID(ctx context.Context, normalizedID string) (*domain.Product, error) {
	query := `
		SELECT id, normalized_id, title, description, release_date, duration_minutes, maker, label, series,
			business_code, thumbnail_url, performer_count, has_active_sale, min_price, created_at, updated_at
		FROM product
		WHERE normalized_id = $1;
	`
	var p domain.Product
	err := s.db.QueryRowContext(ctx, query, normalizedID).Scan(
		&p.ID, &p.NormalizedID, &p.Title, &p.Description, &p.ReleaseDate, &p.DurationMinutes,
		&p.Maker, &p.Label, &p.Series, &p.BusinessCode, &p.ThumbnailURL,
		&p.PerformerCount, &p.HasActiveSale, &p.MinPrice, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("store: GetProductByNormalizedID failed to scan row: %w", err)
	}
	return &p, nil
}
