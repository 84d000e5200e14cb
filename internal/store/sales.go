package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"catalog-ingest-service/internal/domain"
)

// GetProductSourceID looks up the listing row of one marketplace item.
func (s *PostgresStore) GetProductSourceID(ctx context.Context, sourceName, externalID string) (int64, error) {
	query := `
		SELECT id FROM product_source
		WHERE source_name = $1 AND external_id = $2
		ORDER BY updated_at DESC
		LIMIT 1;
	`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, sourceName, externalID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProductSourceNotFound
		}
		return 0, fmt.Errorf("store: GetProductSourceID failed to scan row: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetActiveSale(ctx context.Context, productSourceID int64) (*domain.SaleRecord, error) {
	query := `
		SELECT id, product_source_id, regular_price, sale_price, discount_percent, start_at, end_at, is_active, fetched_at
		FROM product_sale
		WHERE product_source_id = $1 AND is_active;
	`
	var rec domain.SaleRecord
	err := s.db.QueryRowContext(ctx, query, productSourceID).Scan(
		&rec.ID, &rec.ProductSourceID, &rec.RegularPrice, &rec.SalePrice, &rec.DiscountPercent,
		&rec.StartAt, &rec.EndAt, &rec.IsActive, &rec.FetchedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: GetActiveSale failed to scan row: %w", err)
	}
	return &rec, nil
}

// TouchSale refreshes fetched_at of an unchanged active sale.
func (s *PostgresStore) TouchSale(ctx context.Context, saleID int64, fetchedAt time.Time) error {
	query := `UPDATE product_sale SET fetched_at = $1 WHERE id = $2;`
	return s.execOne(ctx, "TouchSale", ErrUpdateFailed, query, fetchedAt, saleID)
}

// ReplaceActiveSale deactivates any active sale of the listing and inserts rec
// as the new active one, in a single transaction.
func (s *PostgresStore) ReplaceActiveSale(ctx context.Context, rec *domain.SaleRecord) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		deactivate := `UPDATE product_sale SET is_active = FALSE WHERE product_source_id = $1 AND is_active;`
		if _, err := tx.ExecContext(ctx, deactivate, rec.ProductSourceID); err != nil {
			return fmt.Errorf("store: ReplaceActiveSale failed to deactivate: %w", err)
		}
		insert := `
			INSERT INTO product_sale
				(product_source_id, regular_price, sale_price, discount_percent, is_active, start_at, end_at, fetched_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
			RETURNING id;
		`
		err := tx.QueryRowContext(ctx, insert,
			rec.ProductSourceID, rec.RegularPrice, rec.SalePrice, rec.DiscountPercent, rec.StartAt, rec.EndAt, rec.FetchedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("store: ReplaceActiveSale failed to insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertPriceHistory writes the day's point; a second write on the same day
// overwrites it with the latest values.
func (s *PostgresStore) UpsertPriceHistory(ctx context.Context, point domain.PriceHistoryPoint) error {
	query := `
		INSERT INTO price_history (product_source_id, price, sale_price, recorded_at, recorded_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_source_id, recorded_on) DO UPDATE SET
			price = EXCLUDED.price,
			sale_price = EXCLUDED.sale_price,
			recorded_at = EXCLUDED.recorded_at;
	`
	_, err := s.db.ExecContext(ctx, query,
		point.ProductSourceID, point.Price, point.SalePrice, point.RecordedAt, point.RecordedOn())
	if err != nil {
		return fmt.Errorf("store: UpsertPriceHistory failed to execute: %w", err)
	}
	return nil
}

// DeactivateExpiredSales flips every active sale whose window ended before now
// and clears the has_active_sale rollup of products left without one.
func (s *PostgresStore) DeactivateExpiredSales(ctx context.Context, now time.Time) (int64, error) {
	var expired int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE product_sale SET is_active = FALSE
			WHERE is_active AND end_at IS NOT NULL AND end_at < $1
			RETURNING product_source_id;
		`
		rows, err := tx.QueryContext(ctx, query, now)
		if err != nil {
			return fmt.Errorf("store: DeactivateExpiredSales failed to execute: %w", err)
		}
		var listings []int64
		seen := make(map[int64]struct{})
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("store: DeactivateExpiredSales failed to scan row: %w", err)
			}
			expired++
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				listings = append(listings, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("store: DeactivateExpiredSales rows error: %w", err)
		}
		rows.Close()
		if expired == 0 {
			return nil
		}
		rollup := `
			UPDATE product SET` + saleRollups + `
			WHERE id IN (SELECT product_id FROM product_source WHERE id = ANY($1));
		`
		if _, err := tx.ExecContext(ctx, rollup, pq.Array(listings)); err != nil {
			return fmt.Errorf("store: DeactivateExpiredSales failed to refresh rollups: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}
