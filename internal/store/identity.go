package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catalog-ingest-service/internal/domain"
)

// ListLinkedPerformers returns every performer with at least one product link
// and a digit in its name, the only shape a placeholder can take.
func (s *PostgresStore) ListLinkedPerformers(ctx context.Context) ([]PerformerLinkStat, error) {
	query := `
		SELECT p.id, p.name, COUNT(pp.product_id) AS link_count
		FROM performer p
		JOIN product_performer pp ON pp.performer_id = p.id
		WHERE p.name ~ '[0-9０-９]'
		GROUP BY p.id, p.name
		ORDER BY p.id;
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: ListLinkedPerformers failed to query: %w", err)
	}
	defer rows.Close()

	var out []PerformerLinkStat
	for rows.Next() {
		var st PerformerLinkStat
		if err := rows.Scan(&st.ID, &st.Name, &st.LinkCount); err != nil {
			return nil, fmt.Errorf("store: ListLinkedPerformers failed to scan row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListLinkedPerformers iteration error: %w", err)
	}
	return out, nil
}

// ListLinkedProducts returns up to limit products linked to a performer,
// together with the marketplace listing each came from.
func (s *PostgresStore) ListLinkedProducts(ctx context.Context, performerID int64, limit int) ([]LinkedProduct, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `
		SELECT pr.id, pr.normalized_id, pr.business_code, ps.source_name, ps.external_id
		FROM product_performer pp
		JOIN product pr ON pr.id = pp.product_id
		JOIN product_source ps ON ps.product_id = pr.id
		WHERE pp.performer_id = $1
		ORDER BY pr.id
		LIMIT $2;
	`
	rows, err := s.db.QueryContext(ctx, query, performerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ListLinkedProducts failed to query: %w", err)
	}
	defer rows.Close()

	var out []LinkedProduct
	for rows.Next() {
		var lp LinkedProduct
		if err := rows.Scan(&lp.ProductID, &lp.NormalizedID, &lp.BusinessCode, &lp.SourceName, &lp.ExternalID); err != nil {
			return nil, fmt.Errorf("store: ListLinkedProducts failed to scan row: %w", err)
		}
		out = append(out, lp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListLinkedProducts iteration error: %w", err)
	}
	return out, nil
}

// LookupReference returns the most confident reference identity for a code.
func (s *PostgresStore) LookupReference(ctx context.Context, businessCode string) (*domain.ReferenceEntry, error) {
	query := `
		SELECT business_code, identity_name, source, confidence
		FROM reference_index
		WHERE business_code = $1
		ORDER BY confidence DESC, identity_name ASC
		LIMIT 1;
	`
	var e domain.ReferenceEntry
	err := s.db.QueryRowContext(ctx, query, businessCode).Scan(&e.BusinessCode, &e.IdentityName, &e.Source, &e.Confidence)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: LookupReference failed to scan row: %w", err)
	}
	return &e, nil
}

// CrossSourceIdentities returns the distinct performer names already linked to
// other products sharing the business code.
func (s *PostgresStore) CrossSourceIdentities(ctx context.Context, businessCode string, excludeProductID int64) ([]string, error) {
	query := `
		SELECT DISTINCT p.name
		FROM product pr
		JOIN product_performer pp ON pp.product_id = pr.id
		JOIN performer p ON p.id = pp.performer_id
		WHERE pr.business_code = $1 AND pr.id <> $2
		ORDER BY p.name;
	`
	rows, err := s.db.QueryContext(ctx, query, businessCode, excludeProductID)
	if err != nil {
		return nil, fmt.Errorf("store: CrossSourceIdentities failed to query: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: CrossSourceIdentities failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: CrossSourceIdentities iteration error: %w", err)
	}
	return names, nil
}

// EnsurePerformer returns the id of the named performer, creating it if needed.
func (s *PostgresStore) EnsurePerformer(ctx context.Context, name string) (int64, error) {
	query := `
		INSERT INTO performer (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id;
	`
	var id int64
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: EnsurePerformer failed to scan row: %w", err)
	}
	return id, nil
}

// MergePerformer folds a placeholder performer into its true identity as one
// transaction: relink products, record the placeholder as an alias, migrate
// its aliases, and delete it once nothing links to it.
func (s *PostgresStore) MergePerformer(ctx context.Context, placeholderID, targetID int64, placeholderName, source string) (*MergeOutcome, error) {
	if placeholderID == targetID {
		return nil, fmt.Errorf("store: MergePerformer refuses to merge performer %d into itself", placeholderID)
	}
	out := &MergeOutcome{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		relink := `
			INSERT INTO product_performer (product_id, performer_id)
			SELECT product_id, $2 FROM product_performer WHERE performer_id = $1
			ON CONFLICT DO NOTHING;
		`
		result, err := tx.ExecContext(ctx, relink, placeholderID, targetID)
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to relink products: %w", err)
		}
		if out.Relinked, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("store: MergePerformer failed to get rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM product_performer WHERE performer_id = $1;`, placeholderID); err != nil {
			return fmt.Errorf("store: MergePerformer failed to unlink placeholder: %w", err)
		}

		// Aliases first so the placeholder's own alias rows cannot collide with
		// the alias recorded for its name.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM performer_alias WHERE performer_id = $1 AND alias_name = (SELECT name FROM performer WHERE id = $2);`,
			placeholderID, targetID); err != nil {
			return fmt.Errorf("store: MergePerformer failed to drop duplicate aliases: %w", err)
		}
		result, err = tx.ExecContext(ctx, `UPDATE performer_alias SET performer_id = $2 WHERE performer_id = $1;`, placeholderID, targetID)
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to migrate aliases: %w", err)
		}
		if out.AliasesMoved, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("store: MergePerformer failed to get rows affected: %w", err)
		}

		addAlias := `
			INSERT INTO performer_alias (performer_id, alias_name, source)
			VALUES ($1, $2, $3)
			ON CONFLICT (alias_name) DO NOTHING;
		`
		result, err = tx.ExecContext(ctx, addAlias, targetID, placeholderName, source)
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to record alias: %w", err)
		}
		added, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to get rows affected: %w", err)
		}
		out.AliasAdded = added > 0

		rollup := `
			UPDATE product SET performer_count = (
				SELECT COUNT(*) FROM product_performer pp WHERE pp.product_id = product.id)
			WHERE id IN (SELECT product_id FROM product_performer WHERE performer_id = $1);
		`
		if _, err := tx.ExecContext(ctx, rollup, targetID); err != nil {
			return fmt.Errorf("store: MergePerformer failed to refresh rollups: %w", err)
		}

		deletePlaceholder := `
			DELETE FROM performer
			WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM product_performer WHERE performer_id = $1);
		`
		result, err = tx.ExecContext(ctx, deletePlaceholder, placeholderID)
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to delete placeholder: %w", err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: MergePerformer failed to get rows affected: %w", err)
		}
		out.Deleted = deleted > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
