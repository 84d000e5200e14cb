package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// Dimension names the tables backing one dimension entity kind. Queries are
// built from these constants only, never from caller input.
type Dimension struct {
	Name       string
	Table      string
	AliasTable string
	JoinTable  string
	FKColumn   string
}

var (
	PerformerDimension = Dimension{
		Name: "performer", Table: "performer", AliasTable: "performer_alias",
		JoinTable: "product_performer", FKColumn: "performer_id",
	}
	TagDimension = Dimension{
		Name: "tag", Table: "tag", AliasTable: "tag_alias",
		JoinTable: "product_tag", FKColumn: "tag_id",
	}
)

// MediaKind selects the per-product media table.
type MediaKind string

const (
	MediaImage MediaKind = "product_image"
	MediaVideo MediaKind = "product_video"
)

// FindByNames resolves exact canonical names in one query.
func (s *PostgresStore) FindByNames(ctx context.Context, dim Dimension, names []string) (map[string]int64, error) {
	if len(names) == 0 {
		return map[string]int64{}, nil
	}
	query := fmt.Sprintf(`SELECT id, name FROM %s WHERE name = ANY($1);`, dim.Table)
	return s.queryNameIDs(ctx, "FindByNames", query, pq.Array(names))
}

// FindByAliases resolves names through the alias side table in one query.
func (s *PostgresStore) FindByAliases(ctx context.Context, dim Dimension, names []string) (map[string]int64, error) {
	if len(names) == 0 {
		return map[string]int64{}, nil
	}
	query := fmt.Sprintf(`SELECT %s, alias_name FROM %s WHERE alias_name = ANY($1);`, dim.FKColumn, dim.AliasTable)
	return s.queryNameIDs(ctx, "FindByAliases", query, pq.Array(names))
}

// InsertNames creates the given entities in one statement and returns the id
// of every name, including names a concurrent worker created first.
func (s *PostgresStore) InsertNames(ctx context.Context, dim Dimension, names []string) (map[string]int64, error) {
	if len(names) == 0 {
		return map[string]int64{}, nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (name)
		SELECT DISTINCT unnest($1::text[])
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name;
	`, dim.Table)
	return s.queryNameIDs(ctx, "InsertNames", query, pq.Array(names))
}

// LinkProduct bulk-inserts the missing join rows, ignoring existing ones.
// It returns the number of rows actually added.
func (s *PostgresStore) LinkProduct(ctx context.Context, dim Dimension, productID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (product_id, %s)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING;
	`, dim.JoinTable, dim.FKColumn)
	result, err := s.db.ExecContext(ctx, query, productID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("store: LinkProduct failed to execute: %w", err)
	}
	return result.RowsAffected()
}

// LinkMedia bulk-inserts image or video URLs, keeping their order as position.
func (s *PostgresStore) LinkMedia(ctx context.Context, kind MediaKind, productID int64, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (product_id, url, position)
		SELECT $1, t.url, t.ord
		FROM unnest($2::text[]) WITH ORDINALITY AS t(url, ord)
		ON CONFLICT (product_id, url) DO UPDATE SET position = EXCLUDED.position;
	`, string(kind))
	result, err := s.db.ExecContext(ctx, query, productID, pq.Array(urls))
	if err != nil {
		return 0, fmt.Errorf("store: LinkMedia failed to execute: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) queryNameIDs(ctx context.Context, op, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s failed to query: %w", op, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("store: %s failed to scan row: %w", op, err)
		}
		out[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s iteration error: %w", op, err)
	}
	return out, nil
}
