package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_FindByNames(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	names := []string{"Alice", "Bob"}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name FROM performer WHERE name = ANY($1);`)).
		WithArgs(pq.Array(names)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "Alice"))

	got, err := store.FindByNames(context.Background(), PerformerDimension, names)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Alice": 1}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByAliases(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tag_id, alias_name FROM tag_alias WHERE alias_name = ANY($1);`)).
		WithArgs(pq.Array([]string{"hd"})).
		WillReturnRows(sqlmock.NewRows([]string{"tag_id", "alias_name"}).AddRow(int64(4), "hd"))

	got, err := store.FindByAliases(context.Background(), TagDimension, []string{"hd"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"hd": 4}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EmptyInputsSkipTheDatabase(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()
	ctx := context.Background()

	got, err := store.FindByNames(ctx, PerformerDimension, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = store.InsertNames(ctx, TagDimension, []string{})
	require.NoError(t, err)
	assert.Empty(t, got)
	n, err := store.LinkProduct(ctx, PerformerDimension, 1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.LinkMedia(ctx, MediaImage, 1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertNames(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	names := []string{"Carol", "Dave"}
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO performer (name)`) + `(?s).*` + regexp.QuoteMeta(`ON CONFLICT (name) DO UPDATE`)).
		WithArgs(pq.Array(names)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(8), "Carol").AddRow(int64(9), "Dave"))

	got, err := store.InsertNames(context.Background(), PerformerDimension, names)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Carol": 8, "Dave": 9}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkProduct(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	ids := []int64{1, 8, 9}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO product_performer (product_id, performer_id)`)).
		WithArgs(int64(10), pq.Array(ids)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.LinkProduct(context.Background(), PerformerDimension, 10, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "existing links are not counted")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO product_tag (product_id, tag_id)`)).
		WillReturnError(errors.New("fk violation"))
	_, err = store.LinkProduct(context.Background(), TagDimension, 10, []int64{3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: LinkProduct failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkMedia(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	urls := []string{"http://img/1.jpg", "http://img/2.jpg"}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO product_video (product_id, url, position)`)).
		WithArgs(int64(10), pq.Array(urls)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.LinkMedia(context.Background(), MediaVideo, 10, urls)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
