package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ListLinkedPerformers(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`COUNT(pp.product_id) AS link_count`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "link_count"}).
			AddRow(int64(1), "Yui 22 student", int64(3)).
			AddRow(int64(2), "Mei 19歳", int64(1)))

	got, err := store.ListLinkedPerformers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, PerformerLinkStat{ID: 1, Name: "Yui 22 student", LinkCount: 3}, got[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListLinkedProducts_DefaultLimit(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE pp.performer_id = $1`)).
		WithArgs(int64(1), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "normalized_id", "business_code", "source_name", "external_id"}).
			AddRow(int64(10), "X-abc00123", nil, "X", "abc00123"))

	got, err := store.ListLinkedProducts(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].BusinessCode)
	assert.Equal(t, "abc00123", got[0].ExternalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LookupReference(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	query := regexp.QuoteMeta(`FROM reference_index`)
	mock.ExpectQuery(query).WithArgs("ABC-123").
		WillReturnRows(sqlmock.NewRows([]string{"business_code", "identity_name", "source", "confidence"}).
			AddRow("ABC-123", "Yui Hatano", "wiki", 0.9))
	e, err := store.LookupReference(context.Background(), "ABC-123")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Yui Hatano", e.IdentityName)

	mock.ExpectQuery(query).WithArgs("ZZZ-001").WillReturnError(sql.ErrNoRows)
	e, err = store.LookupReference(context.Background(), "ZZZ-001")
	assert.NoError(t, err)
	assert.Nil(t, e)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CrossSourceIdentities(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE pr.business_code = $1 AND pr.id <> $2`)).
		WithArgs("ABC-123", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Yui Hatano"))

	names, err := store.CrossSourceIdentities(context.Background(), "ABC-123", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Yui Hatano"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergePerformer(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT product_id, $2 FROM product_performer WHERE performer_id = $1`)).
		WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM product_performer WHERE performer_id = $1;`)).
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM performer_alias WHERE performer_id = $1`)).
		WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE performer_alias SET performer_id = $2 WHERE performer_id = $1;`)).
		WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO performer_alias (performer_id, alias_name, source)`)).
		WithArgs(int64(2), "Yui 22 student", "wiki").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE product SET performer_count`)).
		WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM performer`)).
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := store.MergePerformer(context.Background(), 1, 2, "Yui 22 student", "wiki")
	require.NoError(t, err)
	assert.Equal(t, &MergeOutcome{Relinked: 3, AliasesMoved: 1, AliasAdded: true, Deleted: true}, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergePerformer_RollsBackOnFailure(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO product_performer`)).WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, err := store.MergePerformer(context.Background(), 1, 2, "Yui 22 student", "wiki")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relink products")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergePerformer_RefusesSelfMerge(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	_, err := store.MergePerformer(context.Background(), 3, 3, "x", "y")
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsurePerformer(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO performer (name) VALUES ($1)`)).
		WithArgs("Yui Hatano").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	id, err := store.EnsurePerformer(context.Background(), "Yui Hatano")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	require.NoError(t, mock.ExpectationsWereMet())
}
