package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest-service/internal/domain"
)

func TestPostgresStore_UpsertProduct(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	p := &domain.Product{NormalizedID: "X-123", Title: "First Title", Maker: PtrTo("Studio")}
	query := regexp.QuoteMeta(`INSERT INTO product`) + `(?s).*` + regexp.QuoteMeta(`ON CONFLICT (normalized_id) DO UPDATE`)

	mock.ExpectQuery(query).
		WithArgs("X-123", "First Title", nil, nil, nil, "Studio", nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(10), true))
	id, inserted, err := store.UpsertProduct(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)
	assert.True(t, inserted)

	mock.ExpectQuery(query).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(10), false))
	_, inserted, err = store.UpsertProduct(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, inserted, "second upsert of the same normalized id updates in place")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertProductSource_DefaultsListingType(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	price := decimal.RequireFromString("19.99")
	ps := &domain.ProductSource{ProductID: 10, SourceName: "X", ExternalID: "123", Price: &price}

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (product_id, source_name) DO UPDATE`)).
		WithArgs(int64(10), "X", "123", nil, "19.99", nil, "download").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	id, err := store.UpsertProductSource(context.Background(), ps)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRawLink(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO product_raw_link`)).
		WithArgs(int64(10), "X", int64(7), "raw_record", "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertRawLink(context.Background(), domain.RawDataLink{
		ProductID: 10, Source: "X", RawRecordID: 7, ContentHashSeen: "h1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RefreshRollups(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	query := regexp.QuoteMeta(`performer_count = (SELECT COUNT(*) FROM product_performer pp`)
	mock.ExpectExec(query).WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RefreshRollups(context.Background(), 10))

	mock.ExpectExec(query).WithArgs(int64(11)).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, errors.Is(store.RefreshRollups(context.Background(), 11), ErrProductNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProductByNormalizedID(t *testing.T) {
	db, mock, store := newMockDBAndStore(t)
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	cols := []string{"id", "normalized_id", "title", "description", "release_date", "duration_minutes", "maker", "label",
		"series", "business_code", "thumbnail_url", "performer_count", "has_active_sale", "min_price", "created_at", "updated_at"}
	query := regexp.QuoteMeta(`WHERE normalized_id = $1;`)

	mock.ExpectQuery(query).WithArgs("X-123").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(10), "X-123", "First Title", nil, nil, int64(120), nil, nil,
			nil, "ABC-123", nil, int64(2), true, "9.50", now, now))

	p, err := store.GetProductByNormalizedID(context.Background(), "X-123")
	require.NoError(t, err)
	assert.Equal(t, "First Title", p.Title)
	require.NotNil(t, p.DurationMinutes)
	assert.Equal(t, 120, *p.DurationMinutes)
	require.NotNil(t, p.BusinessCode)
	assert.Equal(t, "ABC-123", *p.BusinessCode)
	assert.Equal(t, 2, p.PerformerCount)
	require.NotNil(t, p.MinPrice)
	assert.True(t, decimal.RequireFromString("9.5").Equal(*p.MinPrice))

	mock.ExpectQuery(query).WithArgs("X-404").WillReturnError(sql.ErrNoRows)
	_, err = store.GetProductByNormalizedID(context.Background(), "X-404")
	assert.True(t, errors.Is(err, ErrProductNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
