package sales

import (
	"context"
	"errors"
	"testing"
	"time"

	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSaleStorer is a mock implementation of store.SaleStorer
type MockSaleStorer struct {
	mock.Mock
}

func (m *MockSaleStorer) GetProductSourceID(ctx context.Context, sourceName, externalID string) (int64, error) {
	args := m.Called(ctx, sourceName, externalID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSaleStorer) GetActiveSale(ctx context.Context, productSourceID int64) (*domain.SaleRecord, error) {
	args := m.Called(ctx, productSourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SaleRecord), args.Error(1)
}

func (m *MockSaleStorer) TouchSale(ctx context.Context, saleID int64, fetchedAt time.Time) error {
	return m.Called(ctx, saleID, fetchedAt).Error(0)
}

func (m *MockSaleStorer) ReplaceActiveSale(ctx context.Context, rec *domain.SaleRecord) (int64, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSaleStorer) UpsertPriceHistory(ctx context.Context, point domain.PriceHistoryPoint) error {
	return m.Called(ctx, point).Error(0)
}

func (m *MockSaleStorer) DeactivateExpiredSales(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func PtrTo[T any](v T) *T {
	return &v
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker() (*Tracker, *MockSaleStorer) {
	ms := new(MockSaleStorer)
	tr := NewTracker(ms, nil)
	tr.now = func() time.Time { return fixedNow }
	return tr, ms
}

func obs(regular, sale string) Observation {
	return Observation{
		SourceName:   "storefront",
		ExternalID:   "abc00123",
		RegularPrice: decimal.RequireFromString(regular),
		SalePrice:    decimal.RequireFromString(sale),
	}
}

func TestRecordObservation_RejectsNonDiscount(t *testing.T) {
	tr, ms := newTestTracker()

	_, err := tr.RecordObservation(context.Background(), obs("1000", "1000"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = tr.RecordObservation(context.Background(), obs("1000", "1200"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	ms.AssertNotCalled(t, "GetProductSourceID", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordObservation_NoListing(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()
	ms.On("GetProductSourceID", ctx, "storefront", "abc00123").Return(int64(0), store.ErrProductSourceNotFound).Once()

	outcome, err := tr.RecordObservation(ctx, obs("1000", "800"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoListing, outcome)
	ms.AssertNotCalled(t, "ReplaceActiveSale", mock.Anything, mock.Anything)
}

func TestRecordObservation_NewSale(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()

	ms.On("GetProductSourceID", ctx, "storefront", "abc00123").Return(int64(11), nil).Once()
	ms.On("GetActiveSale", ctx, int64(11)).Return(nil, nil).Once()
	ms.On("ReplaceActiveSale", ctx, mock.MatchedBy(func(rec *domain.SaleRecord) bool {
		return rec.ProductSourceID == 11 && rec.IsActive && rec.DiscountPercent == 20 &&
			rec.SalePrice.Equal(decimal.NewFromInt(800)) && rec.FetchedAt.Equal(fixedNow)
	})).Return(int64(100), nil).Once()
	ms.On("UpsertPriceHistory", ctx, mock.MatchedBy(func(p domain.PriceHistoryPoint) bool {
		return p.ProductSourceID == 11 && p.Price.Equal(decimal.NewFromInt(1000)) &&
			p.SalePrice != nil && p.SalePrice.Equal(decimal.NewFromInt(800))
	})).Return(nil).Once()

	outcome, err := tr.RecordObservation(ctx, obs("1000", "800"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, outcome)
	ms.AssertExpectations(t)
}

func TestRecordObservation_SamePriceRefreshesAndWritesHistory(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()
	active := &domain.SaleRecord{ID: 100, ProductSourceID: 11, SalePrice: decimal.RequireFromString("800.00"), IsActive: true}

	ms.On("GetProductSourceID", ctx, "storefront", "abc00123").Return(int64(11), nil).Once()
	ms.On("GetActiveSale", ctx, int64(11)).Return(active, nil).Once()
	ms.On("TouchSale", ctx, int64(100), fixedNow).Return(nil).Once()
	ms.On("UpsertPriceHistory", ctx, mock.AnythingOfType("domain.PriceHistoryPoint")).Return(nil).Once()

	outcome, err := tr.RecordObservation(ctx, obs("1000", "800"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefreshed, outcome)
	ms.AssertNotCalled(t, "ReplaceActiveSale", mock.Anything, mock.Anything)
	ms.AssertExpectations(t)
}

func TestRecordObservation_CheaperReplacesActive(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()
	active := &domain.SaleRecord{ID: 100, ProductSourceID: 11, SalePrice: decimal.NewFromInt(800), IsActive: true}

	ms.On("GetProductSourceID", ctx, "storefront", "abc00123").Return(int64(11), nil).Once()
	ms.On("GetActiveSale", ctx, int64(11)).Return(active, nil).Once()
	ms.On("ReplaceActiveSale", ctx, mock.MatchedBy(func(rec *domain.SaleRecord) bool {
		return rec.SalePrice.Equal(decimal.NewFromInt(500)) && rec.DiscountPercent == 45
	})).Return(int64(101), nil).Once()
	ms.On("UpsertPriceHistory", ctx, mock.AnythingOfType("domain.PriceHistoryPoint")).Return(nil).Once()

	o := obs("1000", "500")
	o.DiscountPercent = PtrTo(45)
	outcome, err := tr.RecordObservation(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, outcome)
	ms.AssertExpectations(t)
}

func TestRecordObservation_ExpiredWindow(t *testing.T) {
	tr, ms := newTestTracker()
	o := obs("1000", "500")
	o.EndAt = PtrTo(fixedNow.Add(-time.Hour))

	outcome, err := tr.RecordObservation(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	ms.AssertNotCalled(t, "GetProductSourceID", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordObservation_StoreError(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()
	dbErr := errors.New("db down")
	ms.On("GetProductSourceID", ctx, "storefront", "abc00123").Return(int64(0), dbErr).Once()

	_, err := tr.RecordObservation(ctx, obs("1000", "800"))
	assert.ErrorIs(t, err, dbErr)
}

func TestDeactivateExpired(t *testing.T) {
	ctx := context.Background()
	tr, ms := newTestTracker()
	ms.On("DeactivateExpiredSales", ctx, fixedNow).Return(int64(3), nil).Once()

	n, err := tr.DeactivateExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDiscountOf(t *testing.T) {
	assert.Equal(t, 33, discountOf(obs("300", "200")))
	assert.Equal(t, 0, discountOf(Observation{}))
}
