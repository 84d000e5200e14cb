// Package sales records discount observations per marketplace listing and
// keeps the daily price history.
package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/store"
)

// ErrInvalidPrice rejects observations whose sale price is not below the regular price.
var ErrInvalidPrice = errors.New("sales: sale price must be below regular price")

// Outcome is what RecordObservation did with an observation.
type Outcome int

const (
	OutcomeNoListing Outcome = iota // listing not canonicalized yet
	OutcomeRefreshed                // same active price, fetched_at refreshed
	OutcomeReplaced                 // new active sale inserted
	OutcomeExpired                  // window already closed, nothing written
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoListing:
		return "no_listing"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeExpired:
		return "expired"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Observation is one sighting of a discount on a listing.
type Observation struct {
	SourceName      string
	ExternalID      string
	RegularPrice    decimal.Decimal
	SalePrice       decimal.Decimal
	DiscountPercent *int
	StartAt         *time.Time
	EndAt           *time.Time
}

// Tracker is the sale tracker.
type Tracker struct {
	store  store.SaleStorer
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(s store.SaleStorer, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, logger: logger, now: time.Now}
}

// RecordObservation keeps at most one active sale per listing. An unchanged
// sale price only refreshes fetched_at; a different one replaces the active
// record. Today's history point is written in both cases.
func (t *Tracker) RecordObservation(ctx context.Context, obs Observation) (Outcome, error) {
	if !obs.SalePrice.LessThan(obs.RegularPrice) || obs.SalePrice.IsNegative() {
		return OutcomeNoListing, fmt.Errorf("%w: regular=%s sale=%s", ErrInvalidPrice, obs.RegularPrice, obs.SalePrice)
	}
	now := t.now()
	if obs.EndAt != nil && obs.EndAt.Before(now) {
		return OutcomeExpired, nil
	}

	psID, err := t.store.GetProductSourceID(ctx, obs.SourceName, obs.ExternalID)
	if errors.Is(err, store.ErrProductSourceNotFound) {
		t.logger.Debug("sale observation for unknown listing skipped",
			zap.String("source", obs.SourceName), zap.String("external_id", obs.ExternalID))
		return OutcomeNoListing, nil
	}
	if err != nil {
		return OutcomeNoListing, err
	}

	active, err := t.store.GetActiveSale(ctx, psID)
	if err != nil {
		return OutcomeNoListing, err
	}

	outcome := OutcomeReplaced
	if active != nil && active.SalePrice.Equal(obs.SalePrice) {
		if err := t.store.TouchSale(ctx, active.ID, now); err != nil {
			return OutcomeNoListing, err
		}
		outcome = OutcomeRefreshed
	} else {
		rec := &domain.SaleRecord{
			ProductSourceID: psID,
			RegularPrice:    obs.RegularPrice,
			SalePrice:       obs.SalePrice,
			DiscountPercent: discountOf(obs),
			StartAt:         obs.StartAt,
			EndAt:           obs.EndAt,
			IsActive:        true,
			FetchedAt:       now,
		}
		if _, err := t.store.ReplaceActiveSale(ctx, rec); err != nil {
			return OutcomeNoListing, err
		}
	}

	salePrice := obs.SalePrice
	point := domain.PriceHistoryPoint{
		ProductSourceID: psID,
		Price:           obs.RegularPrice,
		SalePrice:       &salePrice,
		RecordedAt:      now,
	}
	if err := t.store.UpsertPriceHistory(ctx, point); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// DeactivateExpired flips every active sale whose window has passed.
func (t *Tracker) DeactivateExpired(ctx context.Context) (int64, error) {
	n, err := t.store.DeactivateExpiredSales(ctx, t.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("expired sales deactivated", zap.Int64("count", n))
	}
	return n, nil
}

func discountOf(obs Observation) int {
	if obs.DiscountPercent != nil {
		return *obs.DiscountPercent
	}
	if obs.RegularPrice.IsZero() {
		return 0
	}
	return int(obs.RegularPrice.Sub(obs.SalePrice).
		Div(obs.RegularPrice).
		Mul(decimal.NewFromInt(100)).
		Round(0).IntPart())
}
