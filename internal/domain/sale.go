package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleRecord is one observed discount on a ProductSource. At most one record
// per ProductSource has IsActive set.
type SaleRecord struct {
	ID              int64           `json:"id"`
	ProductSourceID int64           `json:"product_source_id"`
	RegularPrice    decimal.Decimal `json:"regular_price"`
	SalePrice       decimal.Decimal `json:"sale_price"`
	DiscountPercent int             `json:"discount_percent"`
	StartAt         *time.Time      `json:"start_at,omitempty"`
	EndAt           *time.Time      `json:"end_at,omitempty"`
	IsActive        bool            `json:"is_active"`
	FetchedAt       time.Time       `json:"fetched_at"`
}

// PriceHistoryPoint is the per-day price observation of a ProductSource,
// keyed by (ProductSourceID, calendar day of RecordedAt).
type PriceHistoryPoint struct {
	ProductSourceID int64            `json:"product_source_id"`
	Price           decimal.Decimal  `json:"price"`
	SalePrice       *decimal.Decimal `json:"sale_price,omitempty"`
	RecordedAt      time.Time        `json:"recorded_at"`
}

// RecordedOn is the UTC calendar day used as the history natural key.
func (p PriceHistoryPoint) RecordedOn() time.Time {
	y, m, d := p.RecordedAt.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
