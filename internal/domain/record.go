package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedRecord is what a source parser produces from a raw payload.
// Every attribute a source may or may not supply is an explicit optional field;
// the pipeline validates it with the struct tags below before any write.
type NormalizedRecord struct {
	ExternalID      string           `json:"external_id" validate:"required,max=255"`
	Title           string           `json:"title" validate:"required,max=1000"`
	URL             string           `json:"url,omitempty" validate:"omitempty,url"`
	Description     *string          `json:"description,omitempty"`
	ReleaseDate     *time.Time       `json:"release_date,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty" validate:"omitempty,gte=0,lte=10000"`
	Maker           *string          `json:"maker,omitempty" validate:"omitempty,max=255"`
	Label           *string          `json:"label,omitempty" validate:"omitempty,max=255"`
	Series          *string          `json:"series,omitempty" validate:"omitempty,max=255"`
	BusinessCode    *string          `json:"business_code,omitempty" validate:"omitempty,max=64"`
	ThumbnailURL    *string          `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	AffiliateURL    *string          `json:"affiliate_url,omitempty" validate:"omitempty,url"`
	ListingType     string           `json:"listing_type,omitempty" validate:"omitempty,oneof=download stream rental physical subscription"`
	Images          []string         `json:"images,omitempty" validate:"dive,required"`
	Videos          []string         `json:"videos,omitempty" validate:"dive,required"`
	Performers      []string         `json:"performers,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Sale            *SaleObservation `json:"sale,omitempty"`
}

// SaleObservation is discount data attached to a parsed record.
type SaleObservation struct {
	RegularPrice    decimal.Decimal `json:"regular_price"`
	SalePrice       decimal.Decimal `json:"sale_price"`
	DiscountPercent *int            `json:"discount_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	StartAt         *time.Time      `json:"start_at,omitempty"`
	EndAt           *time.Time      `json:"end_at,omitempty"`
}
