package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the canonical, source-agnostic representation of a listing.
// The json tags correspond to the fields exposed by the ops API.
type Product struct {
	ID              int64            `json:"id"`
	NormalizedID    string           `json:"normalized_id"`
	Title           string           `json:"title"`
	Description     *string          `json:"description,omitempty"` // Pointer for nullable fields
	ReleaseDate     *time.Time       `json:"release_date,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Maker           *string          `json:"maker,omitempty"`
	Label           *string          `json:"label,omitempty"`
	Series          *string          `json:"series,omitempty"`
	BusinessCode    *string          `json:"business_code,omitempty"` // Catalog code shared across marketplaces
	ThumbnailURL    *string          `json:"thumbnail_url,omitempty"`
	PerformerCount  int              `json:"performer_count"`
	HasActiveSale   bool             `json:"has_active_sale"`
	MinPrice        *decimal.Decimal `json:"min_price,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ProductSource is one marketplace's listing of a Product.
// (product_id, source_name) is unique: re-ingestion updates the row in place.
type ProductSource struct {
	ID           int64            `json:"id"`
	ProductID    int64            `json:"product_id"`
	SourceName   string           `json:"source_name"`
	ExternalID   string           `json:"external_id"`
	URL          *string          `json:"url,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	AffiliateURL *string          `json:"affiliate_url,omitempty"`
	ListingType  string           `json:"listing_type"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RawDataLink is the audit edge from a Product to the raw record that produced it.
// ContentHashSeen lets staleness be detected without re-reading the payload.
type RawDataLink struct {
	ProductID       int64
	Source          string
	RawRecordID     int64
	RawTable        string
	ContentHashSeen string
}

// NormalizedID derives the globally unique product key from a source and its
// source-scoped item key, e.g. ("X", "123") -> "X-123".
func NormalizedID(source, externalID string) string {
	return strings.TrimSpace(source) + "-" + strings.TrimSpace(externalID)
}
