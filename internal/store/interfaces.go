package store

import (
	"context"
	"time"

	"catalog-ingest-service/internal/domain"
)

// RawRecordStorer defines the database operations behind the raw dedup layer.
type RawRecordStorer interface {
	GetRawByKey(ctx context.Context, source, externalID string) (*domain.RawRecord, error) // nil, nil when absent
	GetRawByID(ctx context.Context, id int64) (*domain.RawRecord, error)
	SaveRaw(ctx context.Context, rec *domain.RawRecord) (id int64, inserted bool, err error)
	TouchRaw(ctx context.Context, id int64, fetchedAt time.Time) error
	MarkRawProcessed(ctx context.Context, id int64, at time.Time) error
	ListUnprocessedRaw(ctx context.Context, source string, limit int) ([]domain.RawRecord, error)
}

// CatalogStorer defines the canonical product writes made by the orchestrator.
type CatalogStorer interface {
	UpsertProduct(ctx context.Context, p *domain.Product) (id int64, inserted bool, err error)
	UpsertProductSource(ctx context.Context, ps *domain.ProductSource) (int64, error)
	InsertRawLink(ctx context.Context, link domain.RawDataLink) error
	RefreshRollups(ctx context.Context, productID int64) error
	GetProductByNormalizedID(ctx context.Context, normalizedID string) (*domain.Product, error)
}

// DimensionStorer defines the set-oriented operations used by the batch linker.
// Every method takes or returns whole name sets in one round trip.
type DimensionStorer interface {
	FindByNames(ctx context.Context, dim Dimension, names []string) (map[string]int64, error)
	FindByAliases(ctx context.Context, dim Dimension, names []string) (map[string]int64, error)
	InsertNames(ctx context.Context, dim Dimension, names []string) (map[string]int64, error)
	LinkProduct(ctx context.Context, dim Dimension, productID int64, ids []int64) (int64, error)
	LinkMedia(ctx context.Context, kind MediaKind, productID int64, urls []string) (int64, error)
}

// SaleStorer defines the sale and price-history operations.
type SaleStorer interface {
	GetProductSourceID(ctx context.Context, sourceName, externalID string) (int64, error)
	GetActiveSale(ctx context.Context, productSourceID int64) (*domain.SaleRecord, error) // nil, nil when none
	TouchSale(ctx context.Context, saleID int64, fetchedAt time.Time) error
	ReplaceActiveSale(ctx context.Context, rec *domain.SaleRecord) (int64, error)
	UpsertPriceHistory(ctx context.Context, point domain.PriceHistoryPoint) error
	DeactivateExpiredSales(ctx context.Context, now time.Time) (int64, error)
}

// PerformerLinkStat is a performer together with its product link count.
type PerformerLinkStat struct {
	ID        int64
	Name      string
	LinkCount int
}

// LinkedProduct is the slice of a product the identity resolver needs.
type LinkedProduct struct {
	ProductID    int64
	NormalizedID string
	BusinessCode *string
	SourceName   string
	ExternalID   string
}

// MergeOutcome reports what a performer merge changed.
type MergeOutcome struct {
	Relinked     int64
	AliasesMoved int64
	AliasAdded   bool
	Deleted      bool
}

// IdentityStorer defines the reads and the transactional merge used by the
// identity resolver. Merge targets are looked up exactly, then by alias,
// before EnsurePerformer creates them.
type IdentityStorer interface {
	FindByNames(ctx context.Context, dim Dimension, names []string) (map[string]int64, error)
	FindByAliases(ctx context.Context, dim Dimension, names []string) (map[string]int64, error)
	ListLinkedPerformers(ctx context.Context) ([]PerformerLinkStat, error)
	ListLinkedProducts(ctx context.Context, performerID int64, limit int) ([]LinkedProduct, error)
	LookupReference(ctx context.Context, businessCode string) (*domain.ReferenceEntry, error) // nil, nil when absent
	CrossSourceIdentities(ctx context.Context, businessCode string, excludeProductID int64) ([]string, error)
	EnsurePerformer(ctx context.Context, name string) (int64, error)
	MergePerformer(ctx context.Context, placeholderID, targetID int64, placeholderName, source string) (*MergeOutcome, error)
}
