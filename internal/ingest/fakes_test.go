package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/linker"
	"catalog-ingest-service/internal/sales"
	"catalog-ingest-service/internal/store"

	"github.com/stretchr/testify/mock"
)

// fakeSource serves listing pages and payloads from memory.
type fakeSource struct {
	name     string
	pages    [][]string
	items    map[string]string
	failures map[string][]error // consumed one per fetch
	listErrs map[int]error      // returned on every listing of the page
	fetched  []string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListItems(_ context.Context, page int) ([]string, error) {
	if err := f.listErrs[page]; err != nil {
		return nil, err
	}
	if page < 1 || page > len(f.pages) {
		return nil, nil
	}
	return f.pages[page-1], nil
}

func (f *fakeSource) FetchItem(_ context.Context, id string) (*FetchedItem, error) {
	f.fetched = append(f.fetched, id)
	if errs := f.failures[id]; len(errs) > 0 {
		f.failures[id] = errs[1:]
		return nil, errs[0]
	}
	payload, ok := f.items[id]
	if !ok {
		return nil, NotFoundError("fetch", id, nil)
	}
	return &FetchedItem{URL: "https://example.test/items/" + id, Payload: []byte(payload)}, nil
}

// pagedSource can be walked from its tail.
type pagedSource struct {
	*fakeSource
}

func (p pagedSource) PageCount(context.Context) (int, error) { return len(p.pages), nil }

type jsonParser struct{}

func (jsonParser) Parse(payload []byte) (*domain.NormalizedRecord, error) {
	var rec domain.NormalizedRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

type fakeLimiter struct {
	waits, dones int
	errors       []int
}

func (l *fakeLimiter) Wait(ctx context.Context) error { l.waits++; return ctx.Err() }
func (l *fakeLimiter) Done()                          { l.dones++ }
func (l *fakeLimiter) OnError(status int)             { l.errors = append(l.errors, status) }

// memRaw is an in-memory store.RawRecordStorer with the same conflict
// semantics as the raw_record table.
type memRaw struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]*domain.RawRecord
}

func newMemRaw() *memRaw { return &memRaw{byKey: map[string]*domain.RawRecord{}} }

func rawKey(source, id string) string { return source + "\x00" + id }

func (m *memRaw) GetRawByKey(_ context.Context, source, externalID string) (*domain.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byKey[rawKey(source, externalID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memRaw) GetRawByID(_ context.Context, id int64) (*domain.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byKey {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrRawRecordNotFound
}

func (m *memRaw) SaveRaw(_ context.Context, rec *domain.RawRecord) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rawKey(rec.Source, rec.ExternalID)
	if existing, ok := m.byKey[k]; ok {
		if existing.ContentHash != rec.ContentHash {
			existing.ProcessedAt = nil
		}
		existing.ContentHash = rec.ContentHash
		existing.Payload = rec.Payload
		existing.BlobRef = rec.BlobRef
		existing.FetchedAt = rec.FetchedAt
		return existing.ID, false, nil
	}
	m.nextID++
	cp := *rec
	cp.ID = m.nextID
	m.byKey[k] = &cp
	return cp.ID, true, nil
}

func (m *memRaw) TouchRaw(_ context.Context, id int64, at time.Time) error {
	return m.update(id, func(r *domain.RawRecord) { r.FetchedAt = at })
}

func (m *memRaw) MarkRawProcessed(_ context.Context, id int64, at time.Time) error {
	return m.update(id, func(r *domain.RawRecord) { r.ProcessedAt = &at })
}

func (m *memRaw) ListUnprocessedRaw(_ context.Context, source string, limit int) ([]domain.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RawRecord
	for id := int64(1); id <= m.nextID; id++ {
		for _, rec := range m.byKey {
			if rec.ID == id && rec.Source == source && rec.ProcessedAt == nil {
				out = append(out, *rec)
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRaw) update(id int64, fn func(*domain.RawRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byKey {
		if rec.ID == id {
			fn(rec)
			return nil
		}
	}
	return store.ErrUpdateFailed
}

func (m *memRaw) get(source, id string) *domain.RawRecord {
	rec, _ := m.GetRawByKey(context.Background(), source, id)
	return rec
}

// memCatalog is an in-memory store.CatalogStorer keyed like the real tables.
type memCatalog struct {
	mu          sync.Mutex
	products    map[string]*domain.Product
	listings    map[string]*domain.ProductSource
	links       []domain.RawDataLink
	rollups     int
	failProduct []error // consumed one per UpsertProduct
}

func newMemCatalog() *memCatalog {
	return &memCatalog{products: map[string]*domain.Product{}, listings: map[string]*domain.ProductSource{}}
}

func (c *memCatalog) UpsertProduct(_ context.Context, p *domain.Product) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failProduct) > 0 {
		err := c.failProduct[0]
		c.failProduct = c.failProduct[1:]
		return 0, false, err
	}
	if existing, ok := c.products[p.NormalizedID]; ok {
		id := existing.ID
		cp := *p
		cp.ID = id
		c.products[p.NormalizedID] = &cp
		return id, false, nil
	}
	cp := *p
	cp.ID = int64(len(c.products) + 1)
	c.products[p.NormalizedID] = &cp
	return cp.ID, true, nil
}

func (c *memCatalog) UpsertProductSource(_ context.Context, ps *domain.ProductSource) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := fmt.Sprintf("%d/%s", ps.ProductID, ps.SourceName)
	if existing, ok := c.listings[k]; ok {
		cp := *ps
		cp.ID = existing.ID
		c.listings[k] = &cp
		return cp.ID, nil
	}
	cp := *ps
	cp.ID = int64(len(c.listings) + 1)
	c.listings[k] = &cp
	return cp.ID, nil
}

func (c *memCatalog) InsertRawLink(_ context.Context, link domain.RawDataLink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append(c.links, link)
	return nil
}

func (c *memCatalog) RefreshRollups(context.Context, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollups++
	return nil
}

func (c *memCatalog) GetProductByNormalizedID(_ context.Context, normalizedID string) (*domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[normalizedID]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

// MockLinker is a mock implementation of RelationLinker
type MockLinker struct {
	mock.Mock
}

func (m *MockLinker) Link(ctx context.Context, dim store.Dimension, productID int64, names []string, accept linker.NamePredicate) (linker.Result, error) {
	args := m.Called(ctx, dim, productID, names, accept)
	return args.Get(0).(linker.Result), args.Error(1)
}

func (m *MockLinker) LinkMedia(ctx context.Context, kind store.MediaKind, productID int64, urls []string) (int64, error) {
	args := m.Called(ctx, kind, productID, urls)
	return args.Get(0).(int64), args.Error(1)
}

// MockSaleRecorder is a mock implementation of SaleRecorder
type MockSaleRecorder struct {
	mock.Mock
}

func (m *MockSaleRecorder) RecordObservation(ctx context.Context, obs sales.Observation) (sales.Outcome, error) {
	args := m.Called(ctx, obs)
	return args.Get(0).(sales.Outcome), args.Error(1)
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

// scopedSource records Open/Close calls.
type scopedSource struct {
	*fakeSource
	openErr        error
	opened, closed int
}

func (s *scopedSource) Open(context.Context) error {
	s.opened++
	return s.openErr
}

func (s *scopedSource) Close() error {
	s.closed++
	return nil
}
