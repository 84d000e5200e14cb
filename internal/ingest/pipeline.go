// Package ingest is the per-source ingestion orchestrator: fetch, dedup,
// normalize, validate, persist, link and mark processed, one item at a time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"catalog-ingest-service/internal/domain"
	"catalog-ingest-service/internal/linker"
	"catalog-ingest-service/internal/metrics"
	"catalog-ingest-service/internal/sales"
	"catalog-ingest-service/internal/store"
)

// FetchedItem is one payload returned by a source adapter.
type FetchedItem struct {
	URL     string
	Payload []byte
}

// SourceAdapter lists and fetches items of one marketplace. A page past the
// end of the listing returns no ids and no error.
type SourceAdapter interface {
	Name() string
	ListItems(ctx context.Context, page int) ([]string, error)
	FetchItem(ctx context.Context, externalID string) (*FetchedItem, error)
}

// PageCounter is implemented by adapters whose listing can be walked from
// its tail. Pages are numbered from 1.
type PageCounter interface {
	PageCount(ctx context.Context) (int, error)
}

// ScopedSource is implemented by adapters holding a per-run resource such
// as a headless browser. Close is called on every exit path of Run.
type ScopedSource interface {
	Open(ctx context.Context) error
	Close() error
}

// Parser turns a raw payload into a normalized record. A nil record with a
// nil error means the payload carries no usable identity.
type Parser interface {
	Parse(payload []byte) (*domain.NormalizedRecord, error)
}

// RawStore is the dedup layer as seen by the pipeline.
type RawStore interface {
	Upsert(ctx context.Context, source, externalID, url string, payload []byte) (*domain.RawUpsertResult, error)
	MarkProcessed(ctx context.Context, id int64) error
	Payload(ctx context.Context, rec *domain.RawRecord) ([]byte, error)
	Unprocessed(ctx context.Context, source string, limit int) ([]domain.RawRecord, error)
}

// RelationLinker links dimension entities and media to a product.
type RelationLinker interface {
	Link(ctx context.Context, dim store.Dimension, productID int64, names []string, accept linker.NamePredicate) (linker.Result, error)
	LinkMedia(ctx context.Context, kind store.MediaKind, productID int64, urls []string) (int64, error)
}

// SaleRecorder records discount observations.
type SaleRecorder interface {
	RecordObservation(ctx context.Context, obs sales.Observation) (sales.Outcome, error)
}

// Limiter gates every network call to the source.
type Limiter interface {
	Wait(ctx context.Context) error
	Done()
	OnError(statusCode int)
}

// Pinger checks the storage connection before a run starts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes a pipeline.
type Config struct {
	MaxConsecutiveMisses int
	FetchRetries         int
	StorageRetries       int
	RetryDelay           time.Duration
	Title                TitleRules
	Performers           linker.PredicateOptions
	Tags                 linker.PredicateOptions
}

// DefaultConfig is used for zero fields of a supplied Config where noted.
var DefaultConfig = Config{
	MaxConsecutiveMisses: 20,
	FetchRetries:         2,
	StorageRetries:       2,
	RetryDelay:           500 * time.Millisecond,
	Title:                DefaultTitleRules,
	Performers:           linker.DefaultPredicateOptions,
	Tags:                 linker.PredicateOptions{MinLen: 1, MaxLen: 64},
}

// Deps are the collaborators of a pipeline. Source, Parser, Raw, Catalog,
// Linker, Sales and Limiter are required.
type Deps struct {
	Source  SourceAdapter
	Parser  Parser
	Raw     RawStore
	Catalog store.CatalogStorer
	Linker  RelationLinker
	Sales   SaleRecorder
	Limiter Limiter
	Health  Pinger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Pipeline ingests one source.
type Pipeline struct {
	source   SourceAdapter
	parser   Parser
	raw      RawStore
	catalog  store.CatalogStorer
	linker   RelationLinker
	sales    SaleRecorder
	limiter  Limiter
	health   Pinger
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	validate *validator.Validate
	strip    *bluemonday.Policy
	sleep    func(ctx context.Context, d time.Duration) error
	newRunID func() string
	now      func() time.Time
}

func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("ingest: source adapter is required")
	case deps.Parser == nil:
		return nil, errors.New("ingest: parser is required")
	case deps.Raw == nil, deps.Catalog == nil:
		return nil, errors.New("ingest: raw store and catalog store are required")
	case deps.Linker == nil, deps.Sales == nil:
		return nil, errors.New("ingest: linker and sale recorder are required")
	case deps.Limiter == nil:
		return nil, errors.New("ingest: rate limiter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Title.MinLength == 0 && cfg.Title.Placeholders == nil && cfg.Title.NotFoundSignatures == nil {
		cfg.Title = DefaultTitleRules
	}
	return &Pipeline{
		source:   deps.Source,
		parser:   deps.Parser,
		raw:      deps.Raw,
		catalog:  deps.Catalog,
		linker:   deps.Linker,
		sales:    deps.Sales,
		limiter:  deps.Limiter,
		health:   deps.Health,
		metrics:  deps.Metrics,
		logger:   logger.With(zap.String("source", deps.Source.Name())),
		cfg:      cfg,
		validate: validator.New(),
		strip:    bluemonday.StrictPolicy(),
		sleep:    sleepCtx,
		newRunID: func() string { return uuid.NewString() },
		now:      time.Now,
	}, nil
}

// Source is the name of the ingested marketplace.
func (p *Pipeline) Source() string { return p.source.Name() }

type outcome int

const (
	outcomeNew outcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeInvalid
	outcomeNotFound
	outcomeErrored
)

func (o outcome) String() string {
	switch o {
	case outcomeNew:
		return "new"
	case outcomeUpdated:
		return "updated"
	case outcomeUnchanged:
		return "skipped_unchanged"
	case outcomeInvalid:
		return "skipped_invalid"
	case outcomeNotFound:
		return "not_found"
	}
	return "errored"
}

// run is the state of one Run call.
type run struct {
	opts    domain.RunOptions
	stats   *domain.RunStats
	log     *zap.Logger
	breaker *Breaker
	seen    map[string]struct{}
	skipped int // head items consumed by Offset
}

func (r *run) limitReached() bool {
	return r.opts.Limit > 0 && r.stats.Processed() >= r.opts.Limit
}

func (p *Pipeline) startRun(opts domain.RunOptions) *run {
	stats := &domain.RunStats{
		RunID:     p.newRunID(),
		Source:    p.source.Name(),
		StartedAt: p.now().UTC(),
	}
	return &run{
		opts:    opts,
		stats:   stats,
		log:     p.logger.With(zap.String("run_id", stats.RunID)),
		breaker: NewBreaker(p.cfg.MaxConsecutiveMisses),
		seen:    make(map[string]struct{}),
	}
}

func (p *Pipeline) finishRun(r *run, err error) {
	r.stats.FinishedAt = p.now().UTC()
	result := "ok"
	switch {
	case r.stats.Aborted:
		result = "aborted"
	case err != nil:
		result = "failed"
	}
	p.metrics.RunFinished(r.stats.Source, result, r.stats.FinishedAt.Sub(r.stats.StartedAt))
	fields := []zap.Field{
		zap.Int("fetched", r.stats.Fetched),
		zap.Int("new", r.stats.New),
		zap.Int("updated", r.stats.Updated),
		zap.Int("skipped_unchanged", r.stats.SkippedUnchanged),
		zap.Int("skipped_invalid", r.stats.SkippedInvalid),
		zap.Int("not_found", r.stats.NotFound),
		zap.Int("errored", r.stats.Errored),
	}
	if err != nil {
		r.log.Error("ingest: run ended early", append(fields, zap.Error(err))...)
		return
	}
	r.log.Info("ingest: run finished", fields...)
}

// Run ingests the source's listing. Item failures are counted in the
// returned stats; the error is non-nil only for run-level failures, in which
// case the stats gathered so far are returned as well.
func (p *Pipeline) Run(ctx context.Context, opts domain.RunOptions) (*domain.RunStats, error) {
	if err := p.validate.Struct(opts); err != nil {
		return nil, eris.Wrap(err, "ingest: invalid run options")
	}
	r := p.startRun(opts)
	r.log.Info("ingest: run started",
		zap.Int("limit", opts.Limit),
		zap.Int("offset", opts.Offset),
		zap.Bool("force", opts.ForceReprocess),
		zap.Bool("skip_enrichment", opts.SkipEnrichment),
		zap.Bool("backfill", opts.Backfill))

	err := p.checkStorage(ctx)
	if err == nil {
		err = p.withSource(ctx, r, func() error { return p.walk(ctx, r) })
	}
	p.finishRun(r, err)
	return r.stats, err
}

func (p *Pipeline) withSource(ctx context.Context, r *run, fn func() error) error {
	sc, ok := p.source.(ScopedSource)
	if !ok {
		return fn()
	}
	if err := sc.Open(ctx); err != nil {
		r.stats.Aborted = true
		r.stats.AbortReason = "source unavailable"
		return eris.Wrap(err, "ingest: open source")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			r.log.Warn("ingest: closing source failed", zap.Error(err))
		}
	}()
	return fn()
}

func (p *Pipeline) checkStorage(ctx context.Context) error {
	if p.health == nil {
		return nil
	}
	if err := p.health.Ping(ctx); err != nil {
		return eris.Wrapf(ErrStorageUnavailable, "ingest: start run: %v", err)
	}
	return nil
}

// walk pages forward from the head and, in backfill mode, alternately
// backwards from the tail until the two cursors meet.
func (p *Pipeline) walk(ctx context.Context, r *run) error {
	tail := p.tailPage(ctx, r)
	backfill := tail > 0
	head := 1
	headDone, tailDone := false, !backfill
	for !headDone || !tailDone {
		if r.limitReached() {
			return nil
		}
		if !headDone {
			if backfill && head > tail {
				headDone = true
			} else {
				more, err := p.walkPage(ctx, r, head, true)
				if err != nil {
					return err
				}
				head++
				headDone = !more
			}
		}
		if !tailDone {
			if tail < head {
				tailDone = true
				continue
			}
			more, err := p.walkPage(ctx, r, tail, false)
			if err != nil {
				return err
			}
			tail--
			tailDone = !more
		}
	}
	return nil
}

// tailPage is the last listing page for backfill runs, or 0.
func (p *Pipeline) tailPage(ctx context.Context, r *run) int {
	if !r.opts.Backfill {
		return 0
	}
	pc, ok := p.source.(PageCounter)
	if !ok {
		r.log.Warn("ingest: source cannot be walked from its tail, backfill disabled")
		return 0
	}
	n, err := p.pageCount(ctx, pc)
	if err != nil {
		r.log.Warn("ingest: page count unavailable, backfill disabled", zap.Error(err))
		return 0
	}
	return n
}

// walkPage processes one listing page. It reports whether the walk should
// continue past this page.
func (p *Pipeline) walkPage(ctx context.Context, r *run, page int, forward bool) (bool, error) {
	ids, err := p.listPage(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return false, p.interrupted(r, ctx.Err())
		}
		if KindOf(err) == KindNotFound {
			return false, nil
		}
		r.stats.Aborted = true
		r.stats.AbortReason = fmt.Sprintf("listing page %d failed", page)
		return false, eris.Wrapf(err, "ingest: list page %d", page)
	}
	if len(ids) == 0 {
		return false, nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return false, p.interrupted(r, err)
		}
		if r.limitReached() {
			return false, nil
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := r.seen[id]; dup {
			continue
		}
		r.seen[id] = struct{}{}
		if forward && r.skipped < r.opts.Offset {
			r.skipped++
			continue
		}

		p.processItem(ctx, r, id)

		if r.breaker.Open() {
			r.stats.Aborted = true
			r.stats.AbortReason = fmt.Sprintf("%d consecutive items not found", r.breaker.Misses())
			return false, eris.Wrapf(ErrCircuitOpen, "ingest: %s after %d misses", p.source.Name(), r.breaker.Misses())
		}
	}
	return true, nil
}

// interrupted marks the run aborted by cancellation. State stays consistent
// because every item is marked processed only after its last write.
func (p *Pipeline) interrupted(r *run, err error) error {
	r.stats.Aborted = true
	r.stats.AbortReason = "canceled"
	return eris.Wrap(err, "ingest: run interrupted")
}

func (p *Pipeline) processItem(ctx context.Context, r *run, externalID string) {
	log := r.log.With(zap.String("external_id", externalID))

	item, err := p.fetch(ctx, externalID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			r.breaker.Miss()
			p.record(r, outcomeNotFound)
			log.Debug("ingest: item not found")
			return
		}
		p.record(r, outcomeErrored)
		log.Warn("ingest: fetch failed", zap.Error(err))
		return
	}
	r.breaker.Hit()
	r.stats.Fetched++

	var res *domain.RawUpsertResult
	err = p.withStorageRetry(ctx, func() error {
		var err error
		res, err = p.raw.Upsert(ctx, p.source.Name(), externalID, item.URL, item.Payload)
		return err
	})
	if err != nil {
		p.record(r, outcomeErrored)
		log.Warn("ingest: raw upsert failed", zap.Error(StorageError("raw upsert", externalID, err)))
		return
	}
	if res.ShouldSkip && !r.opts.ForceReprocess {
		p.record(r, outcomeUnchanged)
		return
	}

	o, err := p.normalize(ctx, log, r.opts, externalID, res.ID, res.Hash, item.Payload)
	p.record(r, o)
	if err != nil {
		log.Warn("ingest: item failed",
			zap.String("kind", KindOf(err).String()),
			zap.Int64("raw_id", res.ID),
			zap.Error(err))
	}
}

// normalize drives a stored payload through parse, validation and every
// canonical write. MarkProcessed is the last step, so an item failing at any
// point is picked up again by the next run.
func (p *Pipeline) normalize(ctx context.Context, log *zap.Logger, opts domain.RunOptions, externalID string, rawID int64, hash string, payload []byte) (outcome, error) {
	rec, err := p.parser.Parse(payload)
	if err != nil {
		return outcomeErrored, ParseError("parse", externalID, err)
	}
	if rec == nil {
		return outcomeErrored, ParseError("parse", externalID, errors.New("no usable identity"))
	}
	p.sanitize(rec)
	switch rec.ExternalID {
	case "":
		rec.ExternalID = externalID
	case externalID:
	default:
		return outcomeInvalid, ValidationError("validate identity", externalID,
			fmt.Errorf("payload describes item %q", rec.ExternalID))
	}

	if err := p.validate.Struct(rec); err != nil {
		return outcomeInvalid, ValidationError("validate record", externalID, err)
	}
	if err := p.cfg.Title.Check(rec.Title); err != nil {
		return outcomeInvalid, ValidationError("validate title", externalID, err)
	}

	source := p.source.Name()
	product := toProduct(source, rec)
	var (
		productID int64
		inserted  bool
	)
	err = p.withStorageRetry(ctx, func() error {
		var err error
		productID, inserted, err = p.catalog.UpsertProduct(ctx, product)
		return err
	})
	if err != nil {
		return outcomeErrored, StorageError("upsert product", product.NormalizedID, err)
	}

	listing := toProductSource(productID, source, rec)
	err = p.withStorageRetry(ctx, func() error {
		_, err := p.catalog.UpsertProductSource(ctx, listing)
		return err
	})
	if err != nil {
		return outcomeErrored, StorageError("upsert product source", product.NormalizedID, err)
	}

	if !opts.SkipEnrichment {
		if err := p.enrich(ctx, log, productID, source, rec); err != nil {
			return outcomeErrored, err
		}
	}

	err = p.withStorageRetry(ctx, func() error { return p.catalog.RefreshRollups(ctx, productID) })
	if err != nil {
		return outcomeErrored, StorageError("refresh rollups", product.NormalizedID, err)
	}

	link := domain.RawDataLink{
		ProductID:       productID,
		Source:          source,
		RawRecordID:     rawID,
		RawTable:        "raw_record",
		ContentHashSeen: hash,
	}
	err = p.withStorageRetry(ctx, func() error { return p.catalog.InsertRawLink(ctx, link) })
	if err != nil && !store.IsUniqueViolation(err) {
		return outcomeErrored, StorageError("insert raw link", product.NormalizedID, err)
	}

	if err := p.withStorageRetry(ctx, func() error { return p.raw.MarkProcessed(ctx, rawID) }); err != nil {
		return outcomeErrored, StorageError("mark processed", externalID, err)
	}
	if inserted {
		return outcomeNew, nil
	}
	return outcomeUpdated, nil
}

func (p *Pipeline) enrich(ctx context.Context, log *zap.Logger, productID int64, source string, rec *domain.NormalizedRecord) error {
	key := rec.ExternalID
	if _, err := p.linker.LinkMedia(ctx, store.MediaImage, productID, rec.Images); err != nil {
		return StorageError("link images", key, err)
	}
	if _, err := p.linker.LinkMedia(ctx, store.MediaVideo, productID, rec.Videos); err != nil {
		return StorageError("link videos", key, err)
	}
	if len(rec.Performers) > 0 {
		accept := linker.DefaultPredicate(p.cfg.Performers, rec.Title)
		if _, err := p.linker.Link(ctx, store.PerformerDimension, productID, rec.Performers, accept); err != nil {
			return StorageError("link performers", key, err)
		}
	}
	if len(rec.Tags) > 0 {
		accept := linker.DefaultPredicate(p.cfg.Tags, "")
		if _, err := p.linker.Link(ctx, store.TagDimension, productID, rec.Tags, accept); err != nil {
			return StorageError("link tags", key, err)
		}
	}
	if rec.Sale != nil {
		obs := sales.Observation{
			SourceName:      source,
			ExternalID:      rec.ExternalID,
			RegularPrice:    rec.Sale.RegularPrice,
			SalePrice:       rec.Sale.SalePrice,
			DiscountPercent: rec.Sale.DiscountPercent,
			StartAt:         rec.Sale.StartAt,
			EndAt:           rec.Sale.EndAt,
		}
		if _, err := p.sales.RecordObservation(ctx, obs); err != nil {
			if errors.Is(err, sales.ErrInvalidPrice) {
				log.Warn("ingest: sale observation rejected", zap.Error(err))
				return nil
			}
			return StorageError("record sale", key, err)
		}
	}
	return nil
}

// Reprocess re-derives canonical state from raw records awaiting
// normalization, without touching the source.
func (p *Pipeline) Reprocess(ctx context.Context, opts domain.RunOptions) (*domain.RunStats, error) {
	if err := p.validate.Struct(opts); err != nil {
		return nil, eris.Wrap(err, "ingest: invalid run options")
	}
	r := p.startRun(opts)
	err := p.checkStorage(ctx)
	if err == nil {
		err = p.replay(ctx, r)
	}
	p.finishRun(r, err)
	return r.stats, err
}

func (p *Pipeline) replay(ctx context.Context, r *run) error {
	recs, err := p.raw.Unprocessed(ctx, p.source.Name(), r.opts.Limit)
	if err != nil {
		return eris.Wrapf(ErrStorageUnavailable, "ingest: list unprocessed raw records: %v", err)
	}
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return p.interrupted(r, err)
		}
		rec := &recs[i]
		log := r.log.With(zap.String("external_id", rec.ExternalID), zap.Int64("raw_id", rec.ID))
		payload, err := p.raw.Payload(ctx, rec)
		if err != nil {
			p.record(r, outcomeErrored)
			log.Warn("ingest: raw payload unavailable", zap.Error(err))
			continue
		}
		o, err := p.normalize(ctx, log, r.opts, rec.ExternalID, rec.ID, rec.ContentHash, payload)
		p.record(r, o)
		if err != nil {
			log.Warn("ingest: replay item failed", zap.String("kind", KindOf(err).String()), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) record(r *run, o outcome) {
	switch o {
	case outcomeNew:
		r.stats.New++
	case outcomeUpdated:
		r.stats.Updated++
	case outcomeUnchanged:
		r.stats.SkippedUnchanged++
	case outcomeInvalid:
		r.stats.SkippedInvalid++
	case outcomeNotFound:
		r.stats.NotFound++
	default:
		r.stats.Errored++
	}
	p.metrics.ItemProcessed(r.stats.Source, o.String())
}

func (p *Pipeline) sanitize(rec *domain.NormalizedRecord) {
	rec.ExternalID = strings.TrimSpace(rec.ExternalID)
	rec.Title = strings.Join(strings.Fields(rec.Title), " ")
	if rec.Description != nil {
		d := strings.TrimSpace(p.strip.Sanitize(*rec.Description))
		if d == "" {
			rec.Description = nil
		} else {
			rec.Description = &d
		}
	}
}

func toProduct(source string, rec *domain.NormalizedRecord) *domain.Product {
	return &domain.Product{
		NormalizedID:    domain.NormalizedID(source, rec.ExternalID),
		Title:           rec.Title,
		Description:     rec.Description,
		ReleaseDate:     rec.ReleaseDate,
		DurationMinutes: rec.DurationMinutes,
		Maker:           rec.Maker,
		Label:           rec.Label,
		Series:          rec.Series,
		BusinessCode:    rec.BusinessCode,
		ThumbnailURL:    rec.ThumbnailURL,
	}
}

func toProductSource(productID int64, source string, rec *domain.NormalizedRecord) *domain.ProductSource {
	ps := &domain.ProductSource{
		ProductID:    productID,
		SourceName:   source,
		ExternalID:   rec.ExternalID,
		Price:        rec.Price,
		AffiliateURL: rec.AffiliateURL,
		ListingType:  rec.ListingType,
	}
	if rec.URL != "" {
		u := rec.URL
		ps.URL = &u
	}
	return ps
}
