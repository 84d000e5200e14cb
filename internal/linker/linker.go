// Package linker resolves dimension names (performers, tags) to canonical ids
// and links them to products using set-oriented queries.
package linker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"catalog-ingest-service/internal/store"
)

// NamePredicate decides whether a normalized name may become a dimension entity.
type NamePredicate func(name string) bool

// Result counts what one Link call resolved.
type Result struct {
	Accepted int   `json:"accepted"`
	Rejected int   `json:"rejected"`
	Matched  int   `json:"matched"` // exact canonical name
	Aliased  int   `json:"aliased"`
	Created  int   `json:"created"`
	Linked   int64 `json:"linked"` // join rows actually added
}

// Linker is the batch relation linker.
type Linker struct {
	store  store.DimensionStorer
	logger *zap.Logger
}

func New(s store.DimensionStorer, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{store: s, logger: logger}
}

// Link resolves names by exact match, then alias, then creation, and inserts
// the missing join rows. Each stage is one round trip regardless of the
// number of names. A nil predicate accepts every non-empty name.
func (l *Linker) Link(ctx context.Context, dim store.Dimension, productID int64, names []string, accept NamePredicate) (Result, error) {
	var res Result
	candidates := make([]string, 0, len(names))
	for _, name := range Normalize(names) {
		if accept != nil && !accept(name) {
			res.Rejected++
			continue
		}
		candidates = append(candidates, name)
	}
	res.Accepted = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	ids := make(map[string]int64, len(candidates))

	exact, err := l.store.FindByNames(ctx, dim, candidates)
	if err != nil {
		return res, fmt.Errorf("linker: %s exact lookup: %w", dim.Name, err)
	}
	res.Matched = collect(ids, candidates, exact)

	missing := unresolved(candidates, ids)
	if len(missing) > 0 {
		aliased, err := l.store.FindByAliases(ctx, dim, missing)
		if err != nil {
			return res, fmt.Errorf("linker: %s alias lookup: %w", dim.Name, err)
		}
		res.Aliased = collect(ids, missing, aliased)
	}

	missing = unresolved(candidates, ids)
	if len(missing) > 0 {
		created, err := l.store.InsertNames(ctx, dim, missing)
		if err != nil {
			return res, fmt.Errorf("linker: %s insert: %w", dim.Name, err)
		}
		res.Created = collect(ids, missing, created)
		for _, name := range unresolved(missing, ids) {
			l.logger.Warn("dimension insert returned no id",
				zap.String("dimension", dim.Name), zap.String("name", name))
		}
	}

	linkIDs := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, name := range candidates {
		id, ok := ids[name]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		linkIDs = append(linkIDs, id)
	}

	res.Linked, err = l.store.LinkProduct(ctx, dim, productID, linkIDs)
	if err != nil {
		return res, fmt.Errorf("linker: %s link product %d: %w", dim.Name, productID, err)
	}
	l.logger.Debug("dimension names linked",
		zap.String("dimension", dim.Name),
		zap.Int64("product_id", productID),
		zap.Int("matched", res.Matched),
		zap.Int("aliased", res.Aliased),
		zap.Int("created", res.Created),
		zap.Int64("linked", res.Linked))
	return res, nil
}

// LinkMedia stores the product's image or video URLs, first occurrence wins.
func (l *Linker) LinkMedia(ctx context.Context, kind store.MediaKind, productID int64, urls []string) (int64, error) {
	clean := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		clean = append(clean, u)
	}
	if len(clean) == 0 {
		return 0, nil
	}
	n, err := l.store.LinkMedia(ctx, kind, productID, clean)
	if err != nil {
		return 0, fmt.Errorf("linker: %s for product %d: %w", kind, productID, err)
	}
	return n, nil
}

// NormalizeName applies NFKC and width folding and collapses whitespace, so
// "Ａｉ　Ｍｉｚｕｋｉ" and "Ai Mizuki" resolve to the same entity.
func NormalizeName(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKC, width.Fold), name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(folded), " ")
}

// Normalize normalizes names and drops empties and duplicates, keeping order.
func Normalize(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = NormalizeName(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func collect(dst map[string]int64, names []string, found map[string]int64) int {
	n := 0
	for _, name := range names {
		if id, ok := found[name]; ok {
			dst[name] = id
			n++
		}
	}
	return n
}

func unresolved(names []string, ids map[string]int64) []string {
	var out []string
	for _, name := range names {
		if _, ok := ids[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
