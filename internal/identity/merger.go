// Package identity detects placeholder performer identities, resolves the
// true identity from the reference index or other sources, and merges them.
package identity

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"catalog-ingest-service/internal/linker"
	"catalog-ingest-service/internal/store"
)

// Resolution methods.
const (
	ViaReference   = "reference"
	ViaCrossSource = "cross_source"
)

// Options configures one merge pass.
type Options struct {
	DryRun bool `json:"dry_run"`
	Limit  int  `json:"limit" validate:"gte=0"` // max placeholders handled, 0 means all
}

// Action is one resolved placeholder, merged unless the pass was a dry run.
type Action struct {
	PlaceholderID int64               `json:"placeholder_id"`
	Placeholder   string              `json:"placeholder"`
	TargetID      int64               `json:"target_id,omitempty"`
	Target        string              `json:"target"`
	BusinessCode  string              `json:"business_code"`
	Via           string              `json:"via"`
	Outcome       *store.MergeOutcome `json:"outcome,omitempty"`
}

// ReviewItem is a name the policy could not decide on, or one whose
// resolution was ambiguous.
type ReviewItem struct {
	PerformerID int64    `json:"performer_id"`
	Name        string   `json:"name"`
	Reason      string   `json:"reason"`
	Candidates  []string `json:"candidates,omitempty"`
}

// Report summarizes a merge pass.
type Report struct {
	DryRun      bool         `json:"dry_run"`
	Scanned     int          `json:"scanned"`
	Detected    int          `json:"detected"`
	Resolved    int          `json:"resolved"`
	Merged      int          `json:"merged"`
	Unresolved  int          `json:"unresolved"`
	NeedsReview int          `json:"needs_review"`
	Failed      int          `json:"failed"`
	Actions     []Action     `json:"actions,omitempty"`
	Review      []ReviewItem `json:"review,omitempty"`
}

// Merger is the identity resolver and merger.
type Merger struct {
	store          store.IdentityStorer
	policy         *Policy
	logger         *zap.Logger
	productsPerHit int
}

// NewMerger compiles policy; a nil policy uses DefaultPolicy.
func NewMerger(s store.IdentityStorer, policy *Policy, logger *zap.Logger) (*Merger, error) {
	if policy == nil {
		p := DefaultPolicy
		policy = &p
	}
	if err := policy.Compile(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: s, policy: policy, logger: logger, productsPerHit: 5}, nil
}

type resolution struct {
	target string
	code   string
	via    string
	source string
}

// Run scans linked performers, resolves every placeholder it can and merges
// it into the true identity. Unresolvable placeholders are left untouched.
func (m *Merger) Run(ctx context.Context, opts Options) (*Report, error) {
	rep := &Report{DryRun: opts.DryRun}

	performers, err := m.store.ListLinkedPerformers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "identity: list linked performers")
	}

	for _, p := range performers {
		if err := ctx.Err(); err != nil {
			return rep, eris.Wrap(err, "identity: merge pass interrupted")
		}
		rep.Scanned++
		if p.LinkCount == 0 {
			continue
		}

		switch m.policy.Classify(p.Name) {
		case ClassNone:
			continue
		case ClassBorderline:
			rep.addReview(ReviewItem{PerformerID: p.ID, Name: p.Name, Reason: "borderline placeholder"})
			continue
		}

		if opts.Limit > 0 && rep.Detected >= opts.Limit {
			break
		}
		rep.Detected++
		log := m.logger.With(zap.Int64("performer_id", p.ID), zap.String("placeholder", p.Name))

		res, review, err := m.resolve(ctx, p)
		if err != nil {
			rep.Failed++
			log.Warn("identity: resolution failed", zap.Error(err))
			continue
		}
		if res == nil {
			rep.Unresolved++
			if review != nil {
				rep.addReview(*review)
			}
			log.Debug("identity: placeholder unresolved")
			continue
		}
		rep.Resolved++

		action := Action{
			PlaceholderID: p.ID,
			Placeholder:   p.Name,
			Target:        res.target,
			BusinessCode:  res.code,
			Via:           res.via,
		}
		if opts.DryRun {
			rep.Actions = append(rep.Actions, action)
			log.Info("identity: would merge", zap.String("target", res.target), zap.String("via", res.via))
			continue
		}

		if err := m.merge(ctx, p, res, &action); err != nil {
			rep.Failed++
			log.Warn("identity: merge failed", zap.String("target", res.target), zap.Error(err))
			continue
		}
		rep.Merged++
		rep.Actions = append(rep.Actions, action)
		log.Info("identity: merged placeholder",
			zap.String("target", res.target),
			zap.String("via", res.via),
			zap.Int64("relinked", action.Outcome.Relinked))
	}
	return rep, nil
}

func (m *Merger) merge(ctx context.Context, p store.PerformerLinkStat, res *resolution, action *Action) error {
	targetID, err := m.targetID(ctx, res.target)
	if err != nil {
		return err
	}
	if targetID == p.ID {
		return eris.Errorf("identity: %q resolves to itself", p.Name)
	}
	outcome, err := m.store.MergePerformer(ctx, p.ID, targetID, p.Name, res.source)
	if err != nil {
		return eris.Wrapf(err, "identity: merge %d into %d", p.ID, targetID)
	}
	action.TargetID = targetID
	action.Outcome = outcome
	return nil
}

// targetID finds the canonical performer for name in the linker's order:
// exact name, then alias, then a new performer.
func (m *Merger) targetID(ctx context.Context, name string) (int64, error) {
	names := []string{name}
	ids, err := m.store.FindByNames(ctx, store.PerformerDimension, names)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: find performer %q", name)
	}
	if id, ok := ids[name]; ok {
		return id, nil
	}
	ids, err = m.store.FindByAliases(ctx, store.PerformerDimension, names)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: find performer alias %q", name)
	}
	if id, ok := ids[name]; ok {
		return id, nil
	}
	id, err := m.store.EnsurePerformer(ctx, name)
	if err != nil {
		return 0, eris.Wrapf(err, "identity: ensure performer %q", name)
	}
	return id, nil
}

// resolve tries each linked product in turn: first the reference index for
// its business code, then the other sources' canonical records of that code.
// A cross-source answer counts only when exactly one real identity is found.
func (m *Merger) resolve(ctx context.Context, p store.PerformerLinkStat) (*resolution, *ReviewItem, error) {
	products, err := m.store.ListLinkedProducts(ctx, p.ID, m.productsPerHit)
	if err != nil {
		return nil, nil, eris.Wrap(err, "identity: list linked products")
	}

	placeholder := linker.NormalizeName(p.Name)
	var review *ReviewItem
	for _, lp := range products {
		code := ""
		if lp.BusinessCode != nil {
			code = strings.TrimSpace(*lp.BusinessCode)
		}
		if code == "" {
			code = DeriveBusinessCode(lp.ExternalID)
		}
		if code == "" {
			continue
		}

		ref, err := m.store.LookupReference(ctx, code)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "identity: reference lookup %s", code)
		}
		if ref != nil {
			name := linker.NormalizeName(ref.IdentityName)
			if name != "" && name != placeholder && m.policy.Classify(name) == ClassNone {
				return &resolution{target: name, code: code, via: ViaReference, source: ref.Source}, nil, nil
			}
		}

		names, err := m.store.CrossSourceIdentities(ctx, code, lp.ProductID)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "identity: cross-source lookup %s", code)
		}
		candidates := m.realIdentities(names, placeholder)
		switch len(candidates) {
		case 0:
		case 1:
			return &resolution{target: candidates[0], code: code, via: ViaCrossSource, source: lp.SourceName}, nil, nil
		default:
			review = &ReviewItem{PerformerID: p.ID, Name: p.Name, Reason: "ambiguous cross-source identities", Candidates: candidates}
		}
	}
	return nil, review, nil
}

func (m *Merger) realIdentities(names []string, placeholder string) []string {
	var out []string
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = linker.NormalizeName(n)
		if n == "" || n == placeholder || m.policy.Classify(n) != ClassNone {
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

func (r *Report) addReview(item ReviewItem) {
	r.NeedsReview++
	r.Review = append(r.Review, item)
}
