package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog-ingest-service/internal/domain"
)

// Runner is one source's pipeline as seen by the manager.
type Runner interface {
	Source() string
	Run(ctx context.Context, opts domain.RunOptions) (*domain.RunStats, error)
	Reprocess(ctx context.Context, opts domain.RunOptions) (*domain.RunStats, error)
}

// Sweeper deactivates sales whose window has passed.
type Sweeper interface {
	DeactivateExpired(ctx context.Context) (int64, error)
}

// Manager owns the pipelines of every configured source, runs them as
// independent workers and keeps the latest stats of each.
type Manager struct {
	runners map[string]Runner
	sweeper Sweeper
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	latest  map[string]*domain.RunStats
}

// NewManager registers runners by source name. sweeper may be nil.
func NewManager(runners []Runner, sweeper Sweeper, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		runners: make(map[string]Runner, len(runners)),
		sweeper: sweeper,
		logger:  logger,
		running: make(map[string]bool),
		latest:  make(map[string]*domain.RunStats),
	}
	for _, r := range runners {
		m.runners[r.Source()] = r
	}
	return m
}

// Sources lists the registered source names in order.
func (m *Manager) Sources() []string {
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run ingests one source. Only one run per source may be in flight.
func (m *Manager) Run(ctx context.Context, source string, opts domain.RunOptions) (*domain.RunStats, error) {
	return m.do(ctx, source, opts, Runner.Run)
}

// Reprocess replays one source's unprocessed raw records.
func (m *Manager) Reprocess(ctx context.Context, source string, opts domain.RunOptions) (*domain.RunStats, error) {
	return m.do(ctx, source, opts, Runner.Reprocess)
}

type runFunc func(r Runner, ctx context.Context, opts domain.RunOptions) (*domain.RunStats, error)

func (m *Manager) do(ctx context.Context, source string, opts domain.RunOptions, fn runFunc) (*domain.RunStats, error) {
	r, ok := m.runners[source]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSource, "ingest: %q", source)
	}
	m.mu.Lock()
	if m.running[source] {
		m.mu.Unlock()
		return nil, eris.Wrapf(ErrRunInProgress, "ingest: %q", source)
	}
	m.running[source] = true
	m.mu.Unlock()

	stats, err := fn(r, ctx, opts)

	m.mu.Lock()
	delete(m.running, source)
	if stats != nil {
		m.latest[source] = stats
	}
	m.mu.Unlock()

	m.sweep(ctx)
	return stats, err
}

// RunAll runs every source concurrently; each owns its own limiter and key
// space. It returns the stats of every source that produced any, and the
// first run-level error.
func (m *Manager) RunAll(ctx context.Context, opts domain.RunOptions) ([]*domain.RunStats, error) {
	sources := m.Sources()
	results := make([]*domain.RunStats, len(sources))

	var g errgroup.Group
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			stats, err := m.Run(ctx, source, opts)
			results[i] = stats
			return err
		})
	}
	err := g.Wait()

	out := results[:0]
	for _, s := range results {
		if s != nil {
			out = append(out, s)
		}
	}
	return out, err
}

// Latest returns the stats of the last finished run of a source.
func (m *Manager) Latest(source string) (*domain.RunStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[source]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (m *Manager) sweep(ctx context.Context) {
	if m.sweeper == nil || errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if _, err := m.sweeper.DeactivateExpired(ctx); err != nil {
		m.logger.Warn("ingest: expired sale sweep failed", zap.Error(err))
	}
}

// Fatal reports whether err should end the process with a non-zero status.
func Fatal(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrStorageUnavailable)
}
