package ingest

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// callSource runs one network call gated by the limiter and retries
// retryable failures. Not-found answers are a valid response and do not
// count against the limiter.
func (p *Pipeline) callSource(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	name := p.source.Name()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.metrics.LimiterWaited(name, time.Since(start))

		err := fn(ctx)
		if err == nil {
			p.limiter.Done()
			return nil
		}
		if KindOf(err) == KindUnknown {
			err = NetworkError(op, key, 0, err)
		}
		if KindOf(err) == KindNotFound {
			p.limiter.Done()
			return err
		}
		status := StatusCode(err)
		p.limiter.OnError(status)
		p.metrics.SourceError(name, status)
		if !IsRetryable(err) || attempt >= p.cfg.FetchRetries || ctx.Err() != nil {
			return err
		}
		p.logger.Debug("ingest: retrying source call",
			zap.String("op", op), zap.String("key", key), zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (p *Pipeline) fetch(ctx context.Context, externalID string) (*FetchedItem, error) {
	var item *FetchedItem
	err := p.callSource(ctx, "fetch", externalID, func(ctx context.Context) error {
		var err error
		item, err = p.source.FetchItem(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if item == nil || len(item.Payload) == 0 {
		return nil, NotFoundError("fetch", externalID, nil)
	}
	return item, nil
}

func (p *Pipeline) listPage(ctx context.Context, page int) ([]string, error) {
	var ids []string
	err := p.callSource(ctx, "list", "page "+strconv.Itoa(page), func(ctx context.Context) error {
		var err error
		ids, err = p.source.ListItems(ctx, page)
		return err
	})
	return ids, err
}

func (p *Pipeline) pageCount(ctx context.Context, pc PageCounter) (int, error) {
	var n int
	err := p.callSource(ctx, "page count", "", func(ctx context.Context) error {
		var err error
		n, err = pc.PageCount(ctx)
		return err
	})
	return n, err
}

// withStorageRetry retries fn while it fails with a transient storage error.
func (p *Pipeline) withStorageRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(StorageError("", "", err)) || attempt >= p.cfg.StorageRetries {
			return err
		}
		if serr := p.sleep(ctx, p.cfg.RetryDelay*time.Duration(attempt+1)); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
