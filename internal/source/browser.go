package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"catalog-ingest-service/internal/ingest"
)

var errBrowserClosed = errors.New("source: browser is not open")

// BrowserFetcher renders pages in a headless Chrome. The browser is scoped
// to one run: Open before the run, and defer Close on every path.
type BrowserFetcher struct {
	controlURL string // empty launches a local Chrome
	navTimeout time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewBrowserFetcher(controlURL string, navTimeout time.Duration, logger *zap.Logger) *BrowserFetcher {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserFetcher{controlURL: strings.TrimSpace(controlURL), navTimeout: navTimeout, logger: logger}
}

// Open connects to the remote browser or launches a local one.
func (f *BrowserFetcher) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return nil
	}

	wsURL := f.controlURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("source: launch browser: %w", err)
		}
		wsURL = u
		f.lnch = l
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		f.cleanupLocked()
		return fmt.Errorf("source: connect browser: %w", err)
	}
	f.browser = b
	f.logger.Info("browser opened", zap.Bool("remote", f.controlURL != ""))
	return nil
}

// Fetch navigates to pageURL in a fresh tab and returns the rendered HTML.
// HTMLParser reads the result.
func (f *BrowserFetcher) Fetch(ctx context.Context, key, pageURL string) ([]byte, error) {
	f.mu.Lock()
	b := f.browser
	f.mu.Unlock()
	if b == nil {
		return nil, ingest.NetworkError("browser fetch", key, 0, errBrowserClosed)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, ingest.NetworkError("browser fetch", key, 0, fmt.Errorf("create tab: %w", err))
	}
	defer func() {
		if err := page.Close(); err != nil {
			f.logger.Debug("browser tab close failed", zap.Error(err))
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, f.navTimeout)
	defer cancel()
	p := page.Context(navCtx)
	if err := p.Navigate(pageURL); err != nil {
		return nil, ingest.NetworkError("browser fetch", key, 0, fmt.Errorf("navigate %s: %w", pageURL, err))
	}
	if err := p.WaitLoad(); err != nil {
		f.logger.Warn("browser wait load timeout", zap.String("url", pageURL), zap.Error(err))
	}

	doc, err := p.HTML()
	if err != nil {
		return nil, ingest.NetworkError("browser fetch", key, 0, fmt.Errorf("read page: %w", err))
	}
	if strings.TrimSpace(doc) == "" {
		return nil, ingest.NotFoundError("browser fetch", key, errors.New("empty page"))
	}
	return []byte(doc), nil
}

// Close releases the browser. It is safe to call more than once.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	f.cleanupLocked()
	return err
}

func (f *BrowserFetcher) cleanupLocked() {
	if f.lnch != nil {
		f.lnch.Kill()
		f.lnch.Cleanup()
		f.lnch = nil
	}
}

// BrowserAdapter lists items through the JSON API but renders each item
// page in the browser, for storefronts that only serve content to a real
// browser.
type BrowserAdapter struct {
	listing *HTTPJSONAdapter
	fetcher *BrowserFetcher
	itemURL string // contains one %s for the escaped external id
}

func NewBrowserAdapter(listing *HTTPJSONAdapter, fetcher *BrowserFetcher, itemURL string) (*BrowserAdapter, error) {
	if listing == nil || fetcher == nil {
		return nil, errors.New("source: browser adapter needs a listing and a fetcher")
	}
	if strings.Count(itemURL, "%s") != 1 {
		return nil, fmt.Errorf("source: item URL template %q needs exactly one %%s", itemURL)
	}
	return &BrowserAdapter{listing: listing, fetcher: fetcher, itemURL: itemURL}, nil
}

func (a *BrowserAdapter) Name() string { return a.listing.Name() }

func (a *BrowserAdapter) ListItems(ctx context.Context, page int) ([]string, error) {
	return a.listing.ListItems(ctx, page)
}

func (a *BrowserAdapter) PageCount(ctx context.Context) (int, error) {
	return a.listing.PageCount(ctx)
}

func (a *BrowserAdapter) FetchItem(ctx context.Context, externalID string) (*ingest.FetchedItem, error) {
	u := fmt.Sprintf(a.itemURL, url.PathEscape(strings.TrimSpace(externalID)))
	payload, err := a.fetcher.Fetch(ctx, externalID, u)
	if err != nil {
		return nil, err
	}
	return &ingest.FetchedItem{URL: u, Payload: payload}, nil
}

// Open and Close scope the underlying browser to a run.
func (a *BrowserAdapter) Open(ctx context.Context) error { return a.fetcher.Open(ctx) }
func (a *BrowserAdapter) Close() error                   { return a.fetcher.Close() }
