// Package source holds the reference source adapters and parser that plug a
// JSON marketplace API into the ingestion pipeline.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"catalog-ingest-service/internal/ingest"
)

// HTTPJSONAdapter expects a JSON API under BaseURL:
//
//	GET {base}/api/items?page=N   -> {"items":[...ids], "total_pages": N} or [...ids]
//	GET {base}/api/items/{id}     -> the item payload, stored verbatim
type HTTPJSONAdapter struct {
	name      string
	baseURL   string
	client    *http.Client
	userAgent string
	maxBody   int64
}

type HTTPJSONAdapterOptions struct {
	Name      string
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client // optional, overrides Timeout
}

func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errors.New("source: Name is required")
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("source: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("source: invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "catalog-ingest-service/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: to}
	}
	return &HTTPJSONAdapter{
		name:      name,
		baseURL:   strings.TrimRight(base, "/"),
		client:    client,
		userAgent: ua,
		maxBody:   16 << 20,
	}, nil
}

func (a *HTTPJSONAdapter) Name() string { return a.name }

type listPage struct {
	Items      []string `json:"items"`
	TotalPages int      `json:"total_pages"`
}

// ListItems returns the ids of one listing page; pages past the end are empty.
func (a *HTTPJSONAdapter) ListItems(ctx context.Context, page int) ([]string, error) {
	lp, err := a.list(ctx, page)
	if err != nil {
		if ingest.KindOf(err) == ingest.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return normalizeIDs(lp.Items), nil
}

// PageCount reads total_pages from the first listing page.
func (a *HTTPJSONAdapter) PageCount(ctx context.Context) (int, error) {
	lp, err := a.list(ctx, 1)
	if err != nil {
		return 0, err
	}
	if lp.TotalPages <= 0 {
		return 0, ingest.ParseError("page count", a.name, errors.New("listing has no total_pages"))
	}
	return lp.TotalPages, nil
}

func (a *HTTPJSONAdapter) list(ctx context.Context, page int) (*listPage, error) {
	u, err := url.Parse(a.baseURL + "/api/items")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	key := "page " + strconv.Itoa(page)
	body, err := a.get(ctx, "list", key, u.String())
	if err != nil {
		return nil, err
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped listPage
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return &wrapped, nil
	}
	var arr []string
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, ingest.ParseError("list", key, fmt.Errorf("listing payload: %w", err))
	}
	return &listPage{Items: arr}, nil
}

// FetchItem returns the raw item payload.
func (a *HTTPJSONAdapter) FetchItem(ctx context.Context, externalID string) (*ingest.FetchedItem, error) {
	id := strings.TrimSpace(externalID)
	if id == "" {
		return nil, ingest.ValidationError("fetch", externalID, errors.New("external id is required"))
	}
	u := a.baseURL + "/api/items/" + url.PathEscape(id)
	body, err := a.get(ctx, "fetch", id, u)
	if err != nil {
		return nil, err
	}
	return &ingest.FetchedItem{URL: u, Payload: body}, nil
}

// get classifies failures: 404/410 as not found, everything else that is not
// 2xx as a network error carrying the status.
func (a *HTTPJSONAdapter) get(ctx context.Context, op, key, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, ingest.ValidationError(op, key, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, ingest.NetworkError(op, key, 0, err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	b, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody))
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, ingest.NotFoundError(op, key, fmt.Errorf("http status %d", status))
	case status < 200 || status >= 300:
		return nil, ingest.NetworkError(op, key, status, fmt.Errorf("http status %d", status))
	case err != nil:
		return nil, ingest.NetworkError(op, key, status, err)
	}
	return b, nil
}

func normalizeIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
