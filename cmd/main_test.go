package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest-service/internal/config"
	"catalog-ingest-service/internal/source"
)

func TestNewParser_MatchesSourceKind(t *testing.T) {
	browser := config.SourceSpec{Name: "store", Kind: config.SourceKindBrowser, ItemURL: "http://store.local/item/%s"}
	assert.IsType(t, source.HTMLParser{}, newParser(browser))
	assert.IsType(t, source.JSONParser{}, newParser(config.SourceSpec{Name: "shop", Kind: config.SourceKindHTTP}))
	assert.IsType(t, source.JSONParser{}, newParser(config.SourceSpec{Name: "api", Kind: config.SourceKindBrowser, Format: config.FormatJSON}))
}

func TestNewParser_BrowserPageIsParsed(t *testing.T) {
	spec := config.SourceSpec{Name: "store", Kind: config.SourceKindBrowser, ItemURL: "http://store.local/item/%s"}
	page := `<html><head><meta property="og:title" content="Summer Story"></head>
<body><h1>Summer Story</h1><p>Price 1,980 yen</p></body></html>`

	rec, err := newParser(spec).Parse([]byte(page))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Summer Story", rec.Title)
}
