package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest-service/internal/identity"
	"catalog-ingest-service/internal/ingest"
)

const samplePolicy = `
sources:
  - name: shop
    base_url: http://shop.local
    limiter_target: catalog-api
  - name: store
    kind: browser
    base_url: http://store.local
    item_url: http://store.local/item/%s
rate_limits:
  catalog-api:
    base_delay: 250ms
    max_backoff: 10s
    max_concurrent: 3
    multiplier: 2
placeholder:
  pattern: '^(.*?)\s*([0-9]{1,2})\s*(歳)?\s*(.*)$'
  category_words: [student]
  max_qualifier: 60
title:
  min_length: 5
  placeholders: [untitled]
performers:
  min_len: 1
  max_len: 20
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	require.Len(t, p.Sources, 2)
	assert.Equal(t, "catalog-api", p.Sources[0].Target())
	assert.Equal(t, "store", p.Sources[1].Target())
	assert.Equal(t, SourceKindBrowser, p.Sources[1].Kind)
	assert.Equal(t, FormatJSON, p.Sources[0].PayloadFormat())
	assert.Equal(t, FormatHTML, p.Sources[1].PayloadFormat(), "browser sources read rendered pages")
	assert.Equal(t, FormatJSON, SourceSpec{Kind: SourceKindBrowser, Format: FormatJSON}.PayloadFormat())

	rl := p.RateLimits["catalog-api"]
	assert.Equal(t, 250*time.Millisecond, rl.BaseDelay)
	assert.Equal(t, 10*time.Second, rl.MaxBackoff)
	assert.Equal(t, 3, rl.MaxConcurrent)

	ip := p.IdentityPolicy()
	assert.Equal(t, 60, ip.MaxQualifier)
	assert.Equal(t, identity.ClassPlaceholder, ip.Classify("Yui 22 student"))

	cfg := p.PipelineConfig(IngestConfig{MaxConsecutiveMisses: 7, FetchRetries: 1, MinTitleLength: 0})
	assert.Equal(t, 7, cfg.MaxConsecutiveMisses)
	assert.Equal(t, 1, cfg.FetchRetries)
	assert.Equal(t, 5, cfg.Title.MinLength)
	assert.Equal(t, []string{"untitled"}, cfg.Title.Placeholders)
	assert.Equal(t, 20, cfg.Performers.MaxLen)
	assert.Equal(t, ingest.DefaultConfig.Tags, cfg.Tags)
}

func TestParsePolicy_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":      "sources: [{base_url: http://x}]",
		"missing base url":  "sources: [{name: a}]",
		"duplicate":         "sources: [{name: a, base_url: http://x}, {name: a, base_url: http://y}]",
		"unknown kind":      "sources: [{name: a, base_url: http://x, kind: ftp}]",
		"browser item url":  "sources: [{name: a, base_url: http://x, kind: browser, item_url: http://x/item}]",
		"unknown format":    "sources: [{name: a, base_url: http://x, format: xml}]",
		"bad pattern":       "placeholder: {pattern: '('}",
		"too few groups":    "placeholder: {pattern: '^(a)$'}",
		"negative title":    "title: {min_length: -1}",
		"not yaml":          "sources: [",
		"bad duration type": "rate_limits: {x: {base_delay: soon}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Empty(t, p.Sources)
	assert.Equal(t, identity.DefaultPolicy.Pattern, p.IdentityPolicy().Pattern)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))
	p, err = LoadPolicy(path)
	require.NoError(t, err)
	assert.Len(t, p.Sources, 2)
}

func TestSourceSpecs_FallsBackToEnvironment(t *testing.T) {
	p := &Policy{}
	assert.Nil(t, p.SourceSpecs(SourceConfig{Name: "catalog"}))

	specs := p.SourceSpecs(SourceConfig{Name: "catalog", BaseURL: "http://api.local"})
	require.Len(t, specs, 1)
	assert.Equal(t, SourceKindHTTP, specs[0].Kind)
	assert.Equal(t, "catalog", specs[0].Target())
}
