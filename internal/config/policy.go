package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"catalog-ingest-service/internal/identity"
	"catalog-ingest-service/internal/ingest"
	"catalog-ingest-service/internal/linker"
	"catalog-ingest-service/internal/ratelimit"
)

const (
	SourceKindHTTP    = "http"
	SourceKindBrowser = "browser"

	FormatJSON = "json"
	FormatHTML = "html"
)

// SourceSpec declares one source adapter.
type SourceSpec struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"` // http or browser
	BaseURL       string `yaml:"base_url"`
	ItemURL       string `yaml:"item_url"` // browser only, one %s for the id
	Format        string `yaml:"format"`   // item payload format, json or html
	LimiterTarget string `yaml:"limiter_target"`
}

// PayloadFormat is the declared item format. Browser sources return the
// rendered page and default to html; everything else defaults to json.
func (s SourceSpec) PayloadFormat() string {
	if s.Format != "" {
		return s.Format
	}
	if s.Kind == SourceKindBrowser {
		return FormatHTML
	}
	return FormatJSON
}

// Target returns the rate-limit target, defaulting to the source name.
func (s SourceSpec) Target() string {
	if s.LimiterTarget != "" {
		return s.LimiterTarget
	}
	return s.Name
}

// Policy is the YAML policy file. Every section is optional.
type Policy struct {
	Sources     []SourceSpec                `yaml:"sources"`
	RateLimits  map[string]ratelimit.Config `yaml:"rate_limits"`
	Placeholder *identity.Policy            `yaml:"placeholder"`
	Title       *ingest.TitleRules          `yaml:"title"`
	Performers  *linker.PredicateOptions    `yaml:"performers"`
	Tags        *linker.PredicateOptions    `yaml:"tags"`
}

// LoadPolicy reads path. An empty path yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return &Policy{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(b)
}

// ParsePolicy decodes and checks a policy document.
func ParsePolicy(b []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	seen := make(map[string]struct{}, len(p.Sources))
	for i, s := range p.Sources {
		if s.Name == "" {
			return fmt.Errorf("policy: sources[%d]: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("policy: duplicate source %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.BaseURL == "" {
			return fmt.Errorf("policy: source %q: base_url is required", s.Name)
		}
		switch s.Kind {
		case "", SourceKindHTTP:
		case SourceKindBrowser:
			if strings.Count(s.ItemURL, "%s") != 1 {
				return fmt.Errorf("policy: source %q: item_url needs exactly one %%s", s.Name)
			}
		default:
			return fmt.Errorf("policy: source %q: unknown kind %q", s.Name, s.Kind)
		}
		switch s.Format {
		case "", FormatJSON, FormatHTML:
		default:
			return fmt.Errorf("policy: source %q: unknown format %q", s.Name, s.Format)
		}
	}
	if p.Placeholder != nil {
		if err := p.Placeholder.Compile(); err != nil {
			return fmt.Errorf("policy: placeholder: %w", err)
		}
	}
	if p.Title != nil && p.Title.MinLength < 0 {
		return errors.New("policy: title.min_length must not be negative")
	}
	return nil
}

// IdentityPolicy returns the configured placeholder policy or the default,
// compiled.
func (p *Policy) IdentityPolicy() *identity.Policy {
	if p.Placeholder != nil {
		return p.Placeholder
	}
	def := identity.DefaultPolicy
	_ = def.Compile() // the default pattern is constant and compiles
	return &def
}

// PipelineConfig layers the environment and the policy file over
// ingest.DefaultConfig.
func (p *Policy) PipelineConfig(ic IngestConfig) ingest.Config {
	cfg := ingest.DefaultConfig
	cfg.MaxConsecutiveMisses = ic.MaxConsecutiveMisses
	if ic.FetchRetries >= 0 {
		cfg.FetchRetries = ic.FetchRetries
	}
	if ic.StorageRetries >= 0 {
		cfg.StorageRetries = ic.StorageRetries
	}
	if ic.RetryDelay > 0 {
		cfg.RetryDelay = ic.RetryDelay
	}
	if p.Title != nil {
		cfg.Title = *p.Title
	}
	if ic.MinTitleLength > 0 {
		cfg.Title.MinLength = ic.MinTitleLength
	}
	if p.Performers != nil {
		cfg.Performers = *p.Performers
	}
	if p.Tags != nil {
		cfg.Tags = *p.Tags
	}
	return cfg
}

// SourceSpecs returns the declared sources, or a single HTTP source built
// from the environment when none are declared.
func (p *Policy) SourceSpecs(sc SourceConfig) []SourceSpec {
	if len(p.Sources) > 0 {
		return p.Sources
	}
	if sc.BaseURL == "" {
		return nil
	}
	return []SourceSpec{{Name: sc.Name, Kind: SourceKindHTTP, BaseURL: sc.BaseURL}}
}
