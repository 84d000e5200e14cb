package ingest

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	errEmptyTitle       = errors.New("empty title")
	errPlaceholderTitle = errors.New("placeholder title")
	errNotFoundPage     = errors.New("title matches a not-found or redirect page")
	errShortTitle       = errors.New("title too short")
)

// TitleRules are the source-independent plausibility checks on a parsed title.
type TitleRules struct {
	MinLength          int      `yaml:"min_length"`
	Placeholders       []string `yaml:"placeholders"`         // whole-title matches
	NotFoundSignatures []string `yaml:"not_found_signatures"` // substring matches
}

var DefaultTitleRules = TitleRules{
	MinLength:    3,
	Placeholders: []string{"untitled", "no title", "title", "-", "n/a", "null", "undefined", "タイトルなし"},
	NotFoundSignatures: []string{
		"404 not found", "page not found", "not found", "お探しのページ", "ページが見つかりません",
		"redirecting", "リダイレクト", "access denied", "age verification", "年齢認証",
	},
}

// Check returns nil when title is usable.
func (r TitleRules) Check(title string) error {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return errEmptyTitle
	}
	for _, p := range r.Placeholders {
		if t == strings.ToLower(p) {
			return errPlaceholderTitle
		}
	}
	for _, sig := range r.NotFoundSignatures {
		if strings.Contains(t, strings.ToLower(sig)) {
			return fmt.Errorf("%w: %q", errNotFoundPage, sig)
		}
	}
	if r.MinLength > 0 && utf8.RuneCountInString(t) < r.MinLength {
		return errShortTitle
	}
	return nil
}
