package linker

import (
	"strings"
	"unicode/utf8"
)

// PredicateOptions bounds which extracted names are plausible identities.
type PredicateOptions struct {
	MinLen     int      `yaml:"min_len"`
	MaxLen     int      `yaml:"max_len"`
	Exclusions []string `yaml:"exclusions"` // e.g. "unknown", "various"
}

// DefaultPredicateOptions suits performer names.
var DefaultPredicateOptions = PredicateOptions{
	MinLen:     2,
	MaxLen:     40,
	Exclusions: []string{"unknown", "various", "n/a", "none", "---", "他", "素人"},
}

// DefaultPredicate rejects names outside the length bounds, names on the
// exclusion list, and names that are really the product title or contain it.
func DefaultPredicate(opts PredicateOptions, title string) NamePredicate {
	excluded := make(map[string]struct{}, len(opts.Exclusions))
	for _, e := range opts.Exclusions {
		excluded[strings.ToLower(NormalizeName(e))] = struct{}{}
	}
	normTitle := strings.ToLower(NormalizeName(title))

	return func(name string) bool {
		n := utf8.RuneCountInString(name)
		if opts.MinLen > 0 && n < opts.MinLen {
			return false
		}
		if opts.MaxLen > 0 && n > opts.MaxLen {
			return false
		}
		lower := strings.ToLower(name)
		if _, ok := excluded[lower]; ok {
			return false
		}
		if normTitle != "" && strings.Contains(lower, normTitle) {
			return false
		}
		return true
	}
}
