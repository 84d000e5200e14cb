package identity

import (
	"fmt"
	"regexp"
	"strings"

	"catalog-ingest-service/internal/linker"
)

// Class is the verdict of the placeholder policy on one name.
type Class int

const (
	ClassNone        Class = iota // a real identity as far as the policy can tell
	ClassPlaceholder              // free text + numeric qualifier + category word
	ClassBorderline               // qualifier shape without a category word, needs review
)

func (c Class) String() string {
	switch c {
	case ClassPlaceholder:
		return "placeholder"
	case ClassBorderline:
		return "borderline"
	}
	return "none"
}

// Policy describes what a placeholder name looks like. Pattern must have
// four groups: free text, number, optional qualifier suffix and trailing text.
type Policy struct {
	Pattern       string   `yaml:"pattern"`
	CategoryWords []string `yaml:"category_words"`
	MaxQualifier  int      `yaml:"max_qualifier"` // numbers above this are not age-like qualifiers

	re    *regexp.Regexp
	words []string
}

// DefaultPolicy matches names like "Yui 22 office worker" or "ゆい 22歳 OL".
var DefaultPolicy = Policy{
	Pattern: `^(.*?)\s*([0-9]{1,3})\s*(歳|才|yo|y/o)?\s*(.*)$`,
	CategoryWords: []string{
		"student", "office worker", "nurse", "housewife", "amateur", "teacher",
		"学生", "女子大生", "OL", "看護師", "主婦", "人妻", "素人", "教師",
	},
	MaxQualifier: 99,
}

// Compile validates the policy and prepares it for Classify.
func (p *Policy) Compile() error {
	if p.Pattern == "" {
		p.Pattern = DefaultPolicy.Pattern
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("identity: invalid placeholder pattern: %w", err)
	}
	if re.NumSubexp() != 4 {
		return fmt.Errorf("identity: placeholder pattern needs 4 groups, has %d", re.NumSubexp())
	}
	if p.MaxQualifier <= 0 {
		p.MaxQualifier = DefaultPolicy.MaxQualifier
	}
	words := make([]string, 0, len(p.CategoryWords))
	for _, w := range p.CategoryWords {
		if w = strings.ToLower(linker.NormalizeName(w)); w != "" {
			words = append(words, w)
		}
	}
	p.re = re
	p.words = words
	return nil
}

// Classify reports whether name is a placeholder identity. It only reads the
// policy, so a compiled policy can be shared; an uncompiled one matches
// nothing.
func (p *Policy) Classify(name string) Class {
	if p.re == nil {
		return ClassNone
	}
	name = linker.NormalizeName(name)
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return ClassNone
	}
	text, number, suffix, rest := m[1], m[2], m[3], m[4]
	if n := atoi(number); n == 0 || n > p.MaxQualifier {
		return ClassNone
	}
	if p.hasCategoryWord(text) || p.hasCategoryWord(rest) {
		return ClassPlaceholder
	}
	if suffix != "" {
		return ClassBorderline
	}
	return ClassNone
}

// hasCategoryWord matches ASCII words on word boundaries and other scripts,
// which have no spaces between words, as substrings.
func (p *Policy) hasCategoryWord(s string) bool {
	s = strings.ToLower(s)
	if s == "" {
		return false
	}
	padded := " " + strings.Join(strings.FieldsFunc(s, isSeparator), " ") + " "
	for _, w := range p.words {
		if isASCII(w) {
			if strings.Contains(padded, " "+w+" ") {
				return true
			}
			continue
		}
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return r == ' ' || r == '/' || r == '-' || r == '_' || r == '(' || r == ')' || r == ','
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

var externalIDCode = regexp.MustCompile(`^(?:h_\d+)?\d*([a-z]{2,8})0*(\d{1,6})[a-z]?$`)

// DeriveBusinessCode turns a marketplace item key such as "abc00123" or
// "118abc00123" into its catalog code "ABC-123". It returns "" when the key
// has no recognizable code.
func DeriveBusinessCode(externalID string) string {
	m := externalIDCode.FindStringSubmatch(strings.ToLower(strings.TrimSpace(externalID)))
	if m == nil {
		return ""
	}
	digits := m[2]
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return strings.ToUpper(m[1]) + "-" + digits
}
