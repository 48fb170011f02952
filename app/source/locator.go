package source

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
)

var attrNamePattern = regexp.MustCompile(`^[A-Za-z_:][-A-Za-z0-9_:.]*$`)

// HTMLLocator is a CSS selector with an optional attribute to read instead of
// the element text. "a.title@href" reads href of the first match; "@href"
// reads the attribute of the container itself; an empty selector means the
// container element.
type HTMLLocator struct {
	Selector string
	Attr     string
}

func ParseHTMLLocator(expr string) (HTMLLocator, error) {
	expr = strings.TrimSpace(expr)
	var loc HTMLLocator

	if i := strings.LastIndex(expr, "@"); i >= 0 {
		attr := strings.TrimSpace(expr[i+1:])
		if attrNamePattern.MatchString(attr) {
			loc.Attr = attr
			expr = strings.TrimSpace(expr[:i])
		}
	}
	loc.Selector = expr

	if loc.Selector != "" {
		if _, err := cascadia.Compile(loc.Selector); err != nil {
			return HTMLLocator{}, fmt.Errorf("invalid selector %q: %w", loc.Selector, err)
		}
	}
	return loc, nil
}

// ValidateJSONPath performs a syntax check compatible with gjson paths.
func ValidateJSONPath(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("empty path")
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return fmt.Errorf("path %q has an empty segment", path)
	}

	depth := map[rune]int{}
	pairs := map[rune]rune{']': '[', '}': '{', ')': '('}
	escaped := false
	prev := rune(0)
	for _, r := range path {
		if escaped {
			escaped = false
			prev = r
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '.':
			if prev == '.' {
				return fmt.Errorf("path %q has an empty segment", path)
			}
		case '[', '{', '(':
			depth[r]++
		case ']', '}', ')':
			open := pairs[r]
			depth[open]--
			if depth[open] < 0 {
				return fmt.Errorf("path %q has unbalanced %q", path, r)
			}
		}
		prev = r
	}
	for open, n := range depth {
		if n != 0 {
			return fmt.Errorf("path %q has unbalanced %q", path, open)
		}
	}
	return nil
}
