package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ResolveURL makes href absolute against base, falling back to pageURL when
// base is empty. Script and fragment-only links resolve to "".
func ResolveURL(base, pageURL, href string) string {
	href = strings.TrimSpace(norm.NFKC.String(href))
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return normalizeURL(ref)
	}

	for _, candidate := range []string{base, pageURL} {
		if candidate == "" {
			continue
		}
		b, err := url.Parse(strings.TrimSpace(candidate))
		if err != nil || !b.IsAbs() {
			continue
		}
		return normalizeURL(b.ResolveReference(ref))
	}
	return ""
}

func normalizeURL(u *url.URL) string {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// NaturalKey derives a stable deduplication key from a URL or provider id.
func NaturalKey(value string) string {
	sum := sha256.Sum256([]byte(norm.NFKC.String(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}
