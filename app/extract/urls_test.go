package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name, base, page, href, want string
	}{
		{"absolute", "https://a.edu/", "", "https://b.org/x.htm", "https://b.org/x.htm"},
		{"host case", "", "", "HTTPS://B.ORG/x.htm#top", "https://b.org/x.htm"},
		{"protocol relative", "https://a.edu/", "", "//cdn.a.edu/f.htm", "https://cdn.a.edu/f.htm"},
		{"root relative", "https://a.edu/news/", "", "/info/1.htm", "https://a.edu/info/1.htm"},
		{"path relative", "https://a.edu/news/", "", "info/1.htm", "https://a.edu/news/info/1.htm"},
		{"dot segments", "https://a.edu/news/list.htm", "", "../info/1.htm", "https://a.edu/info/1.htm"},
		{"page fallback", "", "https://a.edu/news/list2.htm", "3.htm", "https://a.edu/news/3.htm"},
		{"no base", "", "", "info/1.htm", ""},
		{"script", "https://a.edu/", "", "javascript:void(0)", ""},
		{"fragment", "https://a.edu/", "", "#", ""},
		{"empty", "https://a.edu/", "", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveURL(tt.base, tt.page, tt.href))
		})
	}
}

func TestNaturalKey(t *testing.T) {
	a := NaturalKey("https://a.edu/info/1.htm")
	assert.Len(t, a, 64)
	assert.Equal(t, a, NaturalKey("  https://a.edu/info/1.htm "))
	assert.NotEqual(t, a, NaturalKey("https://a.edu/info/2.htm"))
}
