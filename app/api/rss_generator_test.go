package api

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
)

func TestRSSGeneratorRun(t *testing.T) {
	g := NewRSSGenerator("https://comb.example.com/", "1.2.3")
	d := &source.Descriptor{ID: "jwc", Name: "Academic Affairs", BaseURL: "https://jwc.example.edu"}

	published := time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC)
	items := []database.Item{
		{
			SourceID:    "jwc",
			NaturalKey:  "k1",
			Title:       "Exams & grades",
			URL:         "https://jwc.example.edu/a.htm",
			PublishedAt: &published,
			RawExtra: map[string]any{
				"content":    "Full text ]]> here",
				"categories": []any{"notice", "exam"},
			},
		},
		{
			SourceID:   "jwc",
			NaturalKey: "k2",
			Title:      "Undated",
			URL:        "https://jwc.example.edu/b.htm",
			FetchedAt:  time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
		},
	}

	rss, err := g.Run(d, items)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rss, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, rss, "<title>Academic Affairs</title>")
	assert.Contains(t, rss, "<link>https://jwc.example.edu</link>")
	assert.Contains(t, rss, `href="https://comb.example.com/feeds/jwc"`)
	assert.Contains(t, rss, "<generator>Notice-Comb/1.2.3</generator>")
	assert.Contains(t, rss, `<guid isPermaLink="false">jwc:k1</guid>`)
	assert.Contains(t, rss, "<title>Exams &amp; grades</title>")
	assert.Contains(t, rss, "<pubDate>"+published.Format(time.RFC1123Z)+"</pubDate>")
	assert.Contains(t, rss, "<category>exam</category>")
	assert.Contains(t, rss, "Full text ]]]]><![CDATA[> here")
	assert.Contains(t, rss, "<pubDate>"+items[1].FetchedAt.Format(time.RFC1123Z)+"</pubDate>")
	assert.Equal(t, 2, strings.Count(rss, "<item>"))
}

func TestRSSGeneratorEmpty(t *testing.T) {
	g := NewRSSGenerator("", "dev")
	rss, err := g.Run(&source.Descriptor{ID: "empty"}, nil)
	require.NoError(t, err)
	assert.Contains(t, rss, "<title>empty</title>")
	assert.NotContains(t, rss, "<item>")

	_, err = g.Run(nil, nil)
	assert.Error(t, err)
}
