package api

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/noticecomb/notice-comb/app/database"
	"github.com/noticecomb/notice-comb/app/source"
)

// RSSGenerator renders the stored items of one source as an RSS 2.0 channel.
type RSSGenerator struct {
	baseURL string
	version string
	now     func() time.Time
}

func NewRSSGenerator(baseURL, version string) *RSSGenerator {
	return &RSSGenerator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		version: version,
		now:     time.Now,
	}
}

func (g *RSSGenerator) Run(d *source.Descriptor, items []database.Item) (string, error) {
	if d == nil {
		return "", fmt.Errorf("missing source descriptor")
	}

	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	title := cmp.Or(d.Name, d.ID)
	g.writeElement(&buf, "title", title, 4)
	g.writeElement(&buf, "link", cmp.Or(d.BaseURL, d.EntryURL, d.APIEndpoint), 4)
	g.writeElement(&buf, "description", fmt.Sprintf("Notices collected from %s", title), 4)

	buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
		html.EscapeString(g.baseURL+"/feeds/"+d.ID)))

	lastBuildDate := g.now().In(time.Local)
	if len(items) > 0 {
		lastBuildDate = itemDate(items[0])
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("Notice-Comb/%s", g.version), 4)

	for _, item := range items {
		g.writeItem(&buf, item)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *RSSGenerator) writeItem(buf *bytes.Buffer, item database.Item) {
	buf.WriteString("    <item>\n")

	buf.WriteString("      <guid isPermaLink=\"false\">")
	xml.EscapeText(buf, []byte(item.SourceID+":"+item.NaturalKey))
	buf.WriteString("</guid>\n")

	g.writeElement(buf, "title", item.Title, 6)
	g.writeElement(buf, "link", item.URL, 6)

	description := cmp.Or(extraString(item, "digest"), extraString(item, "description"), item.Title)
	g.writeElement(buf, "description", description, 6)

	if content := extraString(item, "content"); content != "" && content != description {
		buf.WriteString("      <content:encoded><![CDATA[")
		buf.WriteString(strings.ReplaceAll(content, "]]>", "]]]]><![CDATA[>"))
		buf.WriteString("]]></content:encoded>\n")
	}

	g.writeElement(buf, "pubDate", itemDate(item).Format(time.RFC1123Z), 6)
	g.writeElement(buf, "author", extraString(item, "author"), 6)

	if categories, ok := item.RawExtra["categories"].([]any); ok {
		for _, category := range categories {
			if s, ok := category.(string); ok {
				g.writeElement(buf, "category", s, 6)
			}
		}
	}

	buf.WriteString("    </item>\n")
}

func (g *RSSGenerator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func itemDate(item database.Item) time.Time {
	if item.PublishedAt != nil {
		return *item.PublishedAt
	}
	return item.FetchedAt
}

func extraString(item database.Item, key string) string {
	s, _ := item.RawExtra[key].(string)
	return s
}
