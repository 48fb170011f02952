package extract

import (
	"bytes"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/noticecomb/notice-comb/app/fetch"
	"github.com/noticecomb/notice-comb/app/source"
)

var attachmentExts = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Detail holds the fields read from an item's own page.
type Detail struct {
	Fields   map[string]any
	Degraded []string
}

// ExtractDetail reads detail_field_locators from a detail page. A "container"
// locator scopes the other fields and the attachment scan.
func (e *Extractor) ExtractDetail(d *source.Descriptor, page *fetch.Page) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, err
	}

	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}

	detail := &Detail{Fields: map[string]any{}}
	scope := doc.Selection
	if expr := strings.TrimSpace(d.DetailFieldLocators[source.FieldContainer]); expr != "" {
		if loc, err := source.ParseHTMLLocator(expr); err == nil {
			if found := doc.Find(loc.Selector).First(); found.Length() > 0 {
				scope = found
			} else {
				detail.Degraded = append(detail.Degraded, source.FieldContainer)
			}
		}
	}

	for field, expr := range d.DetailFieldLocators {
		if field == source.FieldContainer {
			continue
		}
		loc, err := source.ParseHTMLLocator(expr)
		if err != nil {
			detail.Degraded = append(detail.Degraded, field)
			continue
		}

		var value string
		if field == source.FieldContent && loc.Attr == "" {
			value = paragraphs(scope, loc.Selector)
		} else {
			value = cleanText(readHTML(scope, loc, ""))
		}
		if value == "" {
			detail.Degraded = append(detail.Degraded, field)
			continue
		}
		if field == source.FieldPublishedAt {
			if t := ParseDate(value, d.Location(), e.now()); t != nil {
				detail.Fields[field] = *t
				continue
			}
		}
		detail.Fields[field] = value
	}

	if _, ok := detail.Fields[source.FieldContent]; !ok && d.ExtractContent {
		if text := readable(page.Body, pageURL); text != "" {
			detail.Fields[source.FieldContent] = text
		} else {
			detail.Degraded = append(detail.Degraded, source.FieldContent)
		}
	}

	if attachments := collectAttachments(scope, d.BaseURL, pageURL); len(attachments) > 0 {
		detail.Fields["attachments"] = attachments
	}

	if len(detail.Degraded) > 0 {
		slog.Debug("Detail page degraded", "source", d.ID, "url", page.URL, "fields", detail.Degraded)
	}
	return detail, nil
}

func paragraphs(scope *goquery.Selection, selector string) string {
	target := scope
	if selector != "" {
		target = scope.Find(selector)
	}
	if target.Length() == 0 {
		return ""
	}

	var parts []string
	target.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := cleanText(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return cleanText(target.Text())
	}
	return strings.Join(parts, "\n")
}

func readable(body []byte, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

func collectAttachments(scope *goquery.Selection, base, pageURL string) []Attachment {
	var out []Attachment
	seen := map[string]bool{}
	scope.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := ResolveURL(base, pageURL, href)
		if abs == "" || seen[abs] {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || !attachmentExts[strings.ToLower(path.Ext(u.Path))] {
			return
		}
		seen[abs] = true
		name := cleanText(a.Text())
		if name == "" {
			name = path.Base(u.Path)
		}
		out = append(out, Attachment{Name: name, URL: abs})
	})
	return out
}
