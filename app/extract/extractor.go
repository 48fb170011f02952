package extract

import (
	"bytes"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	"github.com/noticecomb/notice-comb/app/fetch"
	"github.com/noticecomb/notice-comb/app/source"
)

// Candidate is an item as read from a page, before deduplication.
type Candidate struct {
	NaturalKey  string
	Title       string
	URL         string
	PublishedAt *time.Time
	RawExtra    map[string]any
	Degraded    []string
}

// Extractor turns fetched pages into candidates using descriptor locators.
type Extractor struct {
	now func() time.Time
}

func New() *Extractor {
	return &Extractor{now: time.Now}
}

// NewWithClock is New with a fixed time source for year inference.
func NewWithClock(now func() time.Time) *Extractor {
	return &Extractor{now: now}
}

// Extract yields the candidates of one page in document order. The sequence
// is lazy and can be ranged over once; later iterations yield nothing.
func (e *Extractor) Extract(d *source.Descriptor, page *fetch.Page) iter.Seq[Candidate] {
	var seq iter.Seq[Candidate]
	switch {
	case page == nil:
		seq = func(func(Candidate) bool) {}
	case d.Kind == source.KindFeed && d.Provider == source.ProviderWeChat:
		seq = e.wechat(d, page)
	case d.Kind == source.KindFeed:
		seq = e.rss(d, page)
	case d.Kind == source.KindAPI:
		seq = e.api(d, page)
	default:
		seq = e.html(d, page)
	}
	return once(seq)
}

func once(seq iter.Seq[Candidate]) iter.Seq[Candidate] {
	var used atomic.Bool
	return func(yield func(Candidate) bool) {
		if used.Swap(true) {
			return
		}
		seq(yield)
	}
}

func (e *Extractor) html(d *source.Descriptor, page *fetch.Page) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
		if err != nil {
			slog.Warn("Failed to parse HTML page", "source", d.ID, "url", page.URL, "error", err)
			return
		}

		locators := make(map[string]source.HTMLLocator, len(d.FieldLocators))
		for field, expr := range d.FieldLocators {
			loc, err := source.ParseHTMLLocator(expr)
			if err != nil {
				slog.Warn("Invalid locator", "source", d.ID, "field", field, "error", err)
				return
			}
			locators[field] = loc
		}
		if _, ok := locators[source.FieldURL]; !ok {
			locators[source.FieldURL] = source.HTMLLocator{Attr: "href"}
		}

		container := locators[source.FieldContainer]
		pageURL := page.FinalURL
		if pageURL == "" {
			pageURL = page.URL
		}
		index := 0

		doc.Find(container.Selector).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			index++
			c := Candidate{RawExtra: map[string]any{}}

			c.Title = cleanText(readHTML(node, locators[source.FieldTitle], ""))
			urlLoc := locators[source.FieldURL]
			href := readHTML(node, urlLoc, "href")
			if href == "" && urlLoc.Attr == "" {
				href = readHTML(node, urlLoc, "src")
			}
			c.URL = ResolveURL(d.BaseURL, pageURL, href)

			if c.Title == "" || c.URL == "" {
				slog.Debug("Candidate dropped", "source", d.ID, "url", page.URL, "index", index, "title", c.Title != "", "link", c.URL != "")
				return true
			}

			if loc, ok := locators[source.FieldPublishedAt]; ok {
				raw := readHTML(node, loc, "")
				c.PublishedAt = e.date(d, &c, raw)
			}

			c.NaturalKey = NaturalKey(c.URL)
			if loc, ok := locators[source.FieldKey]; ok {
				if key := cleanText(readHTML(node, loc, "")); key != "" {
					c.NaturalKey = NaturalKey(key)
				}
			}

			for field, loc := range locators {
				if isCoreField(field) {
					continue
				}
				if v := cleanText(readHTML(node, loc, "")); v != "" {
					c.RawExtra[field] = v
				} else {
					c.Degraded = append(c.Degraded, field)
				}
			}

			e.logDegraded(d, &c)
			return yield(c)
		})
	}
}

func readHTML(node *goquery.Selection, loc source.HTMLLocator, defaultAttr string) string {
	target := node
	if loc.Selector != "" {
		target = node.Find(loc.Selector).First()
	}
	if target.Length() == 0 {
		return ""
	}
	attr := loc.Attr
	if attr == "" {
		attr = defaultAttr
	}
	if attr == "" {
		return target.Text()
	}
	v, _ := target.Attr(attr)
	return strings.TrimSpace(v)
}

func (e *Extractor) api(d *source.Descriptor, page *fetch.Page) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		list := gjson.GetBytes(page.Body, d.ListPath())
		if !list.IsArray() {
			slog.Debug("API response has no item list", "source", d.ID, "path", d.ListPath(), "url", page.URL)
			return
		}

		index := 0
		list.ForEach(func(_, item gjson.Result) bool {
			index++
			c := Candidate{RawExtra: map[string]any{}}
			c.Title = cleanText(item.Get(d.Locator(source.FieldTitle)).String())
			c.URL = ResolveURL(d.BaseURL, page.URL, item.Get(d.Locator(source.FieldURL)).String())

			if c.Title == "" || c.URL == "" {
				slog.Debug("Candidate dropped", "source", d.ID, "url", page.URL, "index", index, "title", c.Title != "", "link", c.URL != "")
				return true
			}

			if path := d.Locator(source.FieldPublishedAt); path != "" {
				c.PublishedAt = e.date(d, &c, jsonScalar(item.Get(path)))
			}

			c.NaturalKey = NaturalKey(c.URL)
			if path := d.Locator(source.FieldKey); path != "" {
				if key := jsonScalar(item.Get(path)); key != "" {
					c.NaturalKey = NaturalKey(key)
				}
			}

			for field, path := range d.FieldLocators {
				if isCoreField(field) {
					continue
				}
				if v := item.Get(path); v.Exists() {
					c.RawExtra[field] = v.Value()
				} else {
					c.Degraded = append(c.Degraded, field)
				}
			}

			e.logDegraded(d, &c)
			return yield(c)
		})
	}
}

func jsonScalar(r gjson.Result) string {
	if r.Type == gjson.Number {
		return strconv.FormatInt(r.Int(), 10)
	}
	return strings.TrimSpace(r.String())
}

func (e *Extractor) wechat(d *source.Descriptor, page *fetch.Page) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		loc := d.Location()
		gjson.GetBytes(page.Body, "app_msg_list").ForEach(func(_, msg gjson.Result) bool {
			c := Candidate{
				Title:    cleanText(msg.Get("title").String()),
				URL:      strings.TrimSpace(msg.Get("link").String()),
				RawExtra: map[string]any{"account_key": d.AccountKey},
			}
			aid := msg.Get("aid").String()
			if c.Title == "" || c.URL == "" || aid == "" {
				slog.Debug("Candidate dropped", "source", d.ID, "aid", aid)
				return true
			}
			c.NaturalKey = aid

			ts := msg.Get("update_time").Int()
			if ts == 0 {
				ts = msg.Get("create_time").Int()
			}
			if ts > 0 {
				c.PublishedAt = ptr(time.Unix(ts, 0).In(loc))
			} else {
				c.Degraded = append(c.Degraded, source.FieldPublishedAt)
			}

			for _, key := range []string{"digest", "cover", "author_name"} {
				if v := msg.Get(key).String(); v != "" {
					c.RawExtra[key] = v
				}
			}

			e.logDegraded(d, &c)
			return yield(c)
		})
	}
}

func (e *Extractor) rss(d *source.Descriptor, page *fetch.Page) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(page.Body))
		if err != nil {
			slog.Warn("Failed to parse feed", "source", d.ID, "url", page.URL, "error", err)
			return
		}

		limit := d.BatchSize
		if limit <= 0 {
			limit = source.DefaultBatchSize
		}

		for i, entry := range feed.Items {
			if i >= limit {
				return
			}
			c := Candidate{
				Title:    cleanText(entry.Title),
				URL:      ResolveURL(d.BaseURL, page.URL, entry.Link),
				RawExtra: map[string]any{},
			}
			if c.Title == "" || c.URL == "" {
				slog.Debug("Candidate dropped", "source", d.ID, "index", i)
				continue
			}

			c.NaturalKey = NaturalKey(c.URL)
			if entry.GUID != "" {
				c.NaturalKey = NaturalKey(entry.GUID)
			}

			switch {
			case entry.PublishedParsed != nil:
				c.PublishedAt = entry.PublishedParsed
			case entry.UpdatedParsed != nil:
				c.PublishedAt = entry.UpdatedParsed
			default:
				c.Degraded = append(c.Degraded, source.FieldPublishedAt)
			}

			if entry.Description != "" {
				c.RawExtra["description"] = entry.Description
			}
			if len(entry.Categories) > 0 {
				c.RawExtra["categories"] = entry.Categories
			}
			if entry.Author != nil && entry.Author.Name != "" {
				c.RawExtra["author"] = entry.Author.Name
			}

			e.logDegraded(d, &c)
			if !yield(c) {
				return
			}
		}
	}
}

func (e *Extractor) date(d *source.Descriptor, c *Candidate, raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		c.Degraded = append(c.Degraded, source.FieldPublishedAt)
		return nil
	}
	t := ParseDate(raw, d.Location(), e.now())
	if t == nil {
		c.Degraded = append(c.Degraded, source.FieldPublishedAt)
		c.RawExtra["published_at_raw"] = raw
	}
	return t
}

func (e *Extractor) logDegraded(d *source.Descriptor, c *Candidate) {
	if len(c.Degraded) == 0 {
		return
	}
	slog.Debug("Candidate degraded", "source", d.ID, "url", c.URL, "fields", c.Degraded)
}

func isCoreField(field string) bool {
	switch field {
	case source.FieldContainer, source.FieldTitle, source.FieldURL, source.FieldPublishedAt, source.FieldKey:
		return true
	}
	return false
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}
