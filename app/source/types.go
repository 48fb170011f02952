package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindAPI  Kind = "api"
	KindHTML Kind = "html"
	KindFeed Kind = "feed"
)

type PaginationMode string

const (
	PaginationNone PaginationMode = "none"
	PaginationAPI  PaginationMode = "api"
	PaginationHTML PaginationMode = "html"
)

type Provider string

const (
	ProviderWeChat Provider = "wechat"
	ProviderRSS    Provider = "rss"
)

type Encoding string

const (
	EncodingForm       Encoding = "form"
	EncodingFormBase64 Encoding = "form_base64"
	EncodingJSON       Encoding = "json"
)

const (
	DefaultMaxPages     = 1
	DefaultBatchSize    = 5
	DefaultPathPattern  = `(?i)list(\d+)\.htm$`
	DefaultPageParam    = "page"
	DefaultAPIPageParam = "pageno"
	DefaultAPIListPath  = "infolist"
	PageToken           = "{page}"
)

// Logical field names used in field_locators.
const (
	FieldContainer   = "container"
	FieldTitle       = "title"
	FieldURL         = "url"
	FieldPublishedAt = "published_at"
	FieldKey         = "key"
	FieldContent     = "content"
)

// Descriptor is the declarative definition of one crawl target.
type Descriptor struct {
	ID                  string            `yaml:"id" json:"id"`
	Name                string            `yaml:"name" json:"name"`
	Kind                Kind              `yaml:"kind" json:"kind"`
	BaseURL             string            `yaml:"base_url" json:"base_url,omitempty"`
	EntryURL            string            `yaml:"entry_url" json:"entry_url,omitempty"`
	PaginationMode      PaginationMode    `yaml:"pagination_mode" json:"pagination_mode"`
	APIEndpoint         string            `yaml:"api_endpoint" json:"api_endpoint,omitempty"`
	Headers             map[string]string `yaml:"request_headers" json:"request_headers,omitempty"`
	Payload             map[string]string `yaml:"request_payload_template" json:"request_payload_template,omitempty"`
	MaxPages            int               `yaml:"max_pages" json:"max_pages"`
	FieldLocators       map[string]string `yaml:"field_locators" json:"field_locators,omitempty"`
	DetailFieldLocators map[string]string `yaml:"detail_field_locators" json:"detail_field_locators,omitempty"`
	AccountKey          string            `yaml:"account_key" json:"account_key,omitempty"`
	BatchSize           int               `yaml:"batch_size" json:"batch_size,omitempty"`

	Provider       Provider   `yaml:"provider" json:"provider,omitempty"`
	Pagination     Pagination `yaml:"pagination" json:"pagination"`
	Request        Request    `yaml:"request" json:"request"`
	Render         Render     `yaml:"render" json:"render"`
	PageDelay      Duration   `yaml:"page_delay" json:"page_delay"`
	RateLimit      RateLimit  `yaml:"rate_limit" json:"rate_limit"`
	Interval       Duration   `yaml:"interval" json:"interval"`
	Schedule       string     `yaml:"schedule" json:"schedule,omitempty"`
	Enabled        *bool      `yaml:"enabled" json:"enabled,omitempty"`
	ExtractContent bool       `yaml:"extract_content" json:"extract_content"`
	Timezone       string     `yaml:"timezone" json:"timezone,omitempty"`

	Group string `yaml:"-" json:"group,omitempty"`
	File  string `yaml:"-" json:"file,omitempty"`
}

type Pagination struct {
	PageParam   string `yaml:"page_param" json:"page_param,omitempty"`
	PathPattern string `yaml:"path_pattern" json:"path_pattern,omitempty"`
	FirstPage   int    `yaml:"first_page" json:"first_page,omitempty"`
	StartIndex  *int   `yaml:"start_index" json:"start_index,omitempty"`
}

type Request struct {
	Method   string   `yaml:"method" json:"method,omitempty"`
	Encoding Encoding `yaml:"encoding" json:"encoding,omitempty"`
	ListPath string   `yaml:"list_path" json:"list_path,omitempty"`
}

type Render struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	WaitSelector string   `yaml:"wait_selector" json:"wait_selector,omitempty"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
}

type RateLimit struct {
	Requests int      `yaml:"requests" json:"requests,omitempty"`
	Window   Duration `yaml:"window" json:"window"`
}

// IsEnabled reports whether the descriptor is scheduled; absent means enabled.
func (d *Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (d *Descriptor) Locator(field string) string {
	return strings.TrimSpace(d.FieldLocators[field])
}

func (d *Descriptor) HasDetail() bool {
	return len(d.DetailFieldLocators) > 0 || d.ExtractContent
}

// FirstCursor is the cursor of the first listing page.
func (d *Descriptor) FirstCursor() int {
	if d.Pagination.StartIndex != nil {
		return *d.Pagination.StartIndex
	}
	if d.Pagination.FirstPage > 0 {
		return d.Pagination.FirstPage
	}
	return 1
}

// ListPath is the JSON path of the item array in an API response.
func (d *Descriptor) ListPath() string {
	if p := strings.TrimSpace(d.Request.ListPath); p != "" {
		return p
	}
	if p := d.Locator(FieldContainer); p != "" {
		return p
	}
	return DefaultAPIListPath
}

func (d *Descriptor) Location() *time.Location {
	if d.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.Kind)
}

// Duration accepts "90s"-style strings or bare numbers of seconds.
type Duration struct {
	time.Duration
}

func DurationOf(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
