package source

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrInvalid        = errors.New("invalid source descriptor")
)

// LoadError describes a descriptor (or a whole file) excluded at load time.
type LoadError struct {
	File     string `json:"file"`
	Index    int    `json:"index"`
	SourceID string `json:"source_id,omitempty"`
	Err      error  `json:"-"`
}

func (e LoadError) Error() string {
	where := e.File
	if e.Index >= 0 {
		where = fmt.Sprintf("%s[%d]", e.File, e.Index)
	}
	if e.SourceID != "" {
		return fmt.Sprintf("%s (%s): %v", where, e.SourceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

type Registry struct {
	sources map[string]*Descriptor
	groups  map[string][]string
	errors  []LoadError
}

func newRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*Descriptor),
		groups:  make(map[string][]string),
	}
}

// NewRegistry validates the given descriptors the same way Load does.
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := newRegistry()
	for i, d := range descriptors {
		r.add(d, "", i)
	}
	return r
}

// Load reads every group file in dir. Only an unreadable directory is an
// error; broken files and invalid descriptors are recorded in Errors().
func Load(dir string) (*Registry, error) {
	r := newRegistry()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.Warn("Sources directory not found", "dir", dir)
		return r, nil
	}

	var files []string
	for _, pattern := range []string{"*.yml", "*.yaml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to list source files: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	for _, file := range files {
		r.loadFile(file)
	}

	slog.Debug("Source registry loaded", "dir", dir, "files", len(files), "sources", len(r.sources), "errors", len(r.errors))

	return r, nil
}

func (r *Registry) loadFile(file string) {
	name := filepath.Base(file)
	group := strings.TrimSuffix(name, filepath.Ext(name))

	data, err := os.ReadFile(file)
	if err != nil {
		r.fail(LoadError{File: name, Index: -1, Err: fmt.Errorf("failed to read file: %w", err)})
		return
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		r.fail(LoadError{File: name, Index: -1, Err: fmt.Errorf("failed to parse file: %w", err)})
		return
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return
	}
	doc := root.Content[0]

	var defaults *Descriptor
	var items []*yaml.Node

	switch doc.Kind {
	case yaml.SequenceNode:
		items = doc.Content
	case yaml.MappingNode:
		var gf struct {
			Group    string      `yaml:"group"`
			Defaults yaml.Node   `yaml:"defaults"`
			Sources  []yaml.Node `yaml:"sources"`
		}
		if err := doc.Decode(&gf); err != nil {
			r.fail(LoadError{File: name, Index: -1, Err: fmt.Errorf("failed to decode group: %w", err)})
			return
		}
		if gf.Group != "" {
			group = gf.Group
		}
		if gf.Defaults.Kind == yaml.MappingNode {
			defaults, err = decodeDescriptor(&gf.Defaults)
			if err != nil {
				r.fail(LoadError{File: name, Index: -1, Err: fmt.Errorf("invalid defaults: %w", err)})
				return
			}
		}
		for i := range gf.Sources {
			items = append(items, &gf.Sources[i])
		}
	default:
		r.fail(LoadError{File: name, Index: -1, Err: errors.New("expected a group mapping or a list of sources")})
		return
	}

	for i, node := range items {
		d, err := decodeDescriptor(node)
		if err != nil {
			r.fail(LoadError{File: name, Index: i, Err: fmt.Errorf("%w: %v", ErrInvalid, err)})
			continue
		}
		if defaults != nil {
			mergeDefaults(d, defaults)
		}
		d.Group = group
		d.File = name
		r.add(d, name, i)
	}
}

func (r *Registry) add(d *Descriptor, file string, index int) {
	normalize(d)

	if err := Validate(d); err != nil {
		r.fail(LoadError{File: file, Index: index, SourceID: d.ID, Err: err})
		return
	}
	if _, exists := r.sources[d.ID]; exists {
		r.fail(LoadError{File: file, Index: index, SourceID: d.ID, Err: fmt.Errorf("%w: duplicate id %q", ErrInvalid, d.ID)})
		return
	}

	r.sources[d.ID] = d
	if d.Group != "" {
		r.groups[d.Group] = append(r.groups[d.Group], d.ID)
	}
}

func (r *Registry) fail(e LoadError) {
	slog.Warn("Source descriptor excluded", "file", e.File, "index", e.Index, "source", e.SourceID, "error", e.Err)
	r.errors = append(r.errors, e)
}

// List returns all valid descriptors ordered by id.
func (r *Registry) List() []*Descriptor {
	list := make([]*Descriptor, 0, len(r.sources))
	for _, d := range r.sources {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return d, nil
}

func (r *Registry) Count() int {
	return len(r.sources)
}

func (r *Registry) Errors() []LoadError {
	return slices.Clone(r.errors)
}

func (r *Registry) Groups() map[string][]string {
	groups := make(map[string][]string, len(r.groups))
	for name, ids := range r.groups {
		sorted := slices.Clone(ids)
		sort.Strings(sorted)
		groups[name] = sorted
	}
	return groups
}

// Expand resolves a mix of source ids and group names into source ids.
// Unknown names are kept so that queries for them return nothing.
func (r *Registry) Expand(names []string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, name := range names {
		members := []string{name}
		if _, isSource := r.sources[name]; !isSource {
			if g, isGroup := r.groups[name]; isGroup {
				members = g
			}
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// legacyFields are the key names used by older source files.
type legacyFields struct {
	Type      string            `yaml:"type"`
	ListURL   string            `yaml:"list_url"`
	URL       string            `yaml:"url"`
	APIURL    string            `yaml:"api_url"`
	Headers   map[string]string `yaml:"headers"`
	Payload   map[string]string `yaml:"payload"`
	Selectors map[string]string `yaml:"selectors"`
	Biz       string            `yaml:"biz"`
	Count     int               `yaml:"count"`
}

var legacySelectorNames = map[string]string{
	"item_container": FieldContainer,
	"list":           FieldContainer,
	"date":           FieldPublishedAt,
	"link":           FieldURL,
}

func decodeDescriptor(node *yaml.Node) (*Descriptor, error) {
	var d Descriptor
	if err := node.Decode(&d); err != nil {
		return nil, err
	}

	var legacy legacyFields
	if err := node.Decode(&legacy); err != nil {
		return nil, err
	}

	if d.Kind == "" {
		d.Kind = Kind(legacy.Type)
	}
	d.EntryURL = firstNonEmpty(d.EntryURL, legacy.ListURL, legacy.URL)
	d.APIEndpoint = firstNonEmpty(d.APIEndpoint, legacy.APIURL)
	d.AccountKey = firstNonEmpty(d.AccountKey, legacy.Biz)
	if d.BatchSize == 0 {
		d.BatchSize = legacy.Count
	}
	if d.Headers == nil {
		d.Headers = legacy.Headers
	}
	if d.Payload == nil {
		d.Payload = legacy.Payload
	}
	if d.FieldLocators == nil && legacy.Selectors != nil {
		d.FieldLocators = make(map[string]string, len(legacy.Selectors))
		for k, v := range legacy.Selectors {
			if renamed, ok := legacySelectorNames[k]; ok {
				k = renamed
			}
			d.FieldLocators[k] = v
		}
	}

	if legacy.Biz != "" || (d.Kind == "" && d.AccountKey != "") {
		if d.Kind == "" {
			d.Kind = KindFeed
		}
		if d.Provider == "" {
			d.Provider = ProviderWeChat
		}
	}

	return &d, nil
}

func mergeDefaults(d, defaults *Descriptor) {
	if d.Kind == "" {
		d.Kind = defaults.Kind
	}
	d.BaseURL = firstNonEmpty(d.BaseURL, defaults.BaseURL)
	if d.PaginationMode == "" {
		d.PaginationMode = defaults.PaginationMode
	}
	d.APIEndpoint = firstNonEmpty(d.APIEndpoint, defaults.APIEndpoint)
	d.Headers = mergeMap(defaults.Headers, d.Headers)
	d.Payload = mergeMap(defaults.Payload, d.Payload)
	if d.MaxPages == 0 {
		d.MaxPages = defaults.MaxPages
	}
	if d.FieldLocators == nil {
		d.FieldLocators = mergeMap(defaults.FieldLocators, nil)
	}
	if d.DetailFieldLocators == nil {
		d.DetailFieldLocators = mergeMap(defaults.DetailFieldLocators, nil)
	}
	if d.BatchSize == 0 {
		d.BatchSize = defaults.BatchSize
	}
	if d.Provider == "" {
		d.Provider = defaults.Provider
	}
	if d.Pagination == (Pagination{}) {
		d.Pagination = defaults.Pagination
	}
	if d.Request == (Request{}) {
		d.Request = defaults.Request
	}
	if d.Render == (Render{}) {
		d.Render = defaults.Render
	}
	if d.PageDelay.Duration == 0 {
		d.PageDelay = defaults.PageDelay
	}
	if d.RateLimit == (RateLimit{}) {
		d.RateLimit = defaults.RateLimit
	}
	if d.Interval.Duration == 0 && d.Schedule == "" {
		d.Interval = defaults.Interval
		d.Schedule = defaults.Schedule
	}
	if d.Enabled == nil {
		d.Enabled = defaults.Enabled
	}
	if !d.ExtractContent {
		d.ExtractContent = defaults.ExtractContent
	}
	d.Timezone = firstNonEmpty(d.Timezone, defaults.Timezone)
}

func normalize(d *Descriptor) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" && d.Kind == KindFeed && d.Provider == ProviderWeChat && d.AccountKey != "" {
		d.ID = "wechat_" + d.AccountKey
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.PaginationMode == "" {
		d.PaginationMode = PaginationNone
	}
	if d.MaxPages == 0 {
		d.MaxPages = DefaultMaxPages
	}
	if d.Kind == KindFeed {
		if d.BatchSize == 0 {
			d.BatchSize = DefaultBatchSize
		}
		if d.Provider == "" {
			d.Provider = ProviderRSS
			if d.AccountKey != "" {
				d.Provider = ProviderWeChat
			}
		}
	}
	if d.Kind == KindAPI {
		if d.Request.Method == "" {
			d.Request.Method = "POST"
		}
		if d.Request.Encoding == "" {
			d.Request.Encoding = EncodingForm
		}
	}
	d.Request.Method = strings.ToUpper(d.Request.Method)
	if d.Pagination.PageParam == "" {
		d.Pagination.PageParam = DefaultPageParam
		if d.Kind == KindAPI {
			d.Pagination.PageParam = DefaultAPIPageParam
		}
	}
	if d.Pagination.PathPattern == "" && d.PaginationMode == PaginationHTML {
		d.Pagination.PathPattern = DefaultPathPattern
	}
}

// Validate checks a normalized descriptor, including locator syntax.
func Validate(d *Descriptor) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if d.ID == "" {
		return invalid("id is required")
	}

	switch d.Kind {
	case KindAPI, KindHTML, KindFeed:
	default:
		return invalid("unknown kind %q", d.Kind)
	}

	switch d.PaginationMode {
	case PaginationNone, PaginationAPI, PaginationHTML:
	default:
		return invalid("unknown pagination_mode %q", d.PaginationMode)
	}

	if (d.PaginationMode == PaginationAPI || d.Kind == KindAPI) && d.APIEndpoint == "" {
		return invalid("api_endpoint is required for api sources")
	}
	if d.Kind == KindHTML && d.EntryURL == "" {
		return invalid("entry_url is required for html sources")
	}
	if d.MaxPages < 1 {
		return invalid("max_pages must be at least 1")
	}

	if d.Kind == KindFeed {
		if d.BatchSize < 1 {
			return invalid("batch_size must be at least 1")
		}
		switch d.Provider {
		case ProviderWeChat:
			if d.AccountKey == "" {
				return invalid("account_key is required for wechat feeds")
			}
		case ProviderRSS:
			if d.EntryURL == "" {
				return invalid("entry_url is required for rss feeds")
			}
		default:
			return invalid("unknown provider %q", d.Provider)
		}
	} else {
		for _, field := range []string{FieldContainer, FieldTitle, FieldURL} {
			if expr, ok := d.FieldLocators[field]; !ok || strings.TrimSpace(expr) == "" {
				return invalid("field_locators.%s is required", field)
			}
		}
	}

	for field, expr := range d.FieldLocators {
		var err error
		if d.Kind == KindHTML {
			_, err = ParseHTMLLocator(expr)
		} else if expr != "" {
			err = ValidateJSONPath(expr)
		}
		if err != nil {
			return invalid("field_locators.%s: %v", field, err)
		}
	}
	for field, expr := range d.DetailFieldLocators {
		if _, err := ParseHTMLLocator(expr); err != nil {
			return invalid("detail_field_locators.%s: %v", field, err)
		}
	}

	if d.Request.ListPath != "" {
		if err := ValidateJSONPath(d.Request.ListPath); err != nil {
			return invalid("request.list_path: %v", err)
		}
	}
	if d.Kind == KindAPI {
		switch d.Request.Encoding {
		case EncodingForm, EncodingFormBase64, EncodingJSON:
		default:
			return invalid("unknown request encoding %q", d.Request.Encoding)
		}
		if d.Request.Method != "GET" && d.Request.Method != "POST" {
			return invalid("request method must be GET or POST")
		}
	}

	if d.Pagination.PathPattern != "" {
		re, err := regexp.Compile(d.Pagination.PathPattern)
		if err != nil {
			return invalid("pagination.path_pattern: %v", err)
		}
		if re.NumSubexp() != 1 {
			return invalid("pagination.path_pattern must have exactly one capture group")
		}
	}

	if d.Render.Enabled && d.Kind != KindHTML {
		return invalid("render is only supported for html sources")
	}
	if d.Interval.Duration < 0 || d.PageDelay.Duration < 0 {
		return invalid("durations must be non-negative")
	}
	if d.Interval.Duration > 0 && d.Schedule != "" {
		return invalid("interval and schedule are mutually exclusive")
	}
	if d.Schedule != "" {
		if _, err := cron.ParseStandard(d.Schedule); err != nil {
			return invalid("schedule: %v", err)
		}
	}
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return invalid("timezone: %v", err)
		}
	}

	return nil
}

// CronSchedule returns the descriptor's schedule, falling back to a fixed
// interval when neither interval nor schedule is set.
func (d *Descriptor) CronSchedule(fallback time.Duration) (cron.Schedule, error) {
	if d.Schedule != "" {
		return cron.ParseStandard(d.Schedule)
	}
	interval := d.Interval.Duration
	if interval <= 0 {
		interval = fallback
	}
	if interval <= 0 {
		return nil, fmt.Errorf("source %s has no schedule", d.ID)
	}
	return cron.Every(interval), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func mergeMap(base, override map[string]string) map[string]string {
	if base == nil && override == nil {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
