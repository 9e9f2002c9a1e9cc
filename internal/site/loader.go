package site

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trivalaya/lotscraper/internal/selector"
)

// ErrUnknownSite is returned by Lookup for a name that is not configured.
var ErrUnknownSite = errors.New("unknown site")

type fileSpec struct {
	Sites map[string]siteSpec `yaml:"sites"`
}

type siteSpec struct {
	LotURL           string                 `yaml:"lot_url"`
	Fields           map[string]string      `yaml:"fields"`
	Defaults         map[string]string      `yaml:"defaults"`
	ImageSelector    string                 `yaml:"image_selector"`
	ImageURLTemplate string                 `yaml:"image_url_template"`
	ImageBaseURL     string                 `yaml:"image_base_url"`
	Folder           string                 `yaml:"folder"`
	PriceField       string                 `yaml:"price_field"`
	Currency         string                 `yaml:"currency"`
	CrawlDelay       time.Duration          `yaml:"crawl_delay"`
	Headless         bool                   `yaml:"headless"`
	ReadySelector    string                 `yaml:"ready_selector"`
	Tags             map[string][]string    `yaml:"tags"`
	Patterns         map[string]patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Regex string   `yaml:"regex"`
	From  []string `yaml:"from"`
	All   bool     `yaml:"all"`
	Limit int      `yaml:"limit"`
}

// Registry holds every configured site by name.
type Registry struct {
	sites map[string]*Descriptor
}

// Load reads and compiles the descriptor file at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read site descriptors: %w", err)
	}
	reg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes descriptors strictly: unknown keys, bad selectors and bad templates all fail here.
func Parse(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var spec fileSpec
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode site descriptors: %w", err)
	}
	if len(spec.Sites) == 0 {
		return nil, errors.New("no sites configured")
	}

	reg := &Registry{sites: make(map[string]*Descriptor, len(spec.Sites))}
	var errs []error
	for name, s := range spec.Sites {
		d, err := compile(name, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reg.sites[name] = d
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}
	return d, nil
}

// Names lists configured sites in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compile(name string, s siteSpec) (*Descriptor, error) {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("site %s: %s", name, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("site with empty name")
	}
	if strings.TrimSpace(s.LotURL) == "" {
		return nil, fail("lot_url is required")
	}
	if strings.TrimSpace(s.Folder) == "" {
		return nil, fail("folder is required")
	}
	if len(s.Fields) == 0 {
		return nil, fail("at least one field is required")
	}
	if s.CrawlDelay < 0 {
		return nil, fail("crawl_delay must not be negative")
	}

	d := &Descriptor{
		Name:          name,
		ImageBaseURL:  strings.TrimSpace(s.ImageBaseURL),
		PriceField:    s.PriceField,
		Currency:      s.Currency,
		CrawlDelay:    s.CrawlDelay,
		Headless:      s.Headless,
		ReadySelector: strings.TrimSpace(s.ReadySelector),
		defaults:      make(map[string]string, len(s.Defaults)),
	}
	if d.PriceField == "" {
		d.PriceField = DefaultPriceField
	}
	for k, v := range s.Defaults {
		d.defaults[k] = v
	}

	var err error
	if d.lotURL, err = parseTemplate("lot_url", s.LotURL); err != nil {
		return nil, fail("lot_url: %v", err)
	}
	if d.folder, err = parseTemplate("folder", s.Folder); err != nil {
		return nil, fail("folder: %v", err)
	}
	if strings.TrimSpace(s.ImageURLTemplate) != "" {
		if d.imageURL, err = parseTemplate("image_url_template", s.ImageURLTemplate); err != nil {
			return nil, fail("image_url_template: %v", err)
		}
	}
	if strings.TrimSpace(s.ImageSelector) != "" {
		if d.ImageSelector, err = selector.Compile(s.ImageSelector); err != nil {
			return nil, fail("image_selector: %v", err)
		}
	}

	names := make([]string, 0, len(s.Fields))
	for field := range s.Fields {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		sel, err := selector.Compile(s.Fields[field])
		if err != nil {
			return nil, fail("field %s: %v", field, err)
		}
		d.Fields = append(d.Fields, Field{Name: field, Selector: sel, Default: d.Default(field)})
	}

	tagNames := make([]string, 0, len(s.Tags))
	for tag := range s.Tags {
		tagNames = append(tagNames, tag)
	}
	sort.Strings(tagNames)
	for _, tag := range tagNames {
		var keywords []string
		for _, kw := range s.Tags[tag] {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fail("tag %s has no keywords", tag)
		}
		d.Tags = append(d.Tags, Tag{Name: tag, Keywords: keywords})
	}

	if d.Patterns, err = compilePatterns(d, s.Patterns); err != nil {
		return nil, fail("%v", err)
	}
	return d, nil
}

func compilePatterns(d *Descriptor, specs map[string]patternSpec) ([]Pattern, error) {
	fields := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		fields[f.Name] = true
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	patterns := make([]Pattern, 0, len(names))
	for _, name := range names {
		spec := specs[name]
		switch {
		case strings.TrimSpace(name) == "":
			return nil, errors.New("pattern with empty name")
		case fields[name]:
			return nil, fmt.Errorf("pattern %s shadows a field of the same name", name)
		case strings.TrimSpace(spec.Regex) == "":
			return nil, fmt.Errorf("pattern %s: regex is required", name)
		case spec.Limit < 0:
			return nil, fmt.Errorf("pattern %s: limit must not be negative", name)
		}
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", name, err)
		}
		if re.NumSubexp() > 1 {
			return nil, fmt.Errorf("pattern %s: at most one capture group is allowed", name)
		}
		for _, src := range spec.From {
			if !fields[src] {
				return nil, fmt.Errorf("pattern %s: unknown source field %q", name, src)
			}
		}
		patterns = append(patterns, Pattern{
			Name:    name,
			Regexp:  re,
			From:    spec.From,
			All:     spec.All,
			Limit:   spec.Limit,
			Default: d.Default(name),
		})
	}
	return patterns, nil
}
