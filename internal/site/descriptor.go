// Package site holds the typed, validated per-auction-house descriptors that drive extraction.
package site

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/selector"
)

const (
	// MissingValue is stored for a field whose selector missed and that has no configured default.
	MissingValue = "N/A"
	// DefaultPriceField names the field that gets numeric normalization when price_field is unset.
	DefaultPriceField = "current_bid"

	closingDateKey = "closing_date"
)

// Field is one named selector and the value used when it matches nothing.
type Field struct {
	Name     string
	Selector *selector.Selector
	Default  string
}

// Tag assigns Name to a record whose field values mention any of Keywords.
type Tag struct {
	Name     string
	Keywords []string
}

// Pattern derives a field from the text of already extracted fields, for values such as weights or
// catalogue references that no selector isolates.
type Pattern struct {
	Name   string
	Regexp *regexp.Regexp
	// From lists the source fields in order; empty means every selector field.
	From []string
	// All collects every match instead of the first. Limit caps the count when positive.
	All     bool
	Limit   int
	Default string
}

// Match returns the first capture group of the match, or the whole match when the expression has no group.
// With All set, every match is returned joined by ", ".
func (p Pattern) Match(text string) (string, bool) {
	n := 1
	if p.All {
		n = -1
	}
	found := p.Regexp.FindAllStringSubmatch(text, n)
	if len(found) == 0 {
		return "", false
	}
	if p.Limit > 0 && len(found) > p.Limit {
		found = found[:p.Limit]
	}
	values := make([]string, 0, len(found))
	for _, m := range found {
		v := m[0]
		if len(m) > 1 {
			v = m[1]
		}
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// Descriptor is the immutable, compiled form of one site's configuration.
type Descriptor struct {
	Name          string
	Fields        []Field
	ImageSelector *selector.Selector
	ImageBaseURL  string
	PriceField    string
	Currency      string
	CrawlDelay    time.Duration
	Headless      bool
	// ReadySelector is the CSS selector headless rendering waits for; empty waits for body.
	ReadySelector string
	Tags          []Tag
	Patterns      []Pattern

	lotURL   *template.Template
	imageURL *template.Template
	folder   *template.Template
	defaults map[string]string
}

// templateData is what lot_url, image_url_template and folder templates see.
type templateData struct {
	Site        string
	SaleID      string
	Lot         int
	ClosingDate string
}

func dataFor(c lot.Coordinates) templateData {
	return templateData{Site: c.Site, SaleID: c.SaleID, Lot: c.Lot, ClosingDate: c.ClosingDate}
}

var funcs = template.FuncMap{
	"pad": func(width, n int) string { return fmt.Sprintf("%0*d", width, n) },
}

func parseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	// Unknown fields only surface at execution, so render once against a sample lot.
	if _, err := render(tmpl, lot.Coordinates{Site: "site", SaleID: "1", Lot: 1}); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func render(tmpl *template.Template, c lot.Coordinates) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, dataFor(c)); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// LotURL builds the lot page URL for c.
func (d *Descriptor) LotURL(c lot.Coordinates) (string, error) {
	u, err := render(d.lotURL, c)
	if err != nil {
		return "", fmt.Errorf("site %s: lot url: %w", d.Name, err)
	}
	return u, nil
}

// ImageURL synthesizes the image URL from image_url_template. It reports false when no template is configured.
func (d *Descriptor) ImageURL(c lot.Coordinates) (string, bool, error) {
	if d.imageURL == nil {
		return "", false, nil
	}
	u, err := render(d.imageURL, c)
	if err != nil {
		return "", false, fmt.Errorf("site %s: image url: %w", d.Name, err)
	}
	return u, u != "", nil
}

// Folder returns the storage folder for c, relative to the local root.
func (d *Descriptor) Folder(c lot.Coordinates) (string, error) {
	f, err := render(d.folder, c)
	if err != nil {
		return "", fmt.Errorf("site %s: folder: %w", d.Name, err)
	}
	return f, nil
}

// Default returns the configured fallback for a field, or MissingValue.
func (d *Descriptor) Default(name string) string {
	if v, ok := d.defaults[name]; ok {
		return v
	}
	return MissingValue
}

// ClosingDate prefers the caller's value and falls back to the descriptor default.
func (d *Descriptor) ClosingDate(c lot.Coordinates) string {
	if v := strings.TrimSpace(c.ClosingDate); v != "" {
		return v
	}
	return d.Default(closingDateKey)
}

// Classify returns the sorted names of every tag whose keywords appear in values, ignoring case.
func (d *Descriptor) Classify(values []string) []string {
	if len(d.Tags) == 0 {
		return nil
	}
	haystack := strings.ToLower(strings.Join(values, " "))
	var tags []string
	for _, tag := range d.Tags {
		for _, kw := range tag.Keywords {
			if strings.Contains(haystack, kw) {
				tags = append(tags, tag.Name)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}
