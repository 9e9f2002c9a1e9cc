// Package extract turns a site descriptor and lot coordinates into a structured lot record.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/metrics"
	"github.com/trivalaya/lotscraper/internal/normalize"
	"github.com/trivalaya/lotscraper/internal/selector"
	"github.com/trivalaya/lotscraper/internal/site"
	"github.com/trivalaya/lotscraper/internal/snapshot"
	"github.com/trivalaya/lotscraper/internal/urlresolve"
)

var pageHeaders = http.Header{
	"Accept":          {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"},
	"Accept-Language": {"en-GB,en;q=0.9"},
}

// Extractor fetches lot pages and applies a descriptor's selectors to them.
type Extractor struct {
	fetcher  lot.Fetcher
	headless lot.Fetcher
	archiver *snapshot.Archiver
	clock    lot.Clock
	logger   *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithHeadless routes descriptors marked headless through f.
func WithHeadless(f lot.Fetcher) Option {
	return func(e *Extractor) { e.headless = f }
}

// WithArchiver snapshots every successfully fetched page.
func WithArchiver(a *snapshot.Archiver) Option {
	return func(e *Extractor) { e.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// New builds an Extractor around the plain HTTP fetcher and a clock for extraction timestamps.
func New(fetcher lot.Fetcher, clock lot.Clock, opts ...Option) *Extractor {
	e := &Extractor{fetcher: fetcher, clock: clock}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Extract fetches the lot page for c and builds its record.
//
// A 404 returns an error matching lot.ErrNotFound. Any other non-2xx status or transport failure returns a
// *lot.FetchError. The page snapshot is started before parsing and finishes before Extract returns; its outcome
// never affects the result. Image fields are resolved but not fetched.
func (e *Extractor) Extract(ctx context.Context, d *site.Descriptor, c lot.Coordinates) (lot.Record, error) {
	log := logging.ForLot(e.logger, c)

	pageURL, err := d.LotURL(c)
	if err != nil {
		return lot.Record{}, err
	}
	folder, err := d.Folder(c)
	if err != nil {
		return lot.Record{}, err
	}

	resp, err := e.fetcherFor(d).Fetch(ctx, lot.FetchRequest{
		URL:           pageURL,
		Headers:       pageHeaders.Clone(),
		ReadySelector: d.ReadySelector,
	})
	if err != nil {
		return lot.Record{}, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		log.Debug("lot not found", zap.String("url", pageURL))
		return lot.Record{}, fmt.Errorf("%s: %w", pageURL, lot.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return lot.Record{}, lot.NewStatusError(pageURL, resp.StatusCode)
	}

	metrics.ObservePage(d.Name, len(resp.Body))
	pending := e.archiver.Start(ctx, lot.Snapshot{Coordinates: c, Folder: folder, Body: resp.Body})
	defer pending.Wait()

	doc, err := selector.Parse(resp.Body)
	if err != nil {
		return lot.Record{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	finalURL := pageURL
	if resp.URL != "" {
		finalURL = resp.URL
	}
	record := lot.Record{
		Lot:         c.Lot,
		SaleID:      c.SaleID,
		Site:        d.Name,
		URL:         finalURL,
		Fields:      make(map[string]string, len(d.Fields)),
		Currency:    d.Currency,
		ClosingDate: d.ClosingDate(c),
	}

	values := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		v := fieldValue(doc, f)
		if f.Name == d.PriceField {
			v = normalize.Number(v)
			record.Price = v
		}
		record.Fields[f.Name] = v
		values = append(values, v)
	}
	record.Tags = d.Classify(values)

	for _, p := range d.Patterns {
		v := patternValue(d, p, record.Fields)
		if p.Name == d.PriceField {
			v = normalize.Number(v)
			record.Price = v
		}
		record.Fields[p.Name] = v
	}

	imageURL, err := e.imageURL(d, doc, c, finalURL)
	if err != nil {
		log.Warn("image url not built", zap.Error(err))
	}
	record.ImageURL = imageURL

	if e.clock != nil {
		record.ExtractedAt = e.clock.Now().UTC()
	}
	return record, nil
}

func (e *Extractor) fetcherFor(d *site.Descriptor) lot.Fetcher {
	if d.Headless && e.headless != nil {
		return e.headless
	}
	return e.fetcher
}

// fieldValue concatenates every match and normalizes it, or falls back to the field default on a miss.
func fieldValue(doc *selector.Document, f site.Field) string {
	matches := f.Selector.Values(doc)
	if len(matches) == 0 {
		return f.Default
	}
	v := normalize.Text(strings.Join(matches, " "))
	if v == "" {
		return f.Default
	}
	return v
}

// patternValue matches p against its source fields in order. Sources that fell back to their default are left
// out so placeholder text never matches.
func patternValue(d *site.Descriptor, p site.Pattern, fields map[string]string) string {
	sources := p.From
	if len(sources) == 0 {
		sources = make([]string, 0, len(d.Fields))
		for _, f := range d.Fields {
			sources = append(sources, f.Name)
		}
	}
	parts := make([]string, 0, len(sources))
	for _, name := range sources {
		if v := fields[name]; v != "" && v != d.Default(name) {
			parts = append(parts, v)
		}
	}
	v, ok := p.Match(strings.Join(parts, " "))
	if !ok {
		return p.Default
	}
	return normalize.Text(v)
}

// imageURL prefers the image selector, then the image template. Relative results resolve against
// image_base_url, or the lot page when that is unset.
func (e *Extractor) imageURL(d *site.Descriptor, doc *selector.Document, c lot.Coordinates, pageURL string) (string, error) {
	var raw string
	if d.ImageSelector != nil {
		if v, ok := d.ImageSelector.First(doc); ok {
			raw = normalize.Text(v)
		}
	}
	if raw == "" {
		v, ok, err := d.ImageURL(c)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		raw = v
	}
	base := d.ImageBaseURL
	if base == "" {
		base = pageURL
	}
	resolved, ok := urlresolve.Resolve(raw, base)
	if !ok {
		return "", nil
	}
	return resolved, nil
}
