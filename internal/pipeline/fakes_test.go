package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/site"
)

const descriptorYAML = `
sites:
  spink:
    lot_url: "https://www.spink.example/lot/{{.SaleID}}{{pad 6 .Lot}}"
    fields:
      title: "//b[1]"
      current_bid: "css:span.price"
    folder: "spink_{{.SaleID}}"
    crawl_delay: 2s
`

func testRegistry(t *testing.T) *site.Registry {
	t.Helper()
	reg, err := site.Parse(strings.NewReader(descriptorYAML))
	require.NoError(t, err)
	return reg
}

func testDescriptor(t *testing.T) *site.Descriptor {
	t.Helper()
	d, err := testRegistry(t).Lookup("spink")
	require.NoError(t, err)
	return d
}

type fakeExtractor struct {
	mu       sync.Mutex
	notFound map[int]bool
	failing  map[int]error
	tagged   map[int][]string
	calls    []int
	delay    func(lot int) time.Duration
}

func (f *fakeExtractor) Extract(ctx context.Context, d *site.Descriptor, c lot.Coordinates) (lot.Record, error) {
	if f.delay != nil {
		select {
		case <-time.After(f.delay(c.Lot)):
		case <-ctx.Done():
			return lot.Record{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, c.Lot)
	f.mu.Unlock()
	if f.notFound[c.Lot] {
		return lot.Record{}, fmt.Errorf("lot %d: %w", c.Lot, lot.ErrNotFound)
	}
	if err := f.failing[c.Lot]; err != nil {
		return lot.Record{}, err
	}
	return lot.Record{
		Lot:      c.Lot,
		SaleID:   c.SaleID,
		Site:     d.Name,
		URL:      fmt.Sprintf("https://www.spink.example/lot/%s%06d", c.SaleID, c.Lot),
		Fields:   map[string]string{"title": "Denarius of Trajan", "current_bid": "120"},
		Price:    "120",
		ImageURL: fmt.Sprintf("https://cdn.spink.example/%d.jpg", c.Lot),
		Tags:     f.tagged[c.Lot],
	}, nil
}

func (f *fakeExtractor) called() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type fakeIngestor struct {
	mu      sync.Mutex
	err     error
	folders []string
	modes   []lot.Mode
}

func (f *fakeIngestor) Ingest(_ context.Context, imageURL string, c lot.Coordinates, folder string, mode lot.Mode) (*lot.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	f.modes = append(f.modes, mode)
	if f.err != nil {
		return nil, f.err
	}
	return &lot.Asset{
		URL:          imageURL,
		StorageKey:   lot.ImageKey(c, ".jpg"),
		LocalPath:    lot.ImagePath(folder, c.Lot, ".jpg"),
		ContentType:  "image/jpeg",
		Extension:    ".jpg",
		SHA256:       "abc123",
		Destinations: []lot.Destination{lot.DestinationLocal, lot.DestinationRemote},
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	records []lot.Record
}

func (f *fakeStore) UpsertLot(_ context.Context, record lot.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) upserted() []lot.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lot.Record(nil), f.records...)
}

type fakeLimiter struct {
	mu        sync.Mutex
	urls      []string
	intervals map[string]time.Duration
	err       error
}

func (f *fakeLimiter) Wait(_ context.Context, rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, rawURL)
	return f.err
}

func (f *fakeLimiter) SetInterval(host string, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intervals == nil {
		f.intervals = make(map[string]time.Duration)
	}
	f.intervals[host] = interval
}

type fakeIDs struct{ err error }

func (f fakeIDs) NewID() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "run-1", nil
}

var errBoom = errors.New("boom")
