package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trivalaya/lotscraper/internal/clock/system"
	collyfetcher "github.com/trivalaya/lotscraper/internal/fetcher/colly"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/site"
	"github.com/trivalaya/lotscraper/internal/snapshot"
	"github.com/trivalaya/lotscraper/internal/storage/memory"
)

const lotPage = `<!DOCTYPE html>
<html><body>
  <b>Denarius   of&#8203; Trajan</b>
  <div class="lot-description">Silver, Rome mint. <i>Anglo-Saxon</i> provenance.</div>
  <span class="price">£120</span>
  <img class="main" src="/img/17.jpg?998877">
</body></html>`

var frozenAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func descriptors(t *testing.T, baseURL string, extra string) *site.Registry {
	t.Helper()
	yaml := fmt.Sprintf(`
sites:
  spink:
    lot_url: "%[1]s/lot/{{.SaleID}}/{{.Lot}}"
    fields:
      title: "//b[1]"
      description: "string(//div[@class='lot-description'])"
      current_bid: "css:span.price"
      estimate: "//span[@class='estimate']"
    defaults:
      title: "No Title"
      closing_date: "2026-03-15"
    image_selector: "css:img.main@src"
    folder: "spink_{{.SaleID}}"
    currency: GBP
    tags:
      sceatta: ["anglo-saxon", "porcupine"]
      gold: ["aureus"]
%[2]s`, baseURL, extra)
	reg, err := site.Parse(strings.NewReader(yaml))
	require.NoError(t, err)
	return reg
}

func lookup(t *testing.T, reg *site.Registry, name string) *site.Descriptor {
	t.Helper()
	d, err := reg.Lookup(name)
	require.NoError(t, err)
	return d
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/lot/24001/17", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(lotPage))
	})
	mux.HandleFunc("/lot/24001/18", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newExtractor(opts ...Option) *Extractor {
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "TrivalayaScraper/1.0", Timeout: 5 * time.Second})
	return New(fetcher, system.NewFrozen(frozenAt), opts...)
}

func TestExtractBuildsRecord(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	d := lookup(t, descriptors(t, srv.URL, ""), "spink")
	remote := memory.NewBlobStore()
	e := newExtractor(WithArchiver(snapshot.New(lot.ModeRemote, nil, remote, nil)))

	rec, err := e.Extract(context.Background(), d, lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 17})
	require.NoError(t, err)

	require.Equal(t, "Denarius of Trajan", rec.Field("title"))
	require.Equal(t, "120", rec.Field("current_bid"))
	require.Equal(t, "120", rec.Price)
	require.Equal(t, "Silver, Rome mint. Anglo-Saxon provenance.", rec.Field("description"))
	require.Equal(t, site.MissingValue, rec.Field("estimate"))
	require.Equal(t, srv.URL+"/img/17.jpg", rec.ImageURL)
	require.Equal(t, []string{"sceatta"}, rec.Tags)
	require.Equal(t, "GBP", rec.Currency)
	require.Equal(t, "2026-03-15", rec.ClosingDate)
	require.Equal(t, frozenAt, rec.ExtractedAt)
	require.Equal(t, 17, rec.Lot)
	require.Equal(t, "24001", rec.SaleID)
	require.Equal(t, "spink", rec.Site)
	require.Nil(t, rec.Image)

	// The snapshot finishes before Extract returns.
	_, ok := remote.Get("raw/pages/spink/24001/Lot_00017.html.gz")
	require.True(t, ok)
}

func TestExtractCallerClosingDateWins(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	d := lookup(t, descriptors(t, srv.URL, ""), "spink")

	rec, err := newExtractor().Extract(context.Background(), d,
		lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 17, ClosingDate: "2026-04-01"})
	require.NoError(t, err)
	require.Equal(t, "2026-04-01", rec.ClosingDate)
}

func TestExtractNotFound(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	d := lookup(t, descriptors(t, srv.URL, ""), "spink")
	remote := memory.NewBlobStore()
	e := newExtractor(WithArchiver(snapshot.New(lot.ModeRemote, nil, remote, nil)))

	_, err := e.Extract(context.Background(), d, lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 99})
	require.ErrorIs(t, err, lot.ErrNotFound)
	require.Empty(t, remote.Keys())
}

func TestExtractServerError(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	d := lookup(t, descriptors(t, srv.URL, ""), "spink")

	_, err := newExtractor().Extract(context.Background(), d, lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 18})
	var fetchErr *lot.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.NotErrorIs(t, err, lot.ErrNotFound)
}

type stubFetcher struct {
	body  string
	calls int
	last  lot.FetchRequest
}

func (s *stubFetcher) Fetch(_ context.Context, req lot.FetchRequest) (lot.FetchResponse, error) {
	s.calls++
	s.last = req
	return lot.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(s.body), UsedHeadless: true}, nil
}

func TestExtractImageTemplateAndHeadless(t *testing.T) {
	t.Parallel()

	extra := `
  cng:
    lot_url: "https://cngcoins.example/lot/{{.SaleID}}/{{.Lot}}"
    fields:
      title: "//h1"
      current_bid: "//span[@id='bid']"
    image_selector: "//img[contains(@src,'cloudfront.net')]/@src"
    image_url_template: "//images.cngcoins.example/{{.SaleID}}/{{pad 4 .Lot}}.jpg"
    folder: "cng_{{.SaleID}}"
    headless: true
    ready_selector: "span#bid"
`
	d := lookup(t, descriptors(t, "https://unused.example", extra), "cng")

	headless := &stubFetcher{body: `<html><body><h1>Aureus of Nero</h1><span id="bid">1.250,50 EUR</span></body></html>`}
	plain := &stubFetcher{}
	e := New(plain, system.NewFrozen(frozenAt), WithHeadless(headless))

	rec, err := e.Extract(context.Background(), d, lot.Coordinates{Site: "cng", SaleID: "118", Lot: 7})
	require.NoError(t, err)
	require.Equal(t, 1, headless.calls)
	require.Equal(t, "span#bid", headless.last.ReadySelector)
	require.Zero(t, plain.calls)
	require.Equal(t, "Aureus of Nero", rec.Field("title"))
	require.Equal(t, "1250.5", rec.Price)
	require.Equal(t, "https://images.cngcoins.example/118/0007.jpg", rec.ImageURL)
	require.Equal(t, site.MissingValue, rec.ClosingDate)
	require.Empty(t, rec.Tags)
}

func TestExtractHeadlessFallsBackToPlainFetcher(t *testing.T) {
	t.Parallel()

	extra := `
  rendered:
    lot_url: "https://rendered.example/{{.Lot}}"
    fields: {title: "//h1"}
    folder: "rendered"
    headless: true
`
	d := lookup(t, descriptors(t, "https://unused.example", extra), "rendered")
	plain := &stubFetcher{body: `<html><body><h1>Sceat</h1></body></html>`}

	rec, err := New(plain, nil).Extract(context.Background(), d, lot.Coordinates{Site: "rendered", SaleID: "1", Lot: 3})
	require.NoError(t, err)
	require.Equal(t, 1, plain.calls)
	require.Equal(t, "Sceat", rec.Field("title"))
	require.Empty(t, rec.ImageURL)
	require.True(t, rec.ExtractedAt.IsZero())
}

type failingSnapshotStore struct {
	calls atomic.Int32
}

func (s *failingSnapshotStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	s.calls.Add(1)
	return "", errors.New("bucket unavailable")
}

func TestExtractIgnoresSnapshotFailure(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	d := lookup(t, descriptors(t, srv.URL, ""), "spink")
	coords := lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 17}

	want, err := newExtractor().Extract(context.Background(), d, coords)
	require.NoError(t, err)

	store := &failingSnapshotStore{}
	got, err := newExtractor(WithArchiver(snapshot.New(lot.ModeRemote, nil, store, nil))).
		Extract(context.Background(), d, coords)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, int32(1), store.calls.Load())
}

func TestExtractPatternFields(t *testing.T) {
	t.Parallel()

	extra := `
  sceattas:
    lot_url: "https://sceattas.example/{{.Lot}}"
    fields:
      title: "//h1"
      description: "//p[@class='desc']"
      estimate: "//span[@class='estimate']"
    defaults:
      weight_g: "unknown"
    patterns:
      weight_g:
        regex: '(\d+\.?\d*)\s*g(?:rams?)?\b'
      references:
        regex: '(?i)\b(?:S\.?|North|N\.?)\s*(\d+)'
        from: [description]
        all: true
        limit: 2
      sold_for:
        regex: 'Sold for\s*(£[\d,]+)'
      realised:
        regex: 'Realised\s*(£[\d,]+)'
    price_field: sold_for
    folder: "sceattas"
`
	d := lookup(t, descriptors(t, "https://unused.example", extra), "sceattas")
	page := &stubFetcher{body: `<html><body>
		<h1>Sceat, Series E, porcupine. Sold for £1,200</h1>
		<p class="desc">Silver, 1.21g. North 43; S. 790; N 44 variant.</p>
	</body></html>`}

	rec, err := New(page, nil).Extract(context.Background(), d, lot.Coordinates{Site: "sceattas", SaleID: "1", Lot: 5})
	require.NoError(t, err)
	require.Equal(t, "1.21", rec.Field("weight_g"))
	require.Equal(t, "43, 790", rec.Field("references"))
	require.Equal(t, "1200", rec.Field("sold_for"))
	require.Equal(t, "1200", rec.Price)
	require.Equal(t, site.MissingValue, rec.Field("realised"))
	require.Equal(t, site.MissingValue, rec.Field("estimate"))

	bare := &stubFetcher{body: `<html><body><h1>Sceat</h1></body></html>`}
	rec, err = New(bare, nil).Extract(context.Background(), d, lot.Coordinates{Site: "sceattas", SaleID: "1", Lot: 6})
	require.NoError(t, err)
	require.Equal(t, "unknown", rec.Field("weight_g"))
	require.Equal(t, site.MissingValue, rec.Field("references"))
}
