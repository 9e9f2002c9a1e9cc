package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/trivalaya/lotscraper/internal/fetcher/colly"
	"github.com/trivalaya/lotscraper/internal/hash/sha256"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/storage/local"
	"github.com/trivalaya/lotscraper/internal/storage/memory"
)

var coords = lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 17}

func jpeg(size int) []byte {
	body := bytes.Repeat([]byte{0x42}, size)
	copy(body, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return body
}

type stubFetcher struct {
	resp  lot.FetchResponse
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, req lot.FetchRequest) (lot.FetchResponse, error) {
	s.calls++
	resp := s.resp
	resp.URL = req.URL
	return resp, s.err
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func okResponse(body []byte, contentType string) lot.FetchResponse {
	return lot.FetchResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {contentType}},
		Body:       body,
	}
}

func TestIngestBothDestinationsOverHTTP(t *testing.T) {
	t.Parallel()

	body := jpeg(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	root := t.TempDir()
	localStore, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	remote := memory.NewBlobStore()
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "TrivalayaScraper/1.0", Timeout: 5 * time.Second})

	asset, err := New(fetcher, localStore, remote, sha256.New(), nil).
		Ingest(context.Background(), srv.URL+"/img/17.jpg", coords, "spink_24001", lot.ModeBoth)
	require.NoError(t, err)
	require.NotNil(t, asset)

	require.Equal(t, filepath.Join(root, "spink_24001", "Lot_00017.jpg"), asset.LocalPath)
	require.Equal(t, "raw/auctions/spink/24001/Lot_00017.jpg", asset.StorageKey)
	require.Equal(t, ".jpg", asset.Extension)
	require.Equal(t, "image/jpeg", asset.ContentType)
	require.Equal(t, 2048, asset.Size)
	require.Len(t, asset.SHA256, 64)
	require.ElementsMatch(t, []lot.Destination{lot.DestinationLocal, lot.DestinationRemote}, asset.Destinations)

	onDisk, err := os.ReadFile(asset.LocalPath)
	require.NoError(t, err)
	require.Equal(t, body, onDisk)
	obj, ok := remote.Get(asset.StorageKey)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", obj.ContentType)
}

func TestIngestModeNoneSkipsFetch(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: okResponse(jpeg(1024), "image/jpeg")}
	asset, err := New(fetcher, nil, nil, nil, nil).
		Ingest(context.Background(), "https://cdn.example.com/1.jpg", coords, "f", lot.ModeNone)
	require.NoError(t, err)
	require.Nil(t, asset)
	require.Zero(t, fetcher.calls)
}

func TestIngestRejectsInvalidImages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		resp lot.FetchResponse
		want error
	}{
		{"html masquerade", okResponse(append([]byte("<!DOCTYPE html>"), bytes.Repeat([]byte(" "), 400)...), "image/jpeg"), lot.ErrHTMLMasquerade},
		{"too small", okResponse(jpeg(100), "image/jpeg"), lot.ErrTooSmall},
		{"unknown format", okResponse(bytes.Repeat([]byte{0x01}, 1024), "application/octet-stream"), lot.ErrUnknownFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			remote := memory.NewBlobStore()
			asset, err := New(&stubFetcher{resp: tc.resp}, nil, remote, nil, nil).
				Ingest(context.Background(), "https://cdn.example.com/1.jpg", coords, "f", lot.ModeRemote)
			require.Nil(t, asset)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, lot.ErrValidationRejected)
			require.Empty(t, remote.Keys())
		})
	}
}

func TestIngestFetchFailures(t *testing.T) {
	t.Parallel()

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		resp := okResponse([]byte("missing"), "text/plain")
		resp.StatusCode = http.StatusForbidden
		_, err := New(&stubFetcher{resp: resp}, nil, memory.NewBlobStore(), nil, nil).
			Ingest(context.Background(), "https://cdn.example.com/1.jpg", coords, "f", lot.ModeRemote)
		var fetchErr *lot.FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
		require.Equal(t, lot.FailureHTTP, fetchErr.Kind)
	})

	t.Run("transport", func(t *testing.T) {
		t.Parallel()
		cause := lot.NewTransportError("https://cdn.example.com/1.jpg", context.DeadlineExceeded)
		_, err := New(&stubFetcher{err: cause}, nil, memory.NewBlobStore(), nil, nil).
			Ingest(context.Background(), "https://cdn.example.com/1.jpg", coords, "f", lot.ModeRemote)
		var fetchErr *lot.FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Equal(t, lot.FailureTimeout, fetchErr.Kind)
	})
}

func TestIngestDestinationsFailIndependently(t *testing.T) {
	t.Parallel()

	remote := memory.NewBlobStore()
	asset, err := New(&stubFetcher{resp: okResponse(jpeg(1024), "image/jpeg")}, failingStore{}, remote, nil, nil).
		Ingest(context.Background(), "https://cdn.example.com/1", coords, "f", lot.ModeBoth)
	require.NoError(t, err)
	require.Empty(t, asset.LocalPath)
	require.Equal(t, "raw/auctions/spink/24001/Lot_00017.jpg", asset.StorageKey)
	require.Equal(t, []lot.Destination{lot.DestinationRemote}, asset.Destinations)
}

func TestIngestAllDestinationsFail(t *testing.T) {
	t.Parallel()

	asset, err := New(&stubFetcher{resp: okResponse(jpeg(1024), "image/jpeg")}, failingStore{}, nil, nil, nil).
		Ingest(context.Background(), "https://cdn.example.com/1.jpg", coords, "f", lot.ModeBoth)
	require.Nil(t, asset)

	var writeErr *lot.StorageWriteError
	require.ErrorAs(t, err, &writeErr)
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, err.Error(), "destination not configured")
}

func TestIngestStoresSniffedTypeOverDeclaredHeader(t *testing.T) {
	t.Parallel()

	remote := memory.NewBlobStore()
	asset, err := New(&stubFetcher{resp: okResponse(jpeg(2048), "image/png")}, nil, remote, nil, nil).
		Ingest(context.Background(), "https://cdn.example.com/17.png", coords, "f", lot.ModeRemote)
	require.NoError(t, err)
	require.Equal(t, "raw/auctions/spink/24001/Lot_00017.jpg", asset.StorageKey)
	require.Equal(t, "image/jpeg", asset.ContentType)
	obj, ok := remote.Get(asset.StorageKey)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", obj.ContentType)
}
