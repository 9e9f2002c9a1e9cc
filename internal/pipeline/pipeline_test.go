package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/clock/system"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/publisher/memory"
)

var coords = lot.Coordinates{Site: "spink", SaleID: "24001", Lot: 17}

func TestProcessLotSuccessFlow(t *testing.T) {
	t.Parallel()

	ingestor := &fakeIngestor{}
	store := &fakeStore{}
	publisher := memory.New()
	clock := system.NewFrozen(time.Unix(100, 0))
	p := New(&fakeExtractor{}, ingestor, store, publisher, clock,
		Config{ImageMode: lot.ModeBoth, Topic: "lots"}, zap.NewNop())

	rec, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{RunID: "run-1", DownloadImages: true})
	require.NoError(t, err)
	require.NotNil(t, rec.Image)
	require.Equal(t, "raw/auctions/spink/24001/Lot_00017.jpg", rec.Image.StorageKey)
	require.Equal(t, []string{"spink_24001"}, ingestor.folders)
	require.Equal(t, []lot.Mode{lot.ModeBoth}, ingestor.modes)

	stored := store.upserted()
	require.Len(t, stored, 1)
	require.Equal(t, rec, stored[0])

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "lots", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "run-1", payload["run_id"])
	require.Equal(t, 17, payload["lot_number"])
	require.Equal(t, "raw/auctions/spink/24001/Lot_00017.jpg", payload["image_key"])
	require.Equal(t, "1970-01-01T00:01:40Z", payload["timestamp"])
}

func TestProcessLotNotFoundIsNeverPersisted(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	publisher := memory.New()
	p := New(&fakeExtractor{notFound: map[int]bool{17: true}}, &fakeIngestor{}, store, publisher, nil,
		Config{ImageMode: lot.ModeBoth, Topic: "lots"}, nil)

	_, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{DownloadImages: true})
	require.ErrorIs(t, err, lot.ErrNotFound)
	require.Empty(t, store.upserted())
	require.Empty(t, publisher.Messages())
}

func TestProcessLotImageFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	p := New(&fakeExtractor{}, &fakeIngestor{err: lot.ErrHTMLMasquerade}, store, nil, nil,
		Config{ImageMode: lot.ModeRemote}, nil)

	rec, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{DownloadImages: true})
	require.NoError(t, err)
	require.Nil(t, rec.Image)
	require.Equal(t, "https://cdn.spink.example/17.jpg", rec.ImageURL)
	require.Len(t, store.upserted(), 1)
}

func TestProcessLotSkipsImagesWhenDisabled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mode     lot.Mode
		download bool
	}{
		{"flag off", lot.ModeBoth, false},
		{"mode off", lot.ModeNone, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ingestor := &fakeIngestor{}
			p := New(&fakeExtractor{}, ingestor, &fakeStore{}, nil, nil, Config{ImageMode: tc.mode}, nil)
			rec, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{DownloadImages: tc.download})
			require.NoError(t, err)
			require.Nil(t, rec.Image)
			require.Empty(t, ingestor.folders)
		})
	}
}

func TestProcessLotPersistFailure(t *testing.T) {
	t.Parallel()

	publisher := memory.New()
	p := New(&fakeExtractor{}, nil, &fakeStore{err: errBoom}, publisher, nil, Config{Topic: "lots"}, nil)

	_, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{})
	require.ErrorIs(t, err, errBoom)
	require.Empty(t, publisher.Messages())
}

func TestProcessLotPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	publisher := memory.New()
	publisher.FailWith(errBoom)
	store := &fakeStore{}
	p := New(&fakeExtractor{}, nil, store, publisher, nil, Config{Topic: "lots"}, nil)

	_, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{})
	require.NoError(t, err)
	require.Len(t, store.upserted(), 1)
}

func TestProcessLotFetchErrorPropagates(t *testing.T) {
	t.Parallel()

	fetchErr := lot.NewStatusError("https://www.spink.example/lot/24001000017", 503)
	store := &fakeStore{}
	p := New(&fakeExtractor{failing: map[int]error{17: fetchErr}}, nil, store, nil, nil, Config{}, nil)

	_, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{})
	var got *lot.FetchError
	require.ErrorAs(t, err, &got)
	require.Equal(t, 503, got.StatusCode)
	require.Empty(t, store.upserted())
}

func TestProcessLotTaggedOnly(t *testing.T) {
	t.Parallel()

	ingestor := &fakeIngestor{}
	store := &fakeStore{}
	publisher := memory.New()
	extractor := &fakeExtractor{tagged: map[int][]string{18: {"sceatta"}}}
	p := New(extractor, ingestor, store, publisher, nil, Config{ImageMode: lot.ModeLocal, Topic: "lots"}, nil)
	opts := LotOptions{DownloadImages: true, TaggedOnly: true}

	rec, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, opts)
	require.ErrorIs(t, err, ErrUntagged)
	require.NotErrorIs(t, err, lot.ErrNotFound)
	require.Equal(t, 17, rec.Lot)
	require.Empty(t, store.upserted())
	require.Empty(t, ingestor.folders)
	require.Empty(t, publisher.Messages())

	tagged := coords
	tagged.Lot = 18
	rec, err = p.ProcessLot(context.Background(), testDescriptor(t), tagged, opts)
	require.NoError(t, err)
	require.Equal(t, []string{"sceatta"}, rec.Tags)
	require.NotNil(t, rec.Image)
	require.Len(t, store.upserted(), 1)
	require.Len(t, publisher.Messages(), 1)
}

func TestProcessLotDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	ingestor := &fakeIngestor{}
	store := &fakeStore{}
	publisher := memory.New()
	p := New(&fakeExtractor{}, ingestor, store, publisher, nil,
		Config{ImageMode: lot.ModeBoth, Topic: "lots", DryRun: true}, nil)

	rec, err := p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{DownloadImages: true})
	require.NoError(t, err)
	require.Equal(t, "Denarius of Trajan", rec.Field("title"))
	require.Nil(t, rec.Image)
	require.Empty(t, ingestor.folders)
	require.Empty(t, store.upserted())
	require.Empty(t, publisher.Messages())

	// A dry run needs no record store at all.
	p = New(&fakeExtractor{}, nil, nil, nil, nil, Config{DryRun: true}, nil)
	_, err = p.ProcessLot(context.Background(), testDescriptor(t), coords, LotOptions{})
	require.NoError(t, err)
}
