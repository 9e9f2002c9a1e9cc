// Package ingest fetches lot images, validates them and writes them to the configured destinations.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/metrics"
	"github.com/trivalaya/lotscraper/internal/sniff"
)

// Asset outcomes reported to metrics.
const (
	outcomeStored      = "stored"
	outcomePartial     = "partial"
	outcomeRejected    = "rejected"
	outcomeFetchFailed = "fetch_failed"
	outcomeWriteFailed = "write_failed"
)

// Ingestor turns an image URL into a stored, validated Asset.
type Ingestor struct {
	fetcher lot.Fetcher
	local   lot.BlobStore
	remote  lot.BlobStore
	hasher  lot.Hasher
	logger  *zap.Logger
}

// New builds an Ingestor. local and remote may be nil when no mode will select them; hasher may be nil.
func New(fetcher lot.Fetcher, local, remote lot.BlobStore, hasher lot.Hasher, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		fetcher: fetcher,
		local:   local,
		remote:  remote,
		hasher:  hasher,
		logger:  logging.OrNop(logger),
	}
}

// Ingest fetches imageURL, classifies the bytes and writes them to every destination mode selects.
//
// It returns (nil, nil) when mode selects nothing. Fetch failures return a *lot.FetchError and validation
// failures an error matching lot.ErrValidationRejected; nothing is written in either case. Destinations are
// written independently: the Asset lists the ones that succeeded, and only when all of them fail is the
// joined *lot.StorageWriteError returned instead.
func (i *Ingestor) Ingest(ctx context.Context, imageURL string, c lot.Coordinates, folder string, mode lot.Mode) (*lot.Asset, error) {
	if !mode.Enabled() || imageURL == "" {
		return nil, nil
	}
	log := logging.ForLot(i.logger, c).With(zap.String("image_url", imageURL))

	resp, err := i.fetcher.Fetch(ctx, lot.FetchRequest{URL: imageURL, Headers: http.Header{"Accept": {"image/*,*/*;q=0.8"}}})
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = lot.NewStatusError(imageURL, resp.StatusCode)
	}
	if err != nil {
		metrics.ObserveAsset(c.Site, outcomeFetchFailed)
		logFetchFailure(log, err)
		return nil, err
	}

	format, err := sniff.Classify(resp.Body, resp.ContentType())
	if err != nil {
		metrics.ObserveAsset(c.Site, outcomeRejected)
		log.Warn("image rejected",
			zap.Error(err),
			zap.Int("bytes", len(resp.Body)),
			zap.String("declared_type", resp.ContentType()),
		)
		return nil, err
	}

	asset := &lot.Asset{
		URL:         imageURL,
		ContentType: format.ContentType,
		Extension:   format.Extension,
		Size:        len(resp.Body),
	}
	if i.hasher != nil {
		if sum, err := i.hasher.Hash(resp.Body); err == nil {
			asset.SHA256 = sum
		}
	}

	var writeErrs []error
	if mode.Local() {
		p, err := i.write(ctx, i.local, lot.DestinationLocal, lot.ImagePath(folder, c.Lot, format.Extension), format.ContentType, resp.Body)
		if err != nil {
			writeErrs = append(writeErrs, err)
		} else {
			asset.LocalPath = p
			asset.Destinations = append(asset.Destinations, lot.DestinationLocal)
		}
	}
	if mode.Remote() {
		k, err := i.write(ctx, i.remote, lot.DestinationRemote, lot.ImageKey(c, format.Extension), format.ContentType, resp.Body)
		if err != nil {
			writeErrs = append(writeErrs, err)
		} else {
			asset.StorageKey = k
			asset.Destinations = append(asset.Destinations, lot.DestinationRemote)
		}
	}

	switch {
	case len(asset.Destinations) == 0:
		metrics.ObserveAsset(c.Site, outcomeWriteFailed)
		err := errors.Join(writeErrs...)
		log.Warn("image not stored", zap.Error(err))
		return nil, err
	case len(writeErrs) > 0:
		metrics.ObserveAsset(c.Site, outcomePartial)
		log.Warn("image partially stored", zap.Error(errors.Join(writeErrs...)))
	default:
		metrics.ObserveAsset(c.Site, outcomeStored)
	}
	log.Debug("image stored",
		zap.String("extension", asset.Extension),
		zap.Int("bytes", asset.Size),
		zap.String("local_path", asset.LocalPath),
		zap.String("storage_key", asset.StorageKey),
	)
	return asset, nil
}

func (i *Ingestor) write(ctx context.Context, store lot.BlobStore, dest lot.Destination, key, contentType string, body []byte) (string, error) {
	if store == nil {
		err := &lot.StorageWriteError{Destination: dest, Key: key, Err: errors.New("destination not configured")}
		metrics.ObserveStorageWrite(string(dest), err)
		return "", err
	}
	where, err := store.PutObject(ctx, key, contentType, bytes.NewReader(body))
	metrics.ObserveStorageWrite(string(dest), err)
	if err != nil {
		return "", &lot.StorageWriteError{Destination: dest, Key: key, Err: err}
	}
	return where, nil
}

func logFetchFailure(log *zap.Logger, err error) {
	var fetchErr *lot.FetchError
	if errors.As(err, &fetchErr) {
		log.Warn("image fetch failed",
			zap.String("kind", string(fetchErr.Kind)),
			zap.Int("status", fetchErr.StatusCode),
			zap.Error(fetchErr.Err),
		)
		return
	}
	log.Warn("image fetch failed", zap.Error(err))
}
