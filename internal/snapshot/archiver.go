// Package snapshot keeps a compressed copy of every fetched lot page, independent of whether parsing succeeds.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/metrics"
)

const (
	gzipContentType = "application/gzip"
	htmlContentType = "text/html"
	rawExt          = ".html"
)

// Result reports what an archive attempt wrote. Callers may inspect it but are never required to.
type Result struct {
	LocalPath  string
	StorageKey string
	Compressed bool
	Skipped    bool
	Err        error
}

// Archiver writes snapshots to the destinations selected by its mode.
type Archiver struct {
	mode     lot.Mode
	local    lot.BlobStore
	remote   lot.BlobStore
	logger   *zap.Logger
	compress func([]byte) ([]byte, error)
}

// New builds an Archiver. Either store may be nil when the mode does not select it.
func New(mode lot.Mode, local, remote lot.BlobStore, logger *zap.Logger) *Archiver {
	return &Archiver{
		mode:     mode,
		local:    local,
		remote:   remote,
		logger:   logging.OrNop(logger),
		compress: gzipBytes,
	}
}

// Archive compresses and writes s. It never panics and never returns an error; failures land in Result.Err.
func (a *Archiver) Archive(ctx context.Context, s lot.Snapshot) Result {
	if a == nil || !a.mode.Enabled() {
		return Result{Skipped: true}
	}
	log := logging.ForLot(a.logger, s.Coordinates)

	body, ext, contentType, compressed := s.Body, rawExt, htmlContentType, false
	if gz, err := a.compress(s.Body); err != nil {
		log.Warn("snapshot compression failed, storing raw page", zap.Error(err))
	} else {
		body, ext, contentType, compressed = gz, lot.SnapshotExt, gzipContentType, true
	}

	res := Result{Compressed: compressed}
	var errs []error
	if a.mode.Local() {
		p, err := a.write(ctx, a.local, lot.DestinationLocal, lot.PagePath(s.Folder, s.Coordinates.Lot, ext), contentType, body)
		if err != nil {
			errs = append(errs, err)
		}
		res.LocalPath = p
	}
	if a.mode.Remote() {
		k, err := a.write(ctx, a.remote, lot.DestinationRemote, lot.PageKey(s.Coordinates, ext), contentType, body)
		if err != nil {
			errs = append(errs, err)
		}
		res.StorageKey = k
	}
	res.Err = errors.Join(errs...)

	site := s.Coordinates.Site
	switch {
	case res.Err == nil:
		metrics.ObserveSnapshot(site, "stored")
		log.Debug("snapshot stored", zap.String("local_path", res.LocalPath), zap.String("storage_key", res.StorageKey))
	case res.LocalPath != "" || res.StorageKey != "":
		metrics.ObserveSnapshot(site, "partial")
		log.Warn("snapshot partially stored", zap.Error(res.Err))
	default:
		metrics.ObserveSnapshot(site, "failed")
		log.Warn("snapshot not stored", zap.Error(res.Err))
	}
	return res
}

func (a *Archiver) write(ctx context.Context, store lot.BlobStore, dest lot.Destination, key, contentType string, body []byte) (string, error) {
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

// Pending is an archive running in the background.
type Pending struct {
	done chan struct{}
	res  Result
}

// Start archives s concurrently with the caller. The body is copied, so the caller may reuse its buffer.
// A nil or disabled Archiver returns a nil Pending, whose Wait reports a skip.
func (a *Archiver) Start(ctx context.Context, s lot.Snapshot) *Pending {
	if a == nil || !a.mode.Enabled() {
		return nil
	}
	p := &Pending{done: make(chan struct{})}
	s.Body = append([]byte(nil), s.Body...)
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.res = Result{Err: fmt.Errorf("snapshot panic: %v", r)}
			}
		}()
		p.res = a.Archive(ctx, s)
	}()
	return p
}

// Wait blocks until the archive finishes and returns its result.
func (p *Pending) Wait() Result {
	if p == nil {
		return Result{Skipped: true}
	}
	<-p.done
	return p.res
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
