// Package pipeline runs the per-lot extract, ingest, persist sequence and drives it across a lot range.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/site"
)

// LotExtractor builds a record from a lot page.
type LotExtractor interface {
	Extract(ctx context.Context, d *site.Descriptor, c lot.Coordinates) (lot.Record, error)
}

// AssetIngestor stores the image behind a resolved URL.
type AssetIngestor interface {
	Ingest(ctx context.Context, imageURL string, c lot.Coordinates, folder string, mode lot.Mode) (*lot.Asset, error)
}

// ErrUntagged is returned for a lot that exists but was skipped because it matched no tag.
var ErrUntagged = errors.New("lot matched no tag")

// Config controls Pipeline behavior.
type Config struct {
	ImageMode lot.Mode
	Topic     string
	// DryRun extracts and returns records without ingesting, persisting or publishing anything.
	DryRun bool
}

// Pipeline processes one lot at a time. It holds no per-lot state and is safe for concurrent use.
type Pipeline struct {
	extractor LotExtractor
	ingestor  AssetIngestor
	store     lot.RecordStore
	publisher lot.Publisher
	clock     lot.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline. ingestor and publisher may be nil.
func New(
	extractor LotExtractor,
	ingestor AssetIngestor,
	store lot.RecordStore,
	publisher lot.Publisher,
	clock lot.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		ingestor:  ingestor,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// LotOptions are the per-run switches that apply to every lot.
type LotOptions struct {
	RunID          string
	DownloadImages bool
	// TaggedOnly skips ingesting and persisting records that carry no tag.
	TaggedOnly bool
}

// ProcessLot extracts c, ingests its image when enabled and upserts the record.
//
// Errors matching lot.ErrNotFound mean the lot does not exist and nothing was persisted. ErrUntagged means the
// lot exists but TaggedOnly filtered it out; the extracted record is still returned. Image and publish failures
// are logged and never fail the lot.
func (p *Pipeline) ProcessLot(ctx context.Context, d *site.Descriptor, c lot.Coordinates, opts LotOptions) (lot.Record, error) {
	log := logging.ForLot(p.logger, c)
	if opts.RunID != "" {
		log = log.With(zap.String("run_id", opts.RunID))
	}

	record, err := p.extractor.Extract(ctx, d, c)
	if err != nil {
		return lot.Record{}, err
	}

	if opts.TaggedOnly && len(record.Tags) == 0 {
		log.Debug("untagged lot skipped")
		return record, ErrUntagged
	}
	if p.cfg.DryRun {
		log.Info("dry run, lot not stored", zap.String("title", record.Field("title")), zap.Strings("tags", record.Tags))
		return record, nil
	}

	if opts.DownloadImages && p.ingestor != nil && p.cfg.ImageMode.Enabled() && record.ImageURL != "" {
		record.Image = p.ingestImage(ctx, log, d, c, record.ImageURL)
	}

	if p.store == nil {
		return record, errors.New("no record store configured")
	}
	if err := p.store.UpsertLot(ctx, record); err != nil {
		log.Error("persist lot failed", zap.Error(err))
		return record, fmt.Errorf("persist lot: %w", err)
	}

	p.publishResult(ctx, log, opts.RunID, record)
	return record, nil
}

func (p *Pipeline) ingestImage(ctx context.Context, log *zap.Logger, d *site.Descriptor, c lot.Coordinates, imageURL string) *lot.Asset {
	folder, err := d.Folder(c)
	if err != nil {
		log.Warn("image folder not built", zap.Error(err))
		return nil
	}
	asset, err := p.ingestor.Ingest(ctx, imageURL, c, folder, p.cfg.ImageMode)
	if err != nil {
		// The ingestor has already logged the cause.
		return nil
	}
	return asset
}

func (p *Pipeline) publishResult(ctx context.Context, log *zap.Logger, runID string, record lot.Record) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":        runID,
		"auction_house": record.Site,
		"sale_id":       record.SaleID,
		"lot_number":    record.Lot,
		"lot_url":       record.URL,
		"price":         record.Price,
		"currency":      record.Currency,
		"tags":          record.Tags,
		"timestamp":     p.now().Format(time.RFC3339),
	}
	if record.Image != nil {
		payload["image_key"] = record.Image.StorageKey
		payload["image_path"] = record.Image.LocalPath
		payload["image_sha256"] = record.Image.SHA256
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, payload)
	if err != nil {
		log.Warn("publish lot failed", zap.String("topic", p.cfg.Topic), zap.Error(err))
		return
	}
	log.Debug("lot published", zap.String("topic", p.cfg.Topic), zap.String("message_id", id))
}

func (p *Pipeline) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now().UTC()
}
