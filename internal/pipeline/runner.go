package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/metrics"
	"github.com/trivalaya/lotscraper/internal/site"
)

// DefaultNotFoundLimit is the not-found streak that ends a run when none is configured.
const DefaultNotFoundLimit = 20

// Run statuses reported to metrics.
const (
	statusCompleted    = "completed"
	statusStoppedEarly = "stopped_early"
	statusCanceled     = "canceled"
)

// LotProcessor handles a single lot end to end.
type LotProcessor interface {
	ProcessLot(ctx context.Context, d *site.Descriptor, c lot.Coordinates, opts LotOptions) (lot.Record, error)
}

// Limiter spaces out requests to one host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// IntervalSetter is implemented by limiters that accept per-host spacing.
type IntervalSetter interface {
	SetInterval(host string, interval time.Duration)
}

// Job describes one contiguous lot range within a sale.
type Job struct {
	Site           string
	SaleID         string
	Start          int
	End            int
	ClosingDate    string
	DownloadImages bool
	TaggedOnly     bool
}

// Validate rejects ranges that cannot be scraped.
func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.Site) == "":
		return errors.New("site is required")
	case strings.TrimSpace(j.SaleID) == "":
		return errors.New("sale id is required")
	case j.Start < 1:
		return fmt.Errorf("start lot must be >= 1, got %d", j.Start)
	case j.Start > j.End:
		return fmt.Errorf("start lot %d is after end lot %d", j.Start, j.End)
	}
	return nil
}

// Summary counts what a run did.
type Summary struct {
	RunID        string `json:"run_id"`
	Site         string `json:"site"`
	SaleID       string `json:"sale_id"`
	Attempted    int    `json:"attempted"`
	Succeeded    int    `json:"succeeded"`
	NotFound     int    `json:"not_found"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	ImagesStored int    `json:"images_stored"`
	Tagged       int    `json:"tagged"`
	StoppedEarly bool   `json:"stopped_early"`
	StoppedAt    int    `json:"stopped_at,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

// RunnerConfig controls Runner behavior.
type RunnerConfig struct {
	Concurrency   int
	NotFoundLimit int
	// DryRun is reported in the Summary; the processor decides what a dry run skips.
	DryRun bool
}

// Runner dispatches a lot range through a LotProcessor.
type Runner struct {
	sites     *site.Registry
	processor LotProcessor
	limiter   Limiter
	ids       lot.IDGenerator
	cfg       RunnerConfig
	logger    *zap.Logger
}

// NewRunner constructs a Runner. limiter and ids may be nil.
func NewRunner(
	sites *site.Registry,
	processor LotProcessor,
	limiter Limiter,
	ids lot.IDGenerator,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.NotFoundLimit <= 0 {
		cfg.NotFoundLimit = DefaultNotFoundLimit
	}
	return &Runner{
		sites:     sites,
		processor: processor,
		limiter:   limiter,
		ids:       ids,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Run processes job.Start through job.End in ascending order with up to Concurrency lots in flight.
//
// Dispatch stops once NotFoundLimit consecutive lots are not found. Per-lot failures are counted, never returned;
// the error result is reserved for invalid jobs and cancellation of ctx.
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	if err := job.Validate(); err != nil {
		return Summary{}, fmt.Errorf("invalid job: %w", err)
	}
	d, err := r.sites.Lookup(job.Site)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{RunID: r.newRunID(), Site: job.Site, SaleID: job.SaleID, DryRun: r.cfg.DryRun}
	log := r.logger.With(
		zap.String("run_id", summary.RunID),
		zap.String("site", job.Site),
		zap.String("sale_id", job.SaleID),
	)
	log.Info("run started", zap.Int("start", job.Start), zap.Int("end", job.End), zap.Int("concurrency", r.cfg.Concurrency))

	r.applyCrawlDelay(d, job)

	var (
		mu      sync.Mutex
		tracker = newStreak(job.Start, r.cfg.NotFoundLimit)
		g       errgroup.Group
		opts    = LotOptions{RunID: summary.RunID, DownloadImages: job.DownloadImages, TaggedOnly: job.TaggedOnly}
	)
	g.SetLimit(r.cfg.Concurrency)

	for n := job.Start; n <= job.End; n++ {
		if stopped, _ := tracker.done(); stopped || ctx.Err() != nil {
			break
		}
		c := lot.Coordinates{Site: job.Site, SaleID: job.SaleID, Lot: n, ClosingDate: job.ClosingDate}

		g.Go(func() error {
			// The slot may free up only after the streak limit was reached.
			if stopped, _ := tracker.done(); stopped {
				return nil
			}
			if err := r.wait(ctx, d, c); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("rate limit wait failed", zap.Int("lot", n), zap.Error(err))
			}

			metrics.IncActiveLots()
			defer metrics.DecActiveLots()

			record, err := r.processor.ProcessLot(ctx, d, c, opts)
			outcome := r.classify(log, c, err)
			tracker.record(c.Lot, outcome)

			mu.Lock()
			defer mu.Unlock()
			summary.Attempted++
			switch outcome {
			case outcomeFound:
				summary.Succeeded++
				if record.Image != nil {
					summary.ImagesStored++
				}
				if len(record.Tags) > 0 {
					summary.Tagged++
				}
			case outcomeSkipped:
				summary.Skipped++
			case outcomeNotFound:
				summary.NotFound++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	runErr := ctx.Err()

	summary.StoppedEarly, summary.StoppedAt = tracker.done()
	status := statusCompleted
	switch {
	case runErr != nil:
		status = statusCanceled
	case summary.StoppedEarly:
		status = statusStoppedEarly
		log.Info("not-found streak reached, stopping",
			zap.Int("limit", r.cfg.NotFoundLimit),
			zap.Int("stopped_at", summary.StoppedAt),
		)
	}
	metrics.ObserveRun(job.Site, status)
	log.Info("run finished",
		zap.String("status", status),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("not_found", summary.NotFound),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("images_stored", summary.ImagesStored),
	)
	if runErr != nil {
		return summary, fmt.Errorf("run canceled: %w", runErr)
	}
	return summary, nil
}

func (r *Runner) classify(log *zap.Logger, c lot.Coordinates, err error) lotOutcome {
	switch {
	case err == nil:
		metrics.ObserveLot(c.Site, metrics.OutcomeOK)
		return outcomeFound
	case errors.Is(err, ErrUntagged):
		metrics.ObserveLot(c.Site, metrics.OutcomeSkipped)
		return outcomeSkipped
	case errors.Is(err, lot.ErrNotFound):
		metrics.ObserveLot(c.Site, metrics.OutcomeNotFound)
		log.Info("lot not found", zap.Int("lot", c.Lot))
		return outcomeNotFound
	default:
		metrics.ObserveLot(c.Site, metrics.OutcomeFailed)
		fields := []zap.Field{zap.Int("lot", c.Lot), zap.Error(err)}
		var fetchErr *lot.FetchError
		if errors.As(err, &fetchErr) {
			fields = append(fields, zap.String("kind", string(fetchErr.Kind)), zap.Int("status", fetchErr.StatusCode))
		}
		log.Warn("lot failed", fields...)
		return outcomeFailed
	}
}

func (r *Runner) applyCrawlDelay(d *site.Descriptor, job Job) {
	setter, ok := r.limiter.(IntervalSetter)
	if !ok || d.CrawlDelay <= 0 {
		return
	}
	u, err := d.LotURL(lot.Coordinates{Site: job.Site, SaleID: job.SaleID, Lot: job.Start})
	if err != nil {
		return
	}
	setter.SetInterval(metrics.SanitizeHost(u), d.CrawlDelay)
}

func (r *Runner) wait(ctx context.Context, d *site.Descriptor, c lot.Coordinates) error {
	if r.limiter == nil {
		return nil
	}
	u, err := d.LotURL(c)
	if err != nil {
		return err
	}
	return r.limiter.Wait(ctx, u)
}

func (r *Runner) newRunID() string {
	if r.ids == nil {
		return ""
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}
