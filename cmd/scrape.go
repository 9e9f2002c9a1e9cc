package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/pipeline"
)

func newScrapeCmd() *cobra.Command {
	var (
		downloadImages bool
		taggedOnly     bool
		dryRun         bool
		concurrency    int
		notFoundLimit  int
	)
	cmd := &cobra.Command{
		Use:   "scrape SITE START END SALE_ID [CLOSING_DATE]",
		Short: "Scrape a contiguous lot range of one sale",
		Long: `Fetches lots START through END of SALE_ID on SITE, stores each record and, with
--download-images, its image. The run stops early after a streak of missing lots.
--tagged-only stores only lots matching one of the site's tags; --dry-run stores nothing.`,
		Args: cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseJob(args)
			if err != nil {
				return err
			}
			job.DownloadImages = downloadImages
			job.TaggedOnly = taggedOnly

			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Scrape.Concurrency = concurrency
			}
			if cmd.Flags().Changed("not-found-limit") {
				cfg.Scrape.NotFoundLimit = notFoundLimit
			}
			if dryRun {
				cfg.EnableDryRun()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := loggerFrom(cmd.Context())
			svc, err := newServices(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer svc.Close()

			summary, runErr := svc.Run(cmd.Context(), job)
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
				logger.Warn("write summary failed", zap.Error(err))
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&downloadImages, "download-images", false, "fetch and store each lot's image")
	cmd.Flags().BoolVar(&taggedOnly, "tagged-only", false, "store only lots that match a site tag")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and parse without storing anything")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "lots in flight at once")
	cmd.Flags().IntVar(&notFoundLimit, "not-found-limit", pipeline.DefaultNotFoundLimit, "consecutive missing lots that end the run")
	return cmd
}

func parseJob(args []string) (pipeline.Job, error) {
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("START must be an integer: %w", err)
	}
	end, err := strconv.Atoi(args[2])
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("END must be an integer: %w", err)
	}
	job := pipeline.Job{Site: args[0], Start: start, End: end, SaleID: args[3]}
	if len(args) == 5 {
		job.ClosingDate = args[4]
	}
	return job, job.Validate()
}
