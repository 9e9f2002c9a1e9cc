// Package cmd defines the lotscraper CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/app"
	"github.com/trivalaya/lotscraper/internal/config"
	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/pipeline"
)

// Services is what commands need from the application container.
type Services interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Summary, error)
	Close()
}

// newServices is the application factory, replaced in tests.
var newServices = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Services, error) {
	return app.New(ctx, cfg, logger)
}

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "lotscraper",
		Short:         "Extracts auction lot records and images from auction-house sites.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")
	cmd.AddCommand(newScrapeCmd(), newSitesCmd())
	return cmd
}

func configFrom(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func loggerFrom(ctx context.Context) *zap.Logger {
	logger, _ := ctx.Value(loggerKey).(*zap.Logger)
	return logging.OrNop(logger)
}

// Execute runs the CLI until completion or SIGINT/SIGTERM.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lotscraper: %v\n", err)
		return 1
	}
	return 0
}
