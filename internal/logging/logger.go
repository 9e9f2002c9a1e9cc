// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trivalaya/lotscraper/internal/lot"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// LotFields are the context fields every lot-scoped log line carries.
func LotFields(c lot.Coordinates) []zap.Field {
	return []zap.Field{
		zap.String("site", c.Site),
		zap.String("sale_id", c.SaleID),
		zap.Int("lot", c.Lot),
	}
}

// ForLot returns a child logger tagged with the lot's coordinates.
func ForLot(logger *zap.Logger, c lot.Coordinates) *zap.Logger {
	return OrNop(logger).With(LotFields(c)...)
}
