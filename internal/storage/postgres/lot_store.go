// Package postgres provides the Postgres persistence collaborator for lot records.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trivalaya/lotscraper/internal/lot"
)

const defaultTable = "auction_data"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LotStoreConfig controls the Postgres connection pool used for lot rows.
type LotStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// LotStore upserts lot records keyed by (auction_house, sale_id, lot_number).
// The table is expected to carry a unique constraint on those three columns.
type LotStore struct {
	pool  execCloser
	table string
	query string
}

// NewLotStore creates a Postgres-backed LotStore using the provided config.
func NewLotStore(ctx context.Context, cfg LotStoreConfig) (*LotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LotStore{pool: pool, table: table, query: upsertQuery(table)}, nil
}

// NewLotStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLotStoreWithPool(pool execCloser, table string) (*LotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LotStore{pool: pool, table: table, query: upsertQuery(table)}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	auction_house,
	sale_id,
	lot_number,
	lot_url,
	title,
	description,
	current_bid,
	currency,
	image_url,
	image_path,
	image_key,
	image_sha256,
	closing_date,
	fields,
	tags,
	extracted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (auction_house, sale_id, lot_number) DO UPDATE SET
	lot_url = EXCLUDED.lot_url,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	current_bid = EXCLUDED.current_bid,
	currency = EXCLUDED.currency,
	image_url = EXCLUDED.image_url,
	image_path = COALESCE(NULLIF(EXCLUDED.image_path, ''), %s.image_path),
	image_key = COALESCE(NULLIF(EXCLUDED.image_key, ''), %s.image_key),
	image_sha256 = COALESCE(NULLIF(EXCLUDED.image_sha256, ''), %s.image_sha256),
	closing_date = EXCLUDED.closing_date,
	fields = EXCLUDED.fields,
	tags = EXCLUDED.tags,
	extracted_at = EXCLUDED.extracted_at`, table, table, table, table)
}

// Close releases the underlying pool resources.
func (s *LotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertLot writes one record. Re-running a lot updates the row in place; a rerun without an image keeps the
// previously stored image reference.
func (s *LotStore) UpsertLot(ctx context.Context, record lot.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("lot store is not configured")
	}
	if record.Site == "" || record.SaleID == "" || record.Lot < 1 {
		return fmt.Errorf("record key incomplete: site=%q sale=%q lot=%d", record.Site, record.SaleID, record.Lot)
	}
	fieldsJSON, err := json.Marshal(normalizeFields(record.Fields))
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	tags := record.Tags
	if tags == nil {
		tags = []string{}
	}

	var imagePath, imageKey, imageSHA string
	if record.Image != nil {
		imagePath = record.Image.LocalPath
		imageKey = record.Image.StorageKey
		imageSHA = record.Image.SHA256
	}

	args := []any{
		record.Site,
		record.SaleID,
		record.Lot,
		record.URL,
		record.Field("title"),
		record.Field("description"),
		record.Price,
		record.Currency,
		record.ImageURL,
		imagePath,
		imageKey,
		imageSHA,
		record.ClosingDate,
		fieldsJSON,
		tags,
		record.ExtractedAt,
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("upsert lot %s/%s/%d: %w", record.Site, record.SaleID, record.Lot, err)
	}
	return nil
}

func normalizeFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return map[string]string{}
	}
	return fields
}
