// Package jsonl persists lot records as JSON lines when no database is configured.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/trivalaya/lotscraper/internal/lot"
)

// RecordStore appends one JSON object per record. Readers resolve repeats by keeping the last line for a
// (site, sale, lot) key, which makes repeated upserts of the same lot idempotent.
type RecordStore struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// Open appends to path, creating it and its parent directories when missing.
func Open(path string) (*RecordStore, error) {
	if path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &RecordStore{file: f, w: bufio.NewWriter(f)}, nil
}

// UpsertLot writes the record and flushes it so a crash loses at most the line in flight.
func (s *RecordStore) UpsertLot(_ context.Context, record lot.Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("record store is closed")
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.w = nil
	if flushErr != nil {
		return fmt.Errorf("flush: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close: %w", closeErr)
	}
	return nil
}

type recordKey struct {
	site string
	sale string
	lot  int
}

// Read decodes records from r, keeping only the last record for each lot, in first-seen order.
func Read(r io.Reader) ([]lot.Record, error) {
	dec := json.NewDecoder(r)
	index := make(map[recordKey]int)
	var out []lot.Record
	for {
		var rec lot.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode record %d: %w", len(out)+1, err)
		}
		key := recordKey{site: rec.Site, sale: rec.SaleID, lot: rec.Lot}
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
}
