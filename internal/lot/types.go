// Package lot defines the core types shared across the extraction and ingestion subsystems.
package lot

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Coordinates address a single lot page: a site, a sale on that site and a lot number within the sale.
type Coordinates struct {
	Site        string `json:"site"`
	SaleID      string `json:"sale_id"`
	Lot         int    `json:"lot_number"`
	ClosingDate string `json:"closing_date,omitempty"`
}

// Validate rejects coordinates that cannot address a lot.
func (c Coordinates) Validate() error {
	if strings.TrimSpace(c.Site) == "" {
		return fmt.Errorf("site is required")
	}
	if strings.TrimSpace(c.SaleID) == "" {
		return fmt.Errorf("sale id is required")
	}
	if c.Lot < 1 {
		return fmt.Errorf("lot number must be >= 1, got %d", c.Lot)
	}
	return nil
}

// Record is the structured result of extracting one lot page.
// Every entry in Fields holds a string; selector misses fall back to configured defaults.
type Record struct {
	Lot         int               `json:"lot_number"`
	SaleID      string            `json:"sale_id"`
	Site        string            `json:"auction_house"`
	URL         string            `json:"lot_url"`
	Fields      map[string]string `json:"fields"`
	Price       string            `json:"price"`
	ImageURL    string            `json:"image_url,omitempty"`
	Image       *Asset            `json:"image,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ClosingDate string            `json:"closing_date"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// Field returns the value extracted for name, or "" when the descriptor does not define it.
func (r Record) Field(name string) string {
	return r.Fields[name]
}

// Asset describes an image that passed validation and was written to at least one destination.
type Asset struct {
	URL          string        `json:"url"`
	LocalPath    string        `json:"local_path,omitempty"`
	StorageKey   string        `json:"storage_key,omitempty"`
	ContentType  string        `json:"content_type"`
	Extension    string        `json:"extension"`
	Size         int           `json:"size"`
	SHA256       string        `json:"sha256,omitempty"`
	Destinations []Destination `json:"destinations"`
}

// Destination names a durable write target.
type Destination string

// Known destinations.
const (
	DestinationLocal  Destination = "local"
	DestinationRemote Destination = "remote"
)

// Snapshot is the raw page evidence handed to the archiver.
type Snapshot struct {
	Coordinates Coordinates
	Folder      string
	Body        []byte
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// ReadySelector is a CSS selector a rendering fetcher waits for before reading the DOM.
	ReadySelector string
}

// FetchResponse is the result returned by a Fetcher implementation.
// Non-2xx responses are returned as responses, not errors; transport failures are errors.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the declared Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}
