package lot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound marks a lot page that does not exist. It is an expected outcome that drives end-of-sale detection.
var ErrNotFound = errors.New("lot not found")

// ErrValidationRejected is matched by every asset validation failure.
var ErrValidationRejected = errors.New("asset rejected")

// Validation failure reasons.
var (
	ErrTooSmall       = fmt.Errorf("%w: payload below minimum size", ErrValidationRejected)
	ErrHTMLMasquerade = fmt.Errorf("%w: payload is an HTML document", ErrValidationRejected)
	ErrUnknownFormat  = fmt.Errorf("%w: unrecognized binary format", ErrValidationRejected)
)

// FailureKind distinguishes why a fetch failed.
type FailureKind string

// Fetch failure kinds.
const (
	FailureHTTP    FailureKind = "http"
	FailureTimeout FailureKind = "timeout"
	FailureDNS     FailureKind = "dns"
	FailureNetwork FailureKind = "network"
)

// FetchError reports a transport failure or a non-2xx response while fetching a page or an asset.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       FailureKind
	Err        error
}

// NewStatusError builds a FetchError for an HTTP status outside 2xx.
func NewStatusError(url string, status int) *FetchError {
	return &FetchError{
		URL:        url,
		StatusCode: status,
		Kind:       FailureHTTP,
		Err:        fmt.Errorf("unexpected status %d %s", status, http.StatusText(status)),
	}
}

// NewTransportError builds a FetchError from a transport-level error, classifying it for diagnostics.
func NewTransportError(url string, err error) *FetchError {
	return &FetchError{
		URL:  url,
		Kind: classifyTransport(err),
		Err:  err,
	}
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func classifyTransport(err error) FailureKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}

// StorageWriteError reports a failed write to one destination.
type StorageWriteError struct {
	Destination Destination
	Key         string
	Err         error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write %s %s: %v", e.Destination, e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}
