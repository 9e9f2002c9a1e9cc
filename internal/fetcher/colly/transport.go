package collyfetcher

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trivalaya/lotscraper/internal/metrics"
)

// instrumentedTransport records every outbound request against the upstream metrics.
type instrumentedTransport struct {
	base http.RoundTripper
	now  func() time.Time
}

func newInstrumentedTransport(base http.RoundTripper) *instrumentedTransport {
	return &instrumentedTransport{base: base, now: time.Now}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("instrumented transport received nil request")
	}
	start := t.now()
	resp, err := t.base.RoundTrip(req)
	elapsed := t.now().Sub(start)
	if err != nil {
		metrics.ObserveUpstream(req.URL.String(), 0, elapsed)
		return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
	}
	metrics.ObserveUpstream(req.URL.String(), resp.StatusCode, elapsed)
	return resp, nil
}
