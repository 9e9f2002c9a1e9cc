// Package collyfetcher implements lot.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/trivalaya/lotscraper/internal/lot"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBodySize = 32 << 20
	defaultBackoff     = 2 * time.Second
	maxRetryAfter      = 60 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Retries is how many extra attempts a throttled (429, 502-504) or failed request gets.
	Retries int
	// Backoff is the first retry delay; it doubles per attempt unless Retry-After says otherwise.
	Backoff time.Duration
}

// Fetcher implements lot.Fetcher using the Colly collector.
// Non-2xx responses come back as responses so callers can tell a 404 from a transport failure.
type Fetcher struct {
	cfg   Config
	base  *colly.Collector
	sleep func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled, instrumented transport across requests.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	transport := newInstrumentedTransport(newHTTPTransport())
	base := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	// Clones share the base backend, so its client is configured here and never per request.
	base.WithTransport(transport)
	base.SetRequestTimeout(cfg.Timeout)
	base.UserAgent = cfg.UserAgent
	return &Fetcher{cfg: cfg, base: base, sleep: sleepContext}
}

// Fetch GETs the URL, retrying throttled responses and transport failures up to cfg.Retries times.
// The last response or error is returned once attempts run out.
func (f *Fetcher) Fetch(ctx context.Context, request lot.FetchRequest) (lot.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := f.fetchOnce(ctx, request)
		if attempt >= f.cfg.Retries || ctx.Err() != nil {
			return resp, err
		}
		var wait time.Duration
		switch {
		case err != nil:
			wait = f.backoff(attempt)
		case retryableStatus(resp.StatusCode):
			wait = retryAfter(resp.Headers, f.backoff(attempt))
		default:
			return resp, nil
		}
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			if err == nil {
				err = lot.NewTransportError(request.URL, sleepErr)
			}
			return resp, err
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request lot.FetchRequest) (lot.FetchResponse, error) {
	v := &visit{request: request, start: time.Now()}
	collector := f.base.Clone()
	collector.Context = ctx
	v.attach(collector)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		return lot.FetchResponse{}, lot.NewTransportError(request.URL, fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if err == nil {
			err = v.err
		}
		if err != nil {
			return lot.FetchResponse{}, lot.NewTransportError(request.URL, err)
		}
		return v.response, nil
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	return f.cfg.Backoff << attempt
}

// visit holds the outcome of one collector run.
type visit struct {
	request  lot.FetchRequest
	start    time.Time
	response lot.FetchResponse
	err      error
}

func (v *visit) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.request.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		v.response = lot.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter honors a delta-seconds Retry-After header, capped, and falls back otherwise.
func retryAfter(headers http.Header, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil || secs < 0 {
		return fallback
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
