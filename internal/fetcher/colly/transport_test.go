package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	result roundTripResult
	calls  int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	s.calls++
	return s.result.resp, s.result.err
}

func TestInstrumentedTransportPassesThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{result: roundTripResult{resp: httptest.NewRecorder().Result()}}
	transport := newInstrumentedTransport(base)

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://lots.example.com/1", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, base.calls)
}

func TestInstrumentedTransportWrapsErrors(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{result: roundTripResult{err: context.DeadlineExceeded}}
	transport := newInstrumentedTransport(base)

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://lots.example.com/1", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = transport.RoundTrip(nil)
	require.Error(t, err)
}
