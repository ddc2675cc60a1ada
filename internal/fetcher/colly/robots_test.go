package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastCheckState() *robotsCheckState {
	s := newRobotsCheckState()
	s.policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestRobotsRetryReturnsAllowAllOnTimeout(t *testing.T) {
	t.Parallel()

	state := fastCheckState()
	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
	}}
	transport := &robotsAwareTransport{base: base, state: state}

	req := httptest.NewRequest(http.MethodGet, "https://www.manateepao.gov/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "User-agent: *\nAllow: /", string(body))
	assert.Equal(t, RobotsStatusIndeterminate, state.status)
	assert.Equal(t, robotsFallbackReasonTLSHandshake, state.reason)
	assert.Equal(t, 4, base.calls)

	var out Response
	state.apply(&out)
	assert.Equal(t, RobotsStatusIndeterminate, out.RobotsStatus)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	state := fastCheckState()
	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsAwareTransport{base: base, state: state}

	req := httptest.NewRequest(http.MethodGet, "https://www.manateepao.gov/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, base.calls)
	assert.Equal(t, RobotsStatusUnknown, state.status)
}

func TestRobotsNonTransientFailsFast(t *testing.T) {
	t.Parallel()

	state := fastCheckState()
	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("x509: unknown authority")}}}
	transport := &robotsAwareTransport{base: base, state: state}

	req := httptest.NewRequest(http.MethodGet, "https://www.manateepao.gov/robots.txt", nil)
	_, err := transport.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, 1, base.calls)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	if len(s.results) == 0 {
		return nil, context.DeadlineExceeded
	}
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
