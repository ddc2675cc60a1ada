package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/parcel-ingest/internal/resilience"
)

// RobotsStatus records how robots.txt resolved for a fetch.
type RobotsStatus string

const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

const robotsFallbackReasonTLSHandshake = "TLS handshake timeout"

// robotsPolicy retries robots.txt fetches after 250ms, 500ms and 1s.
var robotsPolicy = resilience.Policy{
	MaxAttempts:    4,
	InitialBackoff: 250 * time.Millisecond,
	Multiplier:     2,
	MaxBackoff:     time.Second,
	ShouldRetry:    isTransientTLSError,
}

type robotsAwareTransport struct {
	base  http.RoundTripper
	state *robotsCheckState
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.state == nil || !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	return t.state.roundTripWithRetry(req, t.base)
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

type robotsCheckState struct {
	status RobotsStatus
	reason string
	policy resilience.Policy
}

func newRobotsCheckState() *robotsCheckState {
	return &robotsCheckState{policy: robotsPolicy}
}

func (s *robotsCheckState) apply(resp *Response) {
	if s == nil || resp == nil || s.status == RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus = s.status
	resp.RobotsReason = s.reason
}

// roundTripWithRetry retries TLS/timeout failures on robots.txt and falls back
// to an allow-all document once the retries are spent, marking the fetch as
// indeterminate.
func (s *robotsCheckState) roundTripWithRetry(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	resp, err := resilience.DoValue(req.Context(), s.policy, func(context.Context) (*http.Response, error) {
		return base.RoundTrip(cloneRequest(req))
	})
	if err == nil {
		return resp, nil
	}
	if !isTransientTLSError(err) {
		return nil, fmt.Errorf("robots roundtrip non-transient: %w", err)
	}
	s.status = RobotsStatusIndeterminate
	s.reason = robotsFallbackReasonTLSHandshake
	return syntheticRobotsAllowAllResponse(req), nil
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
