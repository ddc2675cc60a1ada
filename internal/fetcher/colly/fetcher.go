// Package collyfetcher performs single HTTP requests for the HTTP-backed
// scrapers using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Retry governs transient failures (429, 5xx, resets). Zero value means
	// resilience defaults with ShouldRetry = IsTransient.
	Retry resilience.Policy
}

// Request is one HTTP call. A non-nil Form turns it into a POST.
type Request struct {
	URL     string
	Form    map[string]string
	Headers http.Header
}

// Response is the captured result of a Request.
type Response struct {
	URL          string
	Method       string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Attempts     int
	RobotsStatus RobotsStatus
	RobotsReason string
}

// Fetcher executes requests through a cloned Colly collector per call.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		logger:        logger.Named("colly"),
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes request, retrying transient failures per the configured
// policy. Non-2xx statuses surface as *resilience.TransientError for 429/5xx
// and as a plain error otherwise; the failed response is still returned.
func (f *Fetcher) Fetch(ctx context.Context, request Request) (Response, error) {
	policy := f.cfg.Retry
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = resilience.IsTransient
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 3
		policy.InitialBackoff = 500 * time.Millisecond
		policy.MaxBackoff = 5 * time.Second
		policy.Jitter = 0.2
	}
	attempts := 0
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		f.logger.Warn("http fetch failed, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	var last Response
	resp, err := resilience.DoValue(ctx, policy, func(ctx context.Context) (Response, error) {
		attempts++
		r, err := f.fetchOnce(ctx, request)
		last = r
		metrics.ObserveFetch(request.URL, r.StatusCode, len(r.Body))
		return r, err
	})
	if err != nil {
		// Keep the status and body of the final failed attempt for callers
		// that inspect error pages.
		resp = last
	}
	resp.Attempts = attempts
	return resp, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, request Request) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector, robotsState := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return result, err
	}
	if robotsState != nil {
		robotsState.apply(&result)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) (*colly.Collector, *robotsCheckState) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var robotsState *robotsCheckState
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		robotsState = newRobotsCheckState()
		collector.WithTransport(&robotsAwareTransport{base: baseTransport, state: robotsState})
	} else {
		collector.WithTransport(baseTransport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, robotsState
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	capture := func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			Method:     r.Request.Method,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	}
	hooks.OnResponse(capture)

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.StatusCode > 0 {
			capture(r)
			if statusErr := resilience.StatusError(r.StatusCode, r.Request.URL.String()); statusErr != nil {
				*fetchErr = statusErr
				return
			}
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request Request, fetchErr *error) error {
	collector.Context = ctx
	done := make(chan error, 1)
	go func() {
		if request.Form != nil {
			done <- collector.Post(request.URL, request.Form)
			return
		}
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request Request, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
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
		IdleConnTimeout:       90 * time.Second,
	}
}
