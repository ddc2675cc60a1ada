package headless

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/parcel-ingest/internal/headless/detector"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
)

// conn is one live browser connection.
type conn interface {
	// newContext opens a tab inside a fresh, isolated browser context.
	newContext(ctx context.Context, pc PageConfig) (context.Context, context.CancelFunc, error)
	// newPage opens another tab inside the browser context that owns ctx.
	newPage(ctx context.Context, pc PageConfig) (context.Context, context.CancelFunc, error)
	// done is closed once the browser disconnects.
	done() <-chan struct{}
	close()
}

type dialFunc func(ctx context.Context, cfg Config) (conn, error)

// Manager owns a single browser connection shared across calls. Each call
// runs in its own browser context which is torn down on return.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	dial     dialFunc
	detector *detector.Detector
	connect  resilience.Policy
	retry    resilience.Policy
	limiter  chan struct{}

	group  singleflight.Group
	mu     sync.Mutex
	conn   conn
	closed bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDetector replaces the default blocking detector.
func WithDetector(d *detector.Detector) Option {
	return func(m *Manager) { m.detector = d }
}

// WithConnectPolicy replaces the connect retry schedule.
func WithConnectPolicy(p resilience.Policy) Option {
	return func(m *Manager) { m.connect = p }
}

// WithOperationPolicy replaces the per-operation retry schedule.
func WithOperationPolicy(p resilience.Policy) Option {
	return func(m *Manager) { m.retry = p }
}

func withDialer(d dialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// NewManager builds a Manager. The browser is started lazily on first use.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg.MaxParallel < 0 {
		return nil, eris.New("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		dial:     dialChrome,
		detector: detector.New(),
		connect:  resilience.ConnectPolicy(),
		retry:    resilience.OperationPolicy(),
	}
	if cfg.MaxParallel > 0 {
		m.limiter = make(chan struct{}, cfg.MaxParallel)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retry.ShouldRetry = retryableOperation
	return m, nil
}

// Close shuts down the browser connection. Subsequent calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		m.conn.close()
		m.conn = nil
	}
}

// Connected reports whether a live connection is cached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Detector returns the blocking detector used by pages.
func (m *Manager) Detector() *detector.Detector {
	return m.detector
}

// connection returns the cached browser or establishes one. Concurrent
// callers share a single in-flight connect.
func (m *Manager) connection(ctx context.Context) (conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, parcel.NewError(parcel.CodeBrowserLaunchFailed, "connect", "session manager is closed")
	}
	if m.conn != nil {
		c := m.conn
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (any, error) {
		// The connect outlives any single waiting caller.
		return m.establish(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, parcel.WrapError(parcel.CodeTimeout, "connect", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c, _ := res.Val.(conn)
		return c, nil
	}
}

func (m *Manager) establish(ctx context.Context) (conn, error) {
	policy := m.connect
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.Warn("browser connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	c, err := resilience.DoValue(ctx, policy, func(ctx context.Context) (conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
		return m.dial(dialCtx, m.cfg)
	})
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeBrowserLaunchFailed, "connect", err).
			WithDebug("remote", m.cfg.RemoteURL != "")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.close()
		return nil, parcel.NewError(parcel.CodeBrowserLaunchFailed, "connect", "session manager is closed")
	}
	m.conn = c
	m.mu.Unlock()

	go m.watch(c)
	m.logger.Info("browser connected", zap.Bool("remote", m.cfg.RemoteURL != ""))
	return c, nil
}

// watch invalidates the singleton once the browser reports a disconnect.
func (m *Manager) watch(c conn) {
	<-c.done()
	if m.invalidate(c) {
		m.logger.Warn("browser disconnected; next call will reconnect")
	}
}

func (m *Manager) invalidate(c conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		return false
	}
	m.conn = nil
	c.close()
	return true
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	select {
	case m.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return parcel.WrapError(parcel.CodeTimeout, "acquire browser slot", ctx.Err())
	}
}

func (m *Manager) release() {
	if m.limiter == nil {
		return
	}
	select {
	case <-m.limiter:
	default:
	}
}

// BrowserContext is an isolated browsing context handed to WithContext callbacks.
type BrowserContext struct {
	ctx  context.Context
	mgr  *Manager
	conn conn
	cfg  PageConfig
	// first is the tab created with the context.
	first   *Page
	mu      sync.Mutex
	closers []context.CancelFunc
}

// Page returns the context's initial tab.
func (b *BrowserContext) Page() *Page {
	return b.first
}

// NewPage opens another tab sharing this context's cookies and storage.
// The tab is closed when the context is torn down.
func (b *BrowserContext) NewPage() (*Page, error) {
	tabCtx, closeTab, err := b.conn.newPage(b.ctx, b.cfg)
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeNavigationFailed, "open page", err)
	}
	b.mu.Lock()
	b.closers = append(b.closers, closeTab)
	b.mu.Unlock()
	return newPage(tabCtx, b.mgr, b.cfg), nil
}

func (b *BrowserContext) closePages() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// WithContext runs fn inside a fresh browser context. The context is always
// closed on return. A connection-class failure reruns the whole operation
// (new context + fn) once; other errors propagate immediately.
func WithContext[T any](
	ctx context.Context,
	m *Manager,
	pc PageConfig,
	fn func(ctx context.Context, bc *BrowserContext) (T, error),
) (T, error) {
	var zero T
	if err := m.acquire(ctx); err != nil {
		return zero, err
	}
	defer m.release()

	policy := m.retry
	policy.OnRetry = func(attempt int, err error, _ time.Duration) {
		m.logger.Warn("browser operation lost its connection, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return resilience.DoValue(ctx, policy, func(ctx context.Context) (T, error) {
		return runIsolated(ctx, m, pc, fn)
	})
}

// WithPage is WithContext for callers that need a single tab.
func WithPage[T any](
	ctx context.Context,
	m *Manager,
	pc PageConfig,
	fn func(ctx context.Context, page *Page) (T, error),
) (T, error) {
	return WithContext(ctx, m, pc, func(ctx context.Context, bc *BrowserContext) (T, error) {
		return fn(ctx, bc.Page())
	})
}

func runIsolated[T any](
	ctx context.Context,
	m *Manager,
	pc PageConfig,
	fn func(ctx context.Context, bc *BrowserContext) (T, error),
) (T, error) {
	var zero T
	c, err := m.connection(ctx)
	if err != nil {
		return zero, err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.opTimeout(pc))
	defer cancel()

	tabCtx, closeTab, err := c.newContext(opCtx, pc)
	if err != nil {
		if resilience.IsConnectionError(err) {
			m.invalidate(c)
		}
		return zero, classify(opCtx, "open context", err)
	}
	defer closeTab()

	bc := &BrowserContext{ctx: tabCtx, mgr: m, conn: c, cfg: pc}
	bc.first = newPage(tabCtx, m, pc)
	defer bc.closePages()
	val, err := fn(tabCtx, bc)
	if err != nil {
		if resilience.IsConnectionError(err) {
			m.invalidate(c)
		}
		return zero, classify(opCtx, "operation", err)
	}
	return val, nil
}

// classify maps raw automation errors into the coded taxonomy. Already coded
// errors pass through untouched.
func classify(opCtx context.Context, op string, err error) error {
	var coded *parcel.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return parcel.WrapError(parcel.CodeTimeout, op, err)
	}
	if resilience.IsConnectionError(err) {
		return parcel.WrapError(parcel.CodeNavigationFailed, op, err)
	}
	return err
}

// retryableOperation limits the operation retry to connection-class failures
// that are not already classified as terminal.
func retryableOperation(err error) bool {
	switch parcel.CodeOf(err) {
	case parcel.CodeBlocked, parcel.CodeParseError, parcel.CodeTimeout, parcel.CodeBrowserLaunchFailed:
		return false
	}
	return resilience.IsConnectionError(err)
}
