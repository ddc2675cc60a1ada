package headless

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
)

type fakeConn struct {
	contexts atomic.Int32
	closed   atomic.Int32
	doneCh   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{doneCh: make(chan struct{})}
}

func (f *fakeConn) newContext(ctx context.Context, _ PageConfig) (context.Context, context.CancelFunc, error) {
	f.contexts.Add(1)
	tabCtx, cancel := context.WithCancel(ctx)
	return tabCtx, func() {
		f.closed.Add(1)
		cancel()
	}, nil
}

func (f *fakeConn) newPage(ctx context.Context, _ PageConfig) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := context.WithCancel(ctx)
	return tabCtx, cancel, nil
}

func (f *fakeConn) done() <-chan struct{} { return f.doneCh }

func (f *fakeConn) close() { f.once.Do(func() { close(f.doneCh) }) }

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  int
	conns []*fakeConn
	delay time.Duration
}

func (d *fakeDialer) dial(ctx context.Context, _ Config) (conn, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.fail {
		return nil, errors.New("connect: connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestManager(t *testing.T, d *fakeDialer) *Manager {
	t.Helper()
	connect := resilience.ConnectPolicy()
	connect.Sleep = noSleep
	op := resilience.OperationPolicy()
	op.Sleep = noSleep
	m, err := NewManager(Config{MaxParallel: 4}, zap.NewNop(),
		withDialer(d.dial),
		WithConnectPolicy(connect),
		WithOperationPolicy(op),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewManagerRejectsNegativeParallel(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	m, err := NewManager(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cap(m.limiter))
}

func TestConnectRetriesThenFails(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{fail: 10}
	m := newTestManager(t, d)

	_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
	assert.Equal(t, parcel.CodeBrowserLaunchFailed, parcel.CodeOf(err))
	assert.Equal(t, 3, d.count())
	assert.False(t, m.Connected())
}

func TestConnectRecoversWithinBudget(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{fail: 2}
	m := newTestManager(t, d)

	got, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, d.count())
	assert.True(t, m.Connected())
}

func TestConcurrentCallsShareOneConnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := newTestManager(t, d)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
				return 0, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.count())
}

func TestEachCallGetsFreshContextClosedOnReturn(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)
	ctx := context.Background()

	var seen []context.Context
	for range 2 {
		_, err := WithPage(ctx, m, PageConfig{}, func(ctx context.Context, _ *Page) (int, error) {
			seen = append(seen, ctx)
			return 0, nil
		})
		require.NoError(t, err)
	}
	_, err := WithPage(ctx, m, PageConfig{}, func(ctx context.Context, _ *Page) (int, error) {
		seen = append(seen, ctx)
		return 0, errors.New("selector missing")
	})
	require.Error(t, err)

	require.Len(t, d.conns, 1)
	c := d.conns[0]
	assert.EqualValues(t, 3, c.contexts.Load())
	assert.EqualValues(t, 3, c.closed.Load())
	for _, tabCtx := range seen {
		assert.Error(t, tabCtx.Err(), "context should be closed after the call")
	}
}

func TestConnectionErrorRetriesOnceAfterReconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)

	var calls atomic.Int32
	got, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("websocket: close 1006 (abnormal closure)")
		}
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second", got)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 2, d.count())
}

func TestConnectionErrorGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)

	var calls atomic.Int32
	_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
		calls.Add(1)
		return 0, errors.New("browser disconnected")
	})
	require.Error(t, err)
	assert.Equal(t, parcel.CodeNavigationFailed, parcel.CodeOf(err))
	assert.EqualValues(t, 2, calls.Load())
}

func TestNonConnectionErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		code parcel.Code
	}{
		"plain":   {err: errors.New("selector #x not found"), code: parcel.CodeUnknown},
		"blocked": {err: parcel.NewError(parcel.CodeBlocked, "inspect page", "captcha"), code: parcel.CodeBlocked},
		"parse":   {err: parcel.NewError(parcel.CodeParseError, "extract", "no table"), code: parcel.CodeParseError},
		"timeout": {err: context.DeadlineExceeded, code: parcel.CodeTimeout},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := &fakeDialer{}
			m := newTestManager(t, d)

			var calls atomic.Int32
			_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
				calls.Add(1)
				return 0, tc.err
			})
			require.Error(t, err)
			assert.Equal(t, tc.code, parcel.CodeOf(err))
			assert.EqualValues(t, 1, calls.Load())
			assert.True(t, m.Connected())
		})
	}
}

func TestOperationTimeoutMapsToTimeout(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)

	_, err := WithPage(context.Background(), m, PageConfig{OperationTimeout: 10 * time.Millisecond},
		func(ctx context.Context, _ *Page) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	require.Error(t, err)
	assert.Equal(t, parcel.CodeTimeout, parcel.CodeOf(err))
}

func TestDisconnectInvalidatesConnection(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)

	_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	require.True(t, m.Connected())

	d.conns[0].close()
	require.Eventually(t, func() bool { return !m.Connected() }, time.Second, 5*time.Millisecond)

	_, err = WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
}

func TestClosedManagerRejectsCalls(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)
	m.Close()

	_, err := WithPage(context.Background(), m, PageConfig{}, func(context.Context, *Page) (int, error) {
		return 0, nil
	})
	require.Error(t, err)
	assert.Equal(t, parcel.CodeBrowserLaunchFailed, parcel.CodeOf(err))
	assert.Zero(t, d.count())
}

func TestBrowserContextNewPageClosedWithContext(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	m := newTestManager(t, d)

	var extra *Page
	_, err := WithContext(context.Background(), m, PageConfig{}, func(_ context.Context, bc *BrowserContext) (int, error) {
		p, err := bc.NewPage()
		if err != nil {
			return 0, err
		}
		extra = p
		return 0, nil
	})
	require.NoError(t, err)
	require.NotNil(t, extra)
	assert.Error(t, extra.ctx.Err())
}
