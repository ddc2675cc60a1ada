package headless

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// chromeConn is a conn backed by chromedp.
type chromeConn struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// dialChrome attaches to the remote CDP endpoint when configured, otherwise
// launches a local headless browser with the hardened flag set.
func dialChrome(ctx context.Context, cfg Config) (conn, error) {
	// The browser outlives the dial context; ctx only bounds the startup.
	base := context.Background()
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, execOptions(cfg)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, eris.Wrap(err, "start browser")
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, eris.Wrap(ctx.Err(), "start browser")
	}
	return &chromeConn{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (c *chromeConn) newContext(ctx context.Context, pc PageConfig) (context.Context, context.CancelFunc, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx, chromedp.WithNewBrowserContext())
	return c.prepare(ctx, tabCtx, cancelTab, pc)
}

func (c *chromeConn) newPage(ctx context.Context, pc PageConfig) (context.Context, context.CancelFunc, error) {
	tabCtx, cancelTab := chromedp.NewContext(ctx)
	return c.prepare(ctx, tabCtx, cancelTab, pc)
}

// prepare binds the caller's deadline and cancellation to the tab and applies
// the uniform emulation profile.
func (c *chromeConn) prepare(
	ctx context.Context,
	tabCtx context.Context,
	cancelTab context.CancelFunc,
	pc PageConfig,
) (context.Context, context.CancelFunc, error) {
	runCtx, cancelRun := tabCtx, context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancelRun = context.WithDeadline(tabCtx, deadline)
	}
	stop := context.AfterFunc(ctx, cancelTab)
	cancel := func() {
		stop()
		cancelRun()
		cancelTab()
	}
	if err := chromedp.Run(runCtx, c.emulate(pc)); err != nil {
		cancel()
		return nil, nil, eris.Wrap(err, "prepare browser context")
	}
	return runCtx, cancel, nil
}

func (c *chromeConn) emulate(pc PageConfig) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return eris.Wrap(err, "enable network domain")
		}
		if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).
			WithAcceptLanguage(acceptLanguage(c.cfg.Locale)).
			Do(ctx); err != nil {
			return eris.Wrap(err, "set user-agent")
		}
		if err := emulation.SetLocaleOverride().WithLocale(c.cfg.Locale).Do(ctx); err != nil {
			return eris.Wrap(err, "set locale")
		}
		if err := emulation.SetTimezoneOverride(c.cfg.Timezone).Do(ctx); err != nil {
			return eris.Wrap(err, "set timezone")
		}
		err := emulation.SetDeviceMetricsOverride(int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return eris.Wrap(err, "set viewport")
		}
		if len(pc.Cookies) > 0 {
			if err := network.SetCookies(pc.Cookies).Do(ctx); err != nil {
				return eris.Wrap(err, "seed cookies")
			}
		}
		if len(pc.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(pc.ExtraHeaders)).Do(ctx); err != nil {
				return eris.Wrap(err, "set extra headers")
			}
		}
		return nil
	})
}

func (c *chromeConn) done() <-chan struct{} {
	return c.browserCtx.Done()
}

func (c *chromeConn) close() {
	c.browserCancel()
	c.allocCancel()
}

// acceptLanguage turns "en-US" into "en-US,en;q=0.9".
func acceptLanguage(locale string) string {
	lang, _, found := strings.Cut(locale, "-")
	if !found || lang == "" {
		return locale
	}
	return locale + "," + lang + ";q=0.9"
}
