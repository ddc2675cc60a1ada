// Package headless owns the shared browser connection and hands out isolated
// browsing contexts for scraping.
package headless

import (
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Defaults applied uniformly to every browsing context.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	DefaultLocale            = "en-US"
	DefaultTimezone          = "America/New_York"
	DefaultViewportWidth     = 1920
	DefaultViewportHeight    = 1080
	DefaultNavigationTimeout = 30 * time.Second
	DefaultOperationTimeout  = 120 * time.Second
)

// Config controls how the manager connects to a browser.
type Config struct {
	// RemoteURL is a CDP websocket endpoint. Empty means launch a local browser.
	RemoteURL string
	ExecPath  string
	// Headful disables headless mode for local debugging.
	Headful           bool
	NoSandbox         bool
	UserAgent         string
	Locale            string
	Timezone          string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	OperationTimeout  time.Duration
	ConnectTimeout    time.Duration
	// MaxParallel bounds concurrently open contexts; 0 means unbounded.
	MaxParallel int
}

// PageConfig overrides per call.
type PageConfig struct {
	NavigationTimeout time.Duration
	OperationTimeout  time.Duration
	// Cookies seed the isolated context (an explicit storage state). Nothing
	// else is shared between calls.
	Cookies      []*network.CookieParam
	ExtraHeaders http.Header
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

func (c Config) navTimeout(pc PageConfig) time.Duration {
	if pc.NavigationTimeout > 0 {
		return pc.NavigationTimeout
	}
	return c.NavigationTimeout
}

func (c Config) opTimeout(pc PageConfig) time.Duration {
	if pc.OperationTimeout > 0 {
		return pc.OperationTimeout
	}
	return c.OperationTimeout
}

// execOptions builds the hardened local launch flag set.
func execOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("lang", cfg.Locale),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
