// Package browser provides the chromedp-backed browser capability used by the
// session controller and the isolated download workers.
package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
)

// Config controls how Chrome instances are launched.
type Config struct {
	Headless          bool
	NoSandbox         bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	NavigationTimeout time.Duration
}

const (
	defaultNavTimeout = 60 * time.Second
	defaultOpTimeout  = 30 * time.Second
	// startBuffer holds download starts nobody has read yet.
	startBuffer = 16
)

// Launcher starts independent Chrome processes.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher validates cfg and returns a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	return &Launcher{cfg: cfg, logger: logging.OrNop(logger).Named("browser")}, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.WindowWidth > 0 && l.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts a browser whose downloads land in downloadDir (optional).
// The browser outlives ctx; ctx only bounds the startup.
func (l *Launcher) Launch(ctx context.Context, downloadDir string) (harvest.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		cfg:         l.cfg,
		tab:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
		starts:      make(chan harvest.Download, startBuffer),
	}
	chromedp.ListenTarget(tabCtx, c.handleEvent)

	startCtx, stop := c.bound(ctx, l.cfg.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(startCtx, c.setupAction()); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	if downloadDir != "" {
		if err := c.SetDownloadDir(ctx, downloadDir); err != nil {
			c.shutdown()
			return nil, err
		}
	}
	l.logger.Debug("browser launched", zap.String("download_dir", downloadDir))
	return c, nil
}

// Chrome is one browser process with a single tab.
type Chrome struct {
	cfg         Config
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	starts chan harvest.Download

	mu          sync.Mutex
	closed      bool
	downloadDir string
}

func (c *Chrome) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable page domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// handleEvent accepts stray alert/confirm dialogs, which would otherwise
// block every later CDP call on the tab.
func (c *Chrome) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		c.logger.Debug("accepting javascript dialog", zap.String("message", e.Message))
		go func() {
			if err := chromedp.Run(c.tab, page.HandleJavaScriptDialog(true)); err != nil {
				c.logger.Debug("dialog accept failed", zap.Error(err))
			}
		}()
	case *cdpbrowser.EventDownloadWillBegin:
		d := harvest.Download{GUID: e.GUID, SuggestedFilename: e.SuggestedFilename, URL: e.URL}
		select {
		case c.starts <- d:
		default:
			c.logger.Warn("download start dropped", zap.String("guid", e.GUID))
		}
	case *cdpbrowser.EventDownloadProgress:
		if e.State == cdpbrowser.DownloadProgressStateCompleted {
			c.logger.Debug("download completed", zap.String("guid", e.GUID))
		}
	}
}

// bound derives an operation context from the tab that also ends when the
// caller's ctx does. Cancelling it never closes the tab.
func (c *Chrome) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	opCtx, cancel := context.WithTimeout(c.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if c.isClosed() {
		return harvest.ErrNoSession
	}
	opCtx, done := c.bound(ctx, timeout)
	defer done()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the document body.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	err := c.run(ctx, c.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Evaluate runs script in the page and decodes the result into out.
func (c *Chrome) Evaluate(ctx context.Context, script string, out any) error {
	if err := c.run(ctx, defaultOpTimeout, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

// WaitVisible blocks until selector is visible or timeout elapses.
func (c *Chrome) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := c.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("wait visible %s: %w", selector, harvest.ErrNotFound)
		}
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

// Click performs a native click on the first node matching selector.
func (c *Chrome) Click(ctx context.Context, selector string) error {
	if err := c.run(ctx, defaultOpTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// CurrentURL returns the tab's location.
func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, defaultOpTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

// Cookies returns the cookies visible to the current page.
func (c *Chrome) Cookies(ctx context.Context) ([]harvest.Cookie, error) {
	var cookies []*network.Cookie
	err := c.run(ctx, defaultOpTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// SetCookies installs cookies, typically cloned from a parent session.
func (c *Chrome) SetCookies(ctx context.Context, cookies []harvest.Cookie) error {
	err := c.run(ctx, defaultOpTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, params := range toSetCookieParams(cookies) {
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", params.Name, err)
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// SetDownloadDir points browser downloads at dir. Each download is saved
// under its GUID and reported on DownloadStarts.
func (c *Chrome) SetDownloadDir(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve download dir: %w", err)
	}
	err = c.run(ctx, defaultOpTimeout, cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(abs).
		WithEventsEnabled(true))
	if err != nil {
		return fmt.Errorf("set download dir: %w", err)
	}
	c.mu.Lock()
	c.downloadDir = abs
	c.mu.Unlock()
	return nil
}

// DownloadStarts implements harvest.DownloadEvents.
func (c *Chrome) DownloadStarts() <-chan harvest.Download { return c.starts }

// CancelDownload aborts the download with guid.
func (c *Chrome) CancelDownload(ctx context.Context, guid string) error {
	if err := c.run(ctx, defaultOpTimeout, cdpbrowser.CancelDownload(guid)); err != nil {
		return fmt.Errorf("cancel download %s: %w", guid, err)
	}
	return nil
}

// DownloadDir returns the last configured download directory.
func (c *Chrome) DownloadDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloadDir
}

// Close terminates the tab and the Chrome process. It is idempotent.
func (c *Chrome) Close() error {
	c.shutdown()
	return nil
}

func (c *Chrome) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.tabCancel()
	c.allocCancel()
}

func (c *Chrome) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
