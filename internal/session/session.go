// Package session owns the browser session on the listing: setup and reload,
// result scanning against the duplicate cache, and page navigation.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/clock/system"
	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/navigator"
	"github.com/JakeFAU/egazette-harvester/internal/portal"
)

// Pinger checks portal reachability before a browser is launched.
type Pinger interface {
	Ping(ctx context.Context, url string) error
}

// Config holds the session knobs.
type Config struct {
	BaseURL          string
	AnnouncementType string
	Location         *time.Location
	MaxAge           time.Duration
	SearchWait       time.Duration
	FormWait         time.Duration
	DownloadDir      string
	Preflight        bool
	Navigation       navigator.Config
}

// Controller owns one browser and the listing it shows.
type Controller struct {
	cfg      Config
	launcher harvest.BrowserLauncher
	solver   harvest.CaptchaSolver
	cache    *dedup.Cache
	clock    harvest.Clock
	pinger   Pinger
	logger   *zap.Logger

	mu         sync.Mutex
	browser    harvest.Browser
	page       *portal.Page
	nav        *navigator.Navigator
	lastReload time.Time
	ready      bool
}

// Option customises a Controller.
type Option func(*Controller)

// WithPinger enables the preflight reachability check.
func WithPinger(p Pinger) Option {
	return func(c *Controller) { c.pinger = p }
}

// WithClock overrides the session clock.
func WithClock(clock harvest.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// New builds a Controller. No browser is launched until Setup.
func New(cfg Config, launcher harvest.BrowserLauncher, solver harvest.CaptchaSolver, cache *dedup.Cache, logger *zap.Logger, opts ...Option) *Controller {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SearchWait <= 0 {
		cfg.SearchWait = 20 * time.Second
	}
	if cfg.FormWait <= 0 {
		cfg.FormWait = 20 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 300 * time.Second
	}
	if cfg.AnnouncementType == "" {
		cfg.AnnouncementType = "đăng ký mới"
	}
	c := &Controller{
		cfg:      cfg,
		launcher: launcher,
		solver:   solver,
		cache:    cache,
		clock:    system.New(),
		logger:   logging.OrNop(logger).Named("session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Setup launches a browser when none is live and runs the search. It does
// not retry; callers decide whether to abandon the cycle.
func (c *Controller) Setup(ctx context.Context) error {
	if c.cfg.Preflight && c.pinger != nil {
		if err := c.pinger.Ping(ctx, c.cfg.BaseURL); err != nil {
			return fmt.Errorf("%w: preflight: %w", harvest.ErrSetup, err)
		}
	}

	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		b, err := c.launcher.Launch(ctx, c.cfg.DownloadDir)
		if err != nil {
			return fmt.Errorf("%w: launch browser: %w", harvest.ErrSetup, err)
		}
		page = portal.New(b)
		nav := navigator.New(page, c, c.cfg.Navigation, c.logger)
		c.mu.Lock()
		c.browser, c.page, c.nav = b, page, nav
		c.mu.Unlock()
	}

	if err := c.load(ctx, page); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.lastReload = c.clock.Now()
	c.mu.Unlock()
	c.logger.Info("session ready")
	return nil
}

// Reload re-runs the search on the live browser from a fresh entry URL and
// clears the navigation counters.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	page, nav := c.page, c.nav
	c.mu.Unlock()
	if page == nil {
		return fmt.Errorf("%w: reload: %w", harvest.ErrSetup, harvest.ErrNoSession)
	}

	c.logger.Info("reloading session", zap.Duration("age", c.Age()))
	if err := c.load(ctx, page); err != nil {
		return err
	}
	if nav != nil {
		nav.ResetFailures()
	}
	c.mu.Lock()
	c.ready = true
	c.lastReload = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// load is navigate, form, captcha, validation override and search.
func (c *Controller) load(ctx context.Context, page *portal.Page) error {
	url, err := portal.EntryURL(c.cfg.BaseURL, cacheBuster())
	if err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	if err := page.Open(ctx, url, c.cfg.FormWait); err != nil {
		return fmt.Errorf("%w: open listing: %w", harvest.ErrSetup, err)
	}
	if err := page.SelectAnnouncementType(ctx, c.cfg.AnnouncementType); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	if err := page.SetPublishDate(ctx, c.clock.Now().In(c.cfg.Location)); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	if err := c.solveCaptcha(ctx, page); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	if err := page.DisableValidation(ctx); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	if err := page.Search(ctx, c.cfg.SearchWait); err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrSetup, err)
	}
	return nil
}

func (c *Controller) solveCaptcha(ctx context.Context, page *portal.Page) error {
	key, found, err := page.SiteKey(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if c.solver == nil || key == "" {
		return fmt.Errorf("challenge present: %w", harvest.ErrCaptchaUnsolved)
	}
	pageURL, err := page.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("read page url: %w", err)
	}
	c.logger.Info("solving captcha")
	token, err := c.solver.Solve(ctx, key, pageURL)
	if err != nil {
		return fmt.Errorf("%w: %w", harvest.ErrCaptchaUnsolved, err)
	}
	return page.InjectCaptchaToken(ctx, token)
}

const bustChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func cacheBuster() string {
	b := make([]byte, 3)
	for i := range b {
		b[i] = bustChars[rand.IntN(len(bustChars))]
	}
	return string(b)
}

// Ready reports whether setup has completed on the live browser.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Age is the time since the last successful setup or reload.
func (c *Controller) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReload.IsZero() {
		return 0
	}
	return c.clock.Now().Sub(c.lastReload)
}

// ShouldReload reports whether the session is older than the max age.
func (c *Controller) ShouldReload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready || c.lastReload.IsZero() {
		return false
	}
	return c.clock.Now().Sub(c.lastReload) >= c.cfg.MaxAge
}

func (c *Controller) livePage() (*portal.Page, *navigator.Navigator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return nil, nil, harvest.ErrNoSession
	}
	return c.page, c.nav, nil
}

// Navigate moves the listing to page.
func (c *Controller) Navigate(ctx context.Context, page int) (bool, error) {
	_, nav, err := c.livePage()
	if err != nil {
		return false, err
	}
	return nav.NavigateTo(ctx, page)
}

// CurrentPage reads the live page number.
func (c *Controller) CurrentPage(ctx context.Context) (int, error) {
	_, nav, err := c.livePage()
	if err != nil {
		return 0, err
	}
	return nav.CurrentPage(ctx)
}

// NavigationStats returns the navigator counters, zero without a session.
func (c *Controller) NavigationStats() navigator.Stats {
	_, nav, err := c.livePage()
	if err != nil {
		return navigator.Stats{}
	}
	return nav.Stats()
}

// Browser returns the live browser, or nil.
func (c *Controller) Browser() harvest.Browser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browser
}

// Page returns the live page object, or nil.
func (c *Controller) Page() *portal.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// Cookies returns the live session's cookies.
func (c *Controller) Cookies(ctx context.Context) ([]harvest.Cookie, error) {
	b := c.Browser()
	if b == nil {
		return nil, harvest.ErrNoSession
	}
	return b.Cookies(ctx)
}

// CurrentURL returns the live session's location.
func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	b := c.Browser()
	if b == nil {
		return "", harvest.ErrNoSession
	}
	return b.CurrentURL(ctx)
}

// Close releases the browser. It is idempotent; a later Setup launches a
// fresh one.
func (c *Controller) Close() error {
	c.mu.Lock()
	b := c.browser
	c.browser, c.page, c.nav = nil, nil, nil
	c.ready = false
	c.lastReload = time.Time{}
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
