// Package navigator implements the pagination state machine: idempotent page
// checks, ordered click strategies with a postback fallback, and a per-page
// failure counter that escalates to a session reload.
package navigator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// ReloadPage is the only page whose repeated failures trigger a reload.
const ReloadPage = 2

// Pager reads and drives the live pagination control.
type Pager interface {
	Pagination(ctx context.Context) (harvest.PaginationState, error)
	OnPage(ctx context.Context, page int) (bool, error)
	ClickPager(ctx context.Context, page int, method string) (bool, error)
	Postback(ctx context.Context, page int) (bool, error)
}

// Reloader re-establishes the listing from a fresh entry URL.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context) error

// Reload implements Reloader.
func (f ReloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

// Config tunes the state machine.
type Config struct {
	// FailureThreshold is the consecutive failure count that triggers a reload.
	FailureThreshold int
	// ClickChecks is when each click method is verified against the live page.
	ClickChecks retry.Schedule
	// PostbackChecks is when the postback fallback is verified.
	PostbackChecks retry.Schedule
}

// DefaultConfig mirrors the portal's observed timings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ClickChecks:      retry.Progressive(0, 300*time.Millisecond, 800*time.Millisecond, 1500*time.Millisecond),
		PostbackChecks:   retry.Steps(time.Second, 500*time.Millisecond, 2500*time.Millisecond),
	}
}

// Stats is a point-in-time view of the navigator.
type Stats struct {
	Page2Failures int    `json:"page2_failures"`
	Threshold     int    `json:"threshold"`
	Reloads       int    `json:"reloads"`
	LastMethod    string `json:"last_method,omitempty"`
}

// Navigator moves the listing between pages.
type Navigator struct {
	pager      Pager
	reloader   Reloader
	strategies []Strategy
	threshold  int
	logger     *zap.Logger

	// navMu serialises whole navigations; mu guards the counters.
	navMu      sync.Mutex
	mu         sync.Mutex
	failures   map[int]int
	reloads    int
	lastMethod string
}

// New builds a Navigator with the default strategy order: the three click
// methods followed by the postback fallback.
func New(pager Pager, reloader Reloader, cfg Config, logger *zap.Logger) *Navigator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if len(cfg.ClickChecks) == 0 {
		cfg.ClickChecks = DefaultConfig().ClickChecks
	}
	if len(cfg.PostbackChecks) == 0 {
		cfg.PostbackChecks = DefaultConfig().PostbackChecks
	}
	return NewWithStrategies(pager, reloader, cfg.FailureThreshold, DefaultStrategies(pager, cfg), logger)
}

// NewWithStrategies builds a Navigator around an explicit strategy list.
func NewWithStrategies(pager Pager, reloader Reloader, threshold int, strategies []Strategy, logger *zap.Logger) *Navigator {
	return &Navigator{
		pager:      pager,
		reloader:   reloader,
		strategies: strategies,
		threshold:  threshold,
		logger:     logging.OrNop(logger).Named("navigator"),
		failures:   make(map[int]int),
	}
}

// NavigateTo moves to target. It returns false with a nil error when target
// does not exist yet or every strategy failed below the reload threshold.
func (n *Navigator) NavigateTo(ctx context.Context, target int) (bool, error) {
	n.navMu.Lock()
	defer n.navMu.Unlock()

	state, err := n.pager.Pagination(ctx)
	if err != nil {
		return false, fmt.Errorf("read pagination: %w", err)
	}
	if state.Current == target {
		return true, nil
	}
	if !state.Has(target) {
		n.logger.Info("page not available",
			zap.Int("page", target),
			zap.Ints("available", state.Available))
		return false, nil
	}

	ok, err := n.attempt(ctx, target)
	if err != nil {
		return false, err
	}
	if ok {
		n.reset(target)
		return true, nil
	}

	count := n.recordFailure(target)
	n.logger.Warn("navigation failed",
		zap.Int("page", target),
		zap.Int("failures", count),
		zap.Int("threshold", n.threshold))
	if target != ReloadPage || count < n.threshold || n.reloader == nil {
		return false, nil
	}

	n.logger.Warn("failure threshold reached, reloading session", zap.Int("page", target))
	metrics.ObserveReload("navigation")
	reloadErr := n.reloader.Reload(ctx)
	n.mu.Lock()
	n.reloads++
	n.failures[target] = 0
	n.mu.Unlock()
	if reloadErr != nil {
		return false, fmt.Errorf("reload after %d failures: %w", count, reloadErr)
	}

	ok, err = n.attempt(ctx, target)
	if err != nil {
		return false, err
	}
	if ok {
		n.reset(target)
	}
	return ok, nil
}

// attempt runs strategies in order until one lands on target. Only context
// cancellation is returned as an error; strategy errors fall through.
func (n *Navigator) attempt(ctx context.Context, target int) (bool, error) {
	for _, s := range n.strategies {
		ok, err := s.Attempt(ctx, target)
		metrics.ObserveNavigation(s.Name(), ok && err == nil)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("navigate to page %d: %w", target, ctxErr)
		}
		if err != nil {
			n.logger.Debug("strategy error",
				zap.String("method", s.Name()),
				zap.Int("page", target),
				zap.Error(err))
			continue
		}
		if ok {
			n.mu.Lock()
			n.lastMethod = s.Name()
			n.mu.Unlock()
			n.logger.Info("navigated", zap.Int("page", target), zap.String("method", s.Name()))
			return true, nil
		}
	}
	return false, nil
}

func (n *Navigator) recordFailure(page int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[page]++
	return n.failures[page]
}

func (n *Navigator) reset(page int) {
	n.mu.Lock()
	n.failures[page] = 0
	n.mu.Unlock()
}

// Failures returns the consecutive failure count for page.
func (n *Navigator) Failures(page int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures[page]
}

// ResetFailures clears every page's counter. Called after a session reload.
func (n *Navigator) ResetFailures() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.failures)
}

// Stats snapshots the counters.
func (n *Navigator) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Page2Failures: n.failures[ReloadPage],
		Threshold:     n.threshold,
		Reloads:       n.reloads,
		LastMethod:    n.lastMethod,
	}
}

// CurrentPage reads the live page number.
func (n *Navigator) CurrentPage(ctx context.Context) (int, error) {
	state, err := n.pager.Pagination(ctx)
	if err != nil {
		return 0, fmt.Errorf("read pagination: %w", err)
	}
	return state.Current, nil
}
