// Package orchestrator drives harvest cycles: session upkeep and refresh,
// scan and download, persistence, page alternation and operator reports.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/clock/system"
	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/navigator"
	"github.com/JakeFAU/egazette-harvester/internal/progress"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
	"github.com/JakeFAU/egazette-harvester/internal/schedule"
	"github.com/JakeFAU/egazette-harvester/internal/stats"
)

var (
	// ErrStopped is returned once Stop was called.
	ErrStopped = errors.New("harvester stopped")
	// ErrStopWindow is returned when a cycle would start inside a stop window.
	ErrStopWindow = errors.New("stop window reached")
	// ErrBusy is returned by TryRunCycle while another cycle runs.
	ErrBusy = errors.New("cycle already running")
)

// Session is the browser session the orchestrator drives.
type Session interface {
	Setup(ctx context.Context) error
	Ready() bool
	ShouldReload() bool
	Reload(ctx context.Context) error
	Age() time.Duration
	Scan(ctx context.Context) (harvest.ScanResult, error)
	Navigate(ctx context.Context, page int) (bool, error)
	CurrentPage(ctx context.Context) (int, error)
	NavigationStats() navigator.Stats
	Close() error
}

// Downloader runs one page of downloads.
type Downloader interface {
	Run(ctx context.Context, entries []harvest.Entry) []harvest.Outcome
	Workers() int
}

// StateStore holds the recent-codes window and per-run bookkeeping.
type StateStore interface {
	RecentCodes() ([]harvest.Identifier, error)
	AppendRecent(additions []harvest.Identifier) ([]harvest.Identifier, error)
	SaveLastCheck(first harvest.Identifier, at time.Time) error
	FailedCodes() ([]harvest.Identifier, error)
	SaveFailedCodes(ids []harvest.Identifier) error
}

// Refresh reasons, in priority order.
const (
	RefreshZeroData   = "ZERO_DATA_FALLBACK"
	RefreshStale      = "SESSION_STALE"
	RefreshPagination = "SMART_PAGINATION"
)

// Config tunes the cycle driver.
type Config struct {
	ZeroDataMaxCycles  int
	AvoidReloadMinutes []int
	WaitBetweenPages   time.Duration
	ReportFailedLimit  int
	// Telegram is shown in the start report.
	Telegram bool
}

func (c Config) withDefaults() Config {
	if c.ZeroDataMaxCycles <= 0 {
		c.ZeroDataMaxCycles = 3
	}
	if c.WaitBetweenPages < 0 {
		c.WaitBetweenPages = 0
	}
	if c.ReportFailedLimit <= 0 {
		c.ReportFailedLimit = 10
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Known may be nil.
type Deps struct {
	Session    Session
	Downloader Downloader
	Cache      *dedup.Cache
	State      StateStore
	Known      harvest.CodeStore
	Window     schedule.Window
	Stats      *stats.Session
	Events     progress.Emitter
	Clock      harvest.Clock
	RunID      [16]byte
}

// Orchestrator owns the cycle loop. Cycles never overlap.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	cycleMu sync.Mutex

	mu        sync.Mutex
	page      int
	known     map[harvest.Identifier]struct{}
	prepared  bool
	running   bool
	lastCycle *CycleResult
	lastErr   string

	stop         chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Stats == nil {
		deps.Stats = stats.New(deps.Clock.Now())
	}
	if deps.Cache == nil {
		deps.Cache = dedup.New(dedup.DefaultCapacity)
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logging.OrNop(logger).Named("orchestrator"),
		page:   1,
		known:  make(map[harvest.Identifier]struct{}),
		stop:   make(chan struct{}),
	}
}

// Prepare loads persisted state into the duplicate cache, the known set and
// the retry list. It runs once; later calls are no-ops.
func (o *Orchestrator) Prepare(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.prepared {
		return nil
	}
	recent, err := o.deps.State.RecentCodes()
	if err != nil {
		return fmt.Errorf("load recent codes: %w", err)
	}
	o.deps.Cache.Load(recent)

	if o.deps.Known != nil {
		known, err := o.deps.Known.Load(ctx)
		if err != nil {
			return fmt.Errorf("load known codes: %w", err)
		}
		for _, id := range known {
			o.known[id] = struct{}{}
		}
	}
	o.deps.Stats.SetKnownCodes(len(o.known))

	failed, err := o.deps.State.FailedCodes()
	if err != nil {
		o.logger.Warn("failed codes unreadable, starting clean", zap.Error(err))
	} else {
		o.deps.Stats.SeedRetry(failed)
	}
	o.prepared = true
	o.logger.Info("state loaded",
		zap.Int("recent", o.deps.Cache.Len()),
		zap.Int("known", len(o.known)),
		zap.Int("retry_needed", len(failed)))
	return nil
}

// Start prepares state and marks the run as started. Repeated calls only
// prepare.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Prepare(ctx); err != nil {
		return err
	}
	o.startOnce.Do(func() {
		o.emit(progress.Event{Stage: progress.StageRunStart})
	})
	return nil
}

// Run is the continuous driver: cycles back to back until Stop, the stop
// window or ctx ends, then releases the browser. It may be called again for
// the next window.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.stopped() {
		return ErrStopped
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	o.setRunning(true)
	o.report(startReport(o.startFacts()))
	defer o.pause()

	for {
		_, err := o.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrStopWindow):
			o.report(stopWindowReport(o.deps.Clock.Now().In(o.location())))
			return nil
		case errors.Is(err, ErrStopped), ctx.Err() != nil:
			return nil
		case err != nil:
			o.logger.Warn("cycle failed", zap.Error(err))
		}
		if err := retry.Sleep(ctx, o.cfg.WaitBetweenPages); err != nil {
			return nil
		}
	}
}

// RunCycle runs one cycle, waiting for any cycle in flight.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.cycle(ctx)
}

// TryRunCycle runs one cycle unless another is in flight.
func (o *Orchestrator) TryRunCycle(ctx context.Context) (CycleResult, error) {
	if !o.cycleMu.TryLock() {
		return CycleResult{}, ErrBusy
	}
	defer o.cycleMu.Unlock()
	return o.cycle(ctx)
}

// Stop asks the driver to finish after the current step.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

// pause saves the retry list and releases the browser between windows.
func (o *Orchestrator) pause() {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.saveFailed()
	if err := o.deps.Session.Close(); err != nil {
		o.logger.Warn("close session", zap.Error(err))
	}
	o.setRunning(false)
}

// Shutdown stops the driver, sends the stop report, saves state and releases
// the browser. It runs once.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.Stop()
		o.cycleMu.Lock()
		defer o.cycleMu.Unlock()

		o.report(stopReport(o.deps.Stats.Snapshot(), o.navStats(), o.deps.Clock.Now().In(o.location())))
		o.saveFailed()
		if err := o.deps.Session.Close(); err != nil {
			o.logger.Warn("close session", zap.Error(err))
		}
		o.setRunning(false)
		o.emit(progress.Event{Stage: progress.StageRunStop})
		o.logger.Info("harvester stopped")
	})
}

func (o *Orchestrator) saveFailed() {
	if err := o.deps.State.SaveFailedCodes(o.deps.Stats.RetryCodes()); err != nil {
		o.logger.Warn("save failed codes", zap.Error(err))
	}
}

func (o *Orchestrator) setRunning(v bool) {
	o.mu.Lock()
	o.running = v
	o.mu.Unlock()
}

func (o *Orchestrator) location() *time.Location {
	if o.deps.Window.Location == nil {
		return time.UTC
	}
	return o.deps.Window.Location
}

func (o *Orchestrator) navStats() navigator.Stats {
	return o.deps.Session.NavigationStats()
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Events == nil {
		return
	}
	evt.RunID = o.deps.RunID
	if evt.TS.IsZero() {
		evt.TS = o.deps.Clock.Now().UTC()
	}
	o.deps.Events.Emit(evt)
}

func (o *Orchestrator) report(text string) {
	o.emit(progress.Event{Stage: progress.StageReport, Note: text})
}

func (o *Orchestrator) startFacts() startFacts {
	o.mu.Lock()
	known := len(o.known)
	o.mu.Unlock()
	return startFacts{
		Known:    known,
		Workers:  o.deps.Downloader.Workers(),
		Cache:    o.deps.Cache.Capacity(),
		Telegram: o.cfg.Telegram,
		Started:  o.deps.Stats.Snapshot().Started,
	}
}

// Status is the JSON view served by the status API.
type Status struct {
	Running      bool            `json:"running"`
	SessionReady bool            `json:"session_ready"`
	SessionAge   float64         `json:"session_age_seconds"`
	CurrentPage  int             `json:"current_page"`
	Workers      int             `json:"workers"`
	RecentCodes  int             `json:"recent_codes"`
	Stats        stats.Snapshot  `json:"stats"`
	SuccessRate  float64         `json:"success_rate"`
	Navigation   navigator.Stats `json:"navigation"`
	Schedule     schedule.Status `json:"schedule"`
	LastCycle    *CycleResult    `json:"last_cycle,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Status returns a snapshot for the API.
func (o *Orchestrator) Status() Status {
	snap := o.deps.Stats.Snapshot()
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:      o.running,
		SessionReady: o.deps.Session.Ready(),
		SessionAge:   o.deps.Session.Age().Seconds(),
		CurrentPage:  o.page,
		Workers:      o.deps.Downloader.Workers(),
		RecentCodes:  o.deps.Cache.Len(),
		Stats:        snap,
		SuccessRate:  snap.SuccessRate(),
		Navigation:   o.deps.Session.NavigationStats(),
		Schedule:     o.deps.Window.StatusAt(o.deps.Clock.Now()),
		LastError:    o.lastErr,
	}
	if o.lastCycle != nil {
		last := *o.lastCycle
		st.LastCycle = &last
	}
	return st
}
