// Package server builds the harvester's dependency graph and runs it until
// the process is told to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/egazette-harvester/internal/api"
	"github.com/JakeFAU/egazette-harvester/internal/archive/gcs"
	"github.com/JakeFAU/egazette-harvester/internal/archive/local"
	"github.com/JakeFAU/egazette-harvester/internal/browser"
	"github.com/JakeFAU/egazette-harvester/internal/captcha"
	"github.com/JakeFAU/egazette-harvester/internal/clock/system"
	"github.com/JakeFAU/egazette-harvester/internal/config"
	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/delivery"
	pubsubdelivery "github.com/JakeFAU/egazette-harvester/internal/delivery/pubsub"
	"github.com/JakeFAU/egazette-harvester/internal/delivery/telegram"
	"github.com/JakeFAU/egazette-harvester/internal/download"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/hash/sha256"
	"github.com/JakeFAU/egazette-harvester/internal/id/uuid"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
	"github.com/JakeFAU/egazette-harvester/internal/navigator"
	"github.com/JakeFAU/egazette-harvester/internal/orchestrator"
	"github.com/JakeFAU/egazette-harvester/internal/pdfcheck"
	"github.com/JakeFAU/egazette-harvester/internal/preflight"
	"github.com/JakeFAU/egazette-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/egazette-harvester/internal/progress/sinks"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
	"github.com/JakeFAU/egazette-harvester/internal/schedule"
	"github.com/JakeFAU/egazette-harvester/internal/session"
	"github.com/JakeFAU/egazette-harvester/internal/state"
	pgstate "github.com/JakeFAU/egazette-harvester/internal/state/postgres"
	"github.com/JakeFAU/egazette-harvester/internal/stats"
)

const shutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  harvest.Clock

	orchestrator *orchestrator.Orchestrator
	window       schedule.Window
	apiServer    *api.Server
	dispatch     *delivery.Dispatcher
	progressHub  *progress.Hub

	pubsubPublisher *pubsubdelivery.Publisher
	storage         *storage.Client
	codeStore       *pgstate.CodeStore

	// windowMu keeps continuous sessions from overlapping when a start
	// minute fires while an immediate run is still going.
	windowMu sync.Mutex
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		Mode       string `json:"mode"`
		TestMode   bool   `json:"test_mode"`
		Workers    int    `json:"workers"`
		Isolation  string `json:"isolation"`
		Archive    string `json:"archive"`
		ServerPort int    `json:"server_port"`
		Telegram   bool   `json:"telegram"`
	}
	safeCfg := SanitizedConfig{
		Mode:       cfg.Schedule.Mode,
		TestMode:   cfg.Schedule.TestMode,
		Workers:    cfg.Download.MaxWorkers,
		Isolation:  cfg.Download.Isolation,
		Archive:    cfg.Archive.Backend,
		ServerPort: cfg.Server.Port,
		Telegram:   cfg.Delivery.Telegram.Enabled,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.NewIn(cfg.Location()),
	}, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	runID, err := uuid.New().NewRunID()
	if err != nil {
		return err
	}
	a.logger = a.logger.With(zap.String("run_id", runID.String()))
	a.logger.Info("building application dependencies")

	stateStore, err := state.New(a.cfg.State.Dir, a.cfg.State.RecentLimit)
	if err != nil {
		return fmt.Errorf("state store init failed: %w", err)
	}
	known, err := a.setupKnownStore(ctx, stateStore)
	if err != nil {
		return err
	}

	notifier, err := a.setupNotifier()
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}

	launcher, err := browser.NewLauncher(browser.Config{
		Headless:          a.cfg.Browser.Headless,
		NoSandbox:         a.cfg.Browser.NoSandbox,
		ExecPath:          a.cfg.Browser.ExecPath,
		UserAgent:         a.cfg.Browser.UserAgent,
		WindowWidth:       a.cfg.Browser.WindowWidth,
		WindowHeight:      a.cfg.Browser.WindowHeight,
		NavigationTimeout: a.cfg.Browser.NavTimeout(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("browser launcher init failed: %w", err)
	}
	solver, err := captcha.New(a.cfg.Captcha.Provider, captcha.Config{
		APIKey:       a.cfg.Captcha.APIKey,
		BaseURL:      a.cfg.Captcha.BaseURL,
		PollAttempts: a.cfg.Captcha.PollAttempts,
		PollInterval: time.Duration(a.cfg.Captcha.PollIntervalMs) * time.Millisecond,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("captcha solver init failed: %w", err)
	}

	cache := dedup.New(a.cfg.State.RecentLimit)
	sess := a.setupSession(launcher, solver, cache)
	isolator := a.setupIsolator(launcher, sess)

	a.dispatch = delivery.New(delivery.Config{
		Location: a.cfg.Location(),
	}, notifier, publisher, a.logger)

	downloadOpts := []download.Option{
		download.WithArchive(archive),
		download.WithDispatcher(a.dispatch),
		download.WithHasher(sha256.New()),
		download.WithNow(a.clock.Now),
	}
	if a.cfg.Download.ValidatePDF {
		downloadOpts = append(downloadOpts, download.WithValidator(pdfcheck.New(true)))
	}
	downloader := download.New(download.Config{
		Workers:          a.cfg.Download.MaxWorkers,
		DetectionTimeout: a.cfg.Download.DetectionTimeout(),
		PollInterval:     a.cfg.Download.PollInterval(),
		WindowGrace:      a.cfg.Download.WindowGrace(),
		RenameAttempts:   a.cfg.Download.RenameAttempts,
		RenameBackoff:    a.cfg.Download.RenameBackoff(),
	}, isolator, a.logger, downloadOpts...)

	if err := a.setupProgress(ctx, notifier); err != nil {
		return err
	}

	a.window = schedule.Window{
		TargetMinutes:    a.cfg.Schedule.TargetMinutes,
		StopMinutes:      a.cfg.Schedule.StopMinutes,
		PreCheckOffset:   a.cfg.Schedule.PreCheckOffset,
		CheckWindowAfter: a.cfg.Schedule.CheckWindowAfter,
		StopWindow:       a.cfg.Schedule.StopWindowMinutes,
		TestMode:         a.cfg.Schedule.TestMode,
		Location:         a.cfg.Location(),
	}
	a.orchestrator = orchestrator.New(orchestrator.Config{
		ZeroDataMaxCycles:  a.cfg.Session.ZeroDataMaxCycles,
		AvoidReloadMinutes: a.cfg.Session.AvoidReloadMinutes,
		WaitBetweenPages:   a.cfg.Pagination.WaitBetweenPages(),
		ReportFailedLimit:  a.cfg.Delivery.ReportFailedLimit,
		Telegram:           notifier != nil,
	}, orchestrator.Deps{
		Session:    sess,
		Downloader: downloader,
		Cache:      cache,
		State:      stateStore,
		Known:      known,
		Window:     a.window,
		Stats:      stats.New(a.clock.Now()),
		Events:     a.emitter(),
		Clock:      a.clock,
		RunID:      runID,
	}, a.logger)

	if a.cfg.Server.Enabled {
		codes := api.NewCodesHandler(known, stateStore, a.logger.Named("codes"))
		a.apiServer = api.NewServer(a.orchestrator, codes, api.Config{}, a.logger)
	}
	return nil
}

func (a *App) setupKnownStore(ctx context.Context, fallback *state.Store) (harvest.CodeStore, error) {
	if a.cfg.State.Postgres.DSN == "" {
		a.logger.Info("using file known-codes store", zap.String("dir", fallback.Dir()))
		return fallback, nil
	}
	var err error
	a.codeStore, err = pgstate.New(ctx, pgstate.Config{
		DSN:   a.cfg.State.Postgres.DSN,
		Table: a.cfg.State.Postgres.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("known-codes store init failed: %w", err)
	}
	a.logger.Info("using postgres known-codes store", zap.String("table", a.cfg.State.Postgres.Table))
	return a.codeStore, nil
}

func (a *App) setupNotifier() (harvest.Notifier, error) {
	tg := a.cfg.Delivery.Telegram
	if !tg.Enabled {
		a.logger.Warn("telegram delivery disabled; files stay in the archive only")
		return nil, nil
	}
	client, err := telegram.New(telegram.Config{
		BotToken:          tg.BotToken,
		ChatID:            tg.ChatID,
		APIBase:           tg.APIBase,
		MessagesPerMinute: tg.MessagesPerMinute,
		Timeout:           time.Duration(tg.TimeoutSeconds) * time.Second,
		MaxAttempts:       a.cfg.Delivery.Retries + 1,
		Backoff:           a.cfg.Delivery.RetryBackoff(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("telegram client init failed: %w", err)
	}
	a.logger.Info("telegram delivery enabled", zap.Int("messages_per_minute", tg.MessagesPerMinute))
	return client, nil
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	ps := a.cfg.Delivery.PubSub
	if ps.TopicName == "" || ps.ProjectID == "" {
		a.logger.Debug("no Pub/Sub topic configured")
		return nil, nil
	}
	var err error
	a.pubsubPublisher, err = pubsubdelivery.Connect(ctx, ps.ProjectID, ps.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupArchive(ctx context.Context) (harvest.Archive, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		archive, err := gcs.New(a.storage, gcs.Config{
			Bucket: a.cfg.Archive.GCSBucket,
			Prefix: a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		archive.SetClock(a.clock)
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return archive, nil
	default:
		archive, err := local.New(local.Config{BaseDir: a.cfg.Archive.Dir}, local.WithClock(a.clock))
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.Dir))
		return archive, nil
	}
}

func (a *App) setupSession(
	launcher harvest.BrowserLauncher,
	solver harvest.CaptchaSolver,
	cache *dedup.Cache,
) *session.Controller {
	nav := a.cfg.Navigation
	opts := []session.Option{session.WithClock(a.clock)}
	if a.cfg.Session.Preflight {
		opts = append(opts, session.WithPinger(preflight.New(preflight.Config{
			UserAgent: a.cfg.Browser.UserAgent,
			Timeout:   time.Duration(a.cfg.Session.PreflightTimeoutSeconds) * time.Second,
		}, a.logger)))
	}
	return session.New(session.Config{
		BaseURL:          a.cfg.Portal.BaseURL,
		AnnouncementType: a.cfg.Portal.AnnouncementType,
		Location:         a.cfg.Location(),
		MaxAge:           a.cfg.Session.MaxAge(),
		SearchWait:       a.cfg.Session.SearchWait(),
		DownloadDir:      a.cfg.Download.RootDir,
		Preflight:        a.cfg.Session.Preflight,
		Navigation: navigator.Config{
			FailureThreshold: nav.FailureThreshold,
			ClickChecks:      retry.Progressive(nav.ClickChecks()...),
			PostbackChecks: retry.Steps(
				time.Duration(nav.PostbackInitialMs)*time.Millisecond,
				time.Duration(nav.PostbackStepMs)*time.Millisecond,
				time.Duration(nav.PostbackExtraMs)*time.Millisecond,
			),
		},
	}, launcher, solver, cache, a.logger, opts...)
}

func (a *App) setupIsolator(launcher harvest.BrowserLauncher, sess *session.Controller) download.Isolator {
	if a.cfg.Download.Isolation == config.IsolationBrowser {
		a.logger.Info("using per-worker browsers", zap.Int("workers", a.cfg.Download.MaxWorkers))
		return download.NewBrowserIsolator(a.cfg.Download.RootDir, launcher, sess, a.logger)
	}
	a.logger.Info("using per-task download folders", zap.Int("workers", a.cfg.Download.MaxWorkers))
	return download.NewSubfolderIsolator(a.cfg.Download.RootDir, sess,
		a.cfg.Download.TriggerSettle(), a.cfg.Download.StartTimeout(), a.logger)
}

func (a *App) setupProgress(ctx context.Context, notifier harvest.Notifier) error {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if notifier != nil {
		sinkList = append(sinkList, progresssinks.NewNotifierSink(notifier, a.logger.Named("progress_notify")))
	}
	hubCfg := progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

// emitter avoids handing the orchestrator a typed nil.
func (a *App) emitter() progress.Emitter {
	if a.progressHub == nil {
		return nil
	}
	return a.progressHub
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orchestrator.Start(ctx); err != nil {
		a.Close(context.Background())
		return fmt.Errorf("start orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return a.drive(gctx) })

	<-gctx.Done()
	a.logger.Info("shutdown initiated")
	a.orchestrator.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	err := g.Wait()
	a.Close(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drive runs cycles on the configured schedule until ctx ends.
func (a *App) drive(ctx context.Context) error {
	if a.cfg.Schedule.Mode == config.ModeContinuous && a.cfg.Schedule.TestMode {
		a.logger.Info("test mode: monitoring continuously")
		if err := a.orchestrator.Run(ctx); err != nil {
			return fmt.Errorf("run orchestrator: %w", err)
		}
		return nil
	}

	job := a.runWindow
	if a.cfg.Schedule.Mode == config.ModeDiscrete {
		job = a.runDiscrete
	}
	sched, err := schedule.NewScheduler(a.window, job, a.logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	sched.Start(ctx)
	a.logger.Info("scheduler started", zap.Time("next", sched.Next()))

	if a.cfg.Schedule.Mode == config.ModeContinuous && a.window.IsCheckTime(a.clock.Now()) {
		a.logger.Info("inside a check window, starting immediately")
		go job(ctx)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		a.logger.Warn("scheduler stop failed", zap.Error(err))
	}
	return nil
}

// runWindow monitors from a start minute until the stop window.
func (a *App) runWindow(ctx context.Context) {
	if !a.windowMu.TryLock() {
		a.logger.Debug("monitoring session already active")
		return
	}
	defer a.windowMu.Unlock()
	if err := a.orchestrator.Run(ctx); err != nil && !errors.Is(err, orchestrator.ErrStopped) {
		a.logger.Error("monitoring session failed", zap.Error(err))
	}
}

// runDiscrete runs a single cycle per start minute.
func (a *App) runDiscrete(ctx context.Context) {
	res, err := a.orchestrator.TryRunCycle(ctx)
	switch {
	case err == nil:
		a.logger.Info("scheduled cycle finished",
			zap.Int("cycle", res.Number),
			zap.Int("downloaded", len(res.Downloaded)),
			zap.Int("failed", len(res.Failed)))
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrStopWindow):
		a.logger.Info("scheduled cycle skipped", zap.Error(err))
	default:
		a.logger.Error("scheduled cycle failed", zap.Error(err))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Shutdown()
	}
	if a.dispatch != nil {
		if err := a.dispatch.Wait(ctx); err != nil {
			a.logger.Warn("pending deliveries abandoned", zap.Error(err))
		}
		a.dispatch.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.codeStore != nil {
		a.codeStore.Close()
	}
}
