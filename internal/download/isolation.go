package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/portal"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// ErrDownloadNotStarted means the browser reported no download for a trigger.
var ErrDownloadNotStarted = errors.New("download did not start")

// DefaultStartTimeout bounds the wait for a download start event.
const DefaultStartTimeout = 30 * time.Second

// ActivateFunc starts the browser download for entry. It returns the
// download the browser began, or nil when the browser does not report
// downloads.
type ActivateFunc func(ctx context.Context, entry harvest.Entry) (*harvest.Download, error)

// Workspace is a worker-exclusive download directory plus the means to
// trigger a download that lands in it.
type Workspace struct {
	Worker   int
	Dir      string
	activate ActivateFunc
	release  func()
}

// NewWorkspace assembles a Workspace; release may be nil.
func NewWorkspace(worker int, dir string, activate ActivateFunc, release func()) *Workspace {
	return &Workspace{Worker: worker, Dir: dir, activate: activate, release: release}
}

// Activate triggers entry's download.
func (w *Workspace) Activate(ctx context.Context, entry harvest.Entry) (*harvest.Download, error) {
	if w.activate == nil {
		return nil, fmt.Errorf("workspace %d: no trigger", w.Worker)
	}
	return w.activate(ctx, entry)
}

// Isolator hands out isolated workspaces. Implementations differ in how they
// keep concurrent downloads apart but share the no-collision contract.
type Isolator interface {
	Acquire(ctx context.Context, worker int) (*Workspace, error)
	Release(ws *Workspace)
}

// taskDirs gives every acquisition a fresh directory under the worker's
// folder, so a late file from an earlier task can never be claimed.
type taskDirs struct {
	root string
	seq  atomic.Int64
}

func (t *taskDirs) next(worker int) (string, error) {
	dir := filepath.Join(t.root, fmt.Sprintf("worker_%d", worker), fmt.Sprintf("task_%06d", t.seq.Add(1)))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// removeIfEmpty drops a spent task directory; anything left behind stays for
// inspection.
func removeIfEmpty(dir string) {
	_ = os.Remove(dir)
}

// BrowserSource exposes the session's live browser.
type BrowserSource interface {
	Browser() harvest.Browser
}

// SubfolderIsolator shares one browser. A trigger lock points the browser's
// download directory at the worker's folder and holds it until the browser
// reports the download started there. Browsers that do not report downloads
// get a fixed settle delay instead.
type SubfolderIsolator struct {
	dirs   taskDirs
	source BrowserSource
	settle time.Duration
	logger *zap.Logger

	triggerMu sync.Mutex
	watch     startWatch
}

// NewSubfolderIsolator builds the shared-browser isolator. A non-positive
// startTimeout means DefaultStartTimeout.
func NewSubfolderIsolator(root string, source BrowserSource, settle, startTimeout time.Duration, logger *zap.Logger) *SubfolderIsolator {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	logger = logging.OrNop(logger).Named("isolation")
	return &SubfolderIsolator{
		dirs:   taskDirs{root: root},
		source: source,
		settle: settle,
		logger: logger,
		watch:  startWatch{timeout: startTimeout, logger: logger},
	}
}

// Acquire implements Isolator.
func (s *SubfolderIsolator) Acquire(_ context.Context, worker int) (*Workspace, error) {
	dir, err := s.dirs.next(worker)
	if err != nil {
		return nil, err
	}
	activate := func(ctx context.Context, entry harvest.Entry) (*harvest.Download, error) {
		s.triggerMu.Lock()
		defer s.triggerMu.Unlock()
		b := s.source.Browser()
		if b == nil {
			return nil, harvest.ErrNoSession
		}
		if err := b.SetDownloadDir(ctx, dir); err != nil {
			return nil, err
		}
		trigger := func(ctx context.Context) error {
			return portal.New(b).Activate(ctx, entry.Trigger.Selector)
		}
		if events, ok := b.(harvest.DownloadEvents); ok {
			return s.watch.await(ctx, events, trigger)
		}
		if err := trigger(ctx); err != nil {
			return nil, err
		}
		return nil, retry.Sleep(ctx, s.settle)
	}
	return NewWorkspace(worker, dir, activate, func() { removeIfEmpty(dir) }), nil
}

// Release implements Isolator.
func (s *SubfolderIsolator) Release(ws *Workspace) {
	if ws != nil && ws.release != nil {
		ws.release()
	}
}

// startWatch binds the download start events of one browser to the
// triggers that caused them. It is not safe for concurrent use.
type startWatch struct {
	timeout time.Duration
	logger  *zap.Logger
	// unclaimed counts triggers whose start never arrived. Their starts may
	// still come and must not be taken by a later trigger.
	unclaimed int
}

// await fires trigger and returns the download it began.
func (w *startWatch) await(ctx context.Context, events harvest.DownloadEvents, trigger func(context.Context) error) (*harvest.Download, error) {
	starts := events.DownloadStarts()
	if err := w.drainLate(ctx, events, starts); err != nil {
		return nil, err
	}
	w.cancelQueued(ctx, events, starts)
	if err := trigger(ctx); err != nil {
		return nil, err
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case d := <-starts:
		w.logger.Debug("download started",
			zap.String("guid", d.GUID),
			zap.String("suggested_filename", d.SuggestedFilename))
		return &d, nil
	case <-timer.C:
		w.unclaimed++
		return nil, fmt.Errorf("%w within %s", ErrDownloadNotStarted, w.timeout)
	case <-ctx.Done():
		w.unclaimed++
		return nil, fmt.Errorf("wait for download start: %w", ctx.Err())
	}
}

// drainLate waits up to one timeout for the starts owed to earlier
// triggers and cancels them.
func (w *startWatch) drainLate(ctx context.Context, events harvest.DownloadEvents, starts <-chan harvest.Download) error {
	if w.unclaimed == 0 {
		return nil
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for w.unclaimed > 0 {
		select {
		case d := <-starts:
			w.unclaimed--
			w.cancel(ctx, events, d)
		case <-timer.C:
			w.logger.Debug("late downloads never started", zap.Int("count", w.unclaimed))
			w.unclaimed = 0
		case <-ctx.Done():
			return fmt.Errorf("wait for late downloads: %w", ctx.Err())
		}
	}
	return nil
}

// cancelQueued drops starts no trigger is waiting for.
func (w *startWatch) cancelQueued(ctx context.Context, events harvest.DownloadEvents, starts <-chan harvest.Download) {
	for {
		select {
		case d := <-starts:
			w.cancel(ctx, events, d)
		default:
			return
		}
	}
}

func (w *startWatch) cancel(ctx context.Context, events harvest.DownloadEvents, d harvest.Download) {
	w.logger.Warn("cancelling unclaimed download", zap.String("guid", d.GUID), zap.String("url", d.URL))
	if err := events.CancelDownload(ctx, d.GUID); err != nil {
		w.logger.Debug("cancel download failed", zap.String("guid", d.GUID), zap.Error(err))
	}
}

// ParentSession is the live session isolated browsers copy.
type ParentSession interface {
	Cookies(ctx context.Context) ([]harvest.Cookie, error)
	CurrentURL(ctx context.Context) (string, error)
}

// BrowserIsolator gives every task its own browser whose download root is
// the task folder, synchronised to the parent by URL and cookies.
type BrowserIsolator struct {
	dirs     taskDirs
	launcher harvest.BrowserLauncher
	parent   ParentSession
	logger   *zap.Logger
}

// NewBrowserIsolator builds the browser-per-worker isolator.
func NewBrowserIsolator(root string, launcher harvest.BrowserLauncher, parent ParentSession, logger *zap.Logger) *BrowserIsolator {
	return &BrowserIsolator{
		dirs:     taskDirs{root: root},
		launcher: launcher,
		parent:   parent,
		logger:   logging.OrNop(logger).Named("isolation"),
	}
}

// Acquire implements Isolator.
func (i *BrowserIsolator) Acquire(ctx context.Context, worker int) (*Workspace, error) {
	dir, err := i.dirs.next(worker)
	if err != nil {
		return nil, err
	}
	url, err := i.parent.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read parent url: %w", err)
	}
	cookies, err := i.parent.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read parent cookies: %w", err)
	}
	b, err := i.launcher.Launch(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("launch isolated browser: %w", err)
	}
	if err := i.sync(ctx, b, url, cookies); err != nil {
		_ = b.Close()
		removeIfEmpty(dir)
		return nil, err
	}
	i.logger.Debug("isolated browser ready", zap.Int("worker", worker), zap.String("dir", dir))

	watch := &startWatch{timeout: DefaultStartTimeout, logger: i.logger}
	activate := func(ctx context.Context, entry harvest.Entry) (*harvest.Download, error) {
		trigger := func(ctx context.Context) error {
			return portal.New(b).ActivateRow(ctx, entry.Identifier)
		}
		if events, ok := b.(harvest.DownloadEvents); ok {
			return watch.await(ctx, events, trigger)
		}
		return nil, trigger(ctx)
	}
	release := func() {
		if err := b.Close(); err != nil {
			i.logger.Warn("close isolated browser", zap.Int("worker", worker), zap.Error(err))
		}
		removeIfEmpty(dir)
	}
	return NewWorkspace(worker, dir, activate, release), nil
}

// sync loads the parent URL, installs its cookies and reloads so they apply.
func (i *BrowserIsolator) sync(ctx context.Context, b harvest.Browser, url string, cookies []harvest.Cookie) error {
	if err := b.Navigate(ctx, url); err != nil {
		return fmt.Errorf("sync isolated browser: %w", err)
	}
	if err := b.SetCookies(ctx, cookies); err != nil {
		return fmt.Errorf("clone cookies: %w", err)
	}
	if err := b.Navigate(ctx, url); err != nil {
		return fmt.Errorf("reload isolated browser: %w", err)
	}
	return nil
}

// Release implements Isolator.
func (i *BrowserIsolator) Release(ws *Workspace) {
	if ws != nil && ws.release != nil {
		ws.release()
	}
}
