// Package download runs the concurrent per-entry download protocol: isolated
// workspaces, pre-allocated filenames, layered file detection, validation,
// archival and asynchronous delivery hand-off.
package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/fsutil"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
)

// Config tunes the worker pool and detection.
type Config struct {
	Workers          int
	DetectionTimeout time.Duration
	PollInterval     time.Duration
	WindowGrace      time.Duration
	RenameAttempts   int
	RenameBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.WindowGrace <= 0 {
		c.WindowGrace = 5 * time.Second
	}
	if c.RenameAttempts <= 0 {
		c.RenameAttempts = 3
	}
	if c.RenameBackoff <= 0 {
		c.RenameBackoff = 500 * time.Millisecond
	}
	return c
}

// Validator rejects files that are not usable PDFs.
type Validator interface {
	Validate(path string) error
}

// Hasher fingerprints a finished file.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Dispatcher takes successful outcomes off the critical path.
type Dispatcher interface {
	Dispatch(outcome harvest.Outcome)
}

// Coordinator runs downloads for one page of entries.
type Coordinator struct {
	cfg        Config
	isolator   Isolator
	table      *Table
	strategies []Strategy
	validator  Validator
	hasher     Hasher
	archive    harvest.Archive
	dispatcher Dispatcher
	hook       func(harvest.Outcome)
	now        func() time.Time
	logger     *zap.Logger
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithValidator checks each detected file before it is archived.
func WithValidator(v Validator) Option { return func(c *Coordinator) { c.validator = v } }

// WithHasher records a content digest on each success.
func WithHasher(h Hasher) Option { return func(c *Coordinator) { c.hasher = h } }

// WithArchive stores each detected file.
func WithArchive(a harvest.Archive) Option { return func(c *Coordinator) { c.archive = a } }

// WithDispatcher hands successes to asynchronous delivery.
func WithDispatcher(d Dispatcher) Option { return func(c *Coordinator) { c.dispatcher = d } }

// WithOutcomeHook observes every outcome as it is produced.
func WithOutcomeHook(fn func(harvest.Outcome)) Option { return func(c *Coordinator) { c.hook = fn } }

// WithStrategies replaces the detection chain.
func WithStrategies(s ...Strategy) Option { return func(c *Coordinator) { c.strategies = s } }

// WithNow overrides the task clock.
func WithNow(fn func() time.Time) Option { return func(c *Coordinator) { c.now = fn } }

// New builds a Coordinator with the snapshot, pattern, window detection chain.
func New(cfg Config, isolator Isolator, logger *zap.Logger, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	renamer := Renamer{Attempts: cfg.RenameAttempts, Backoff: cfg.RenameBackoff}
	c := &Coordinator{
		cfg:      cfg,
		isolator: isolator,
		table:    NewTable(),
		strategies: []Strategy{
			&SnapshotStrategy{Timeout: cfg.DetectionTimeout, Interval: cfg.PollInterval, Renamer: renamer},
			&PatternStrategy{Renamer: renamer},
			&WindowStrategy{Grace: cfg.WindowGrace, Renamer: renamer},
		},
		now:    time.Now,
		logger: logging.OrNop(logger).Named("download"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Workers is the pool size.
func (c *Coordinator) Workers() int { return c.cfg.Workers }

// Allocations exposes the live allocation table.
func (c *Coordinator) Allocations() *Table { return c.table }

// Run downloads entries with up to Workers in flight and returns one outcome
// per entry, in entry order, once every worker has finished.
func (c *Coordinator) Run(ctx context.Context, entries []harvest.Entry) []harvest.Outcome {
	outcomes := make([]harvest.Outcome, len(entries))
	if len(entries) == 0 {
		return outcomes
	}
	slots := make(chan int, c.cfg.Workers)
	for w := 1; w <= c.cfg.Workers; w++ {
		slots <- w
	}

	var wg sync.WaitGroup
	for i, entry := range entries {
		var worker int
		select {
		case worker = <-slots:
		case <-ctx.Done():
			outcomes[i] = harvest.Outcome{Identifier: entry.Identifier, Reason: "canceled"}
			continue
		}
		wg.Add(1)
		go func(i, worker int, entry harvest.Entry) {
			defer wg.Done()
			defer func() { slots <- worker }()
			outcomes[i] = c.process(ctx, worker, entry)
		}(i, worker, entry)
	}
	wg.Wait()

	succeeded := len(harvest.Succeeded(outcomes))
	c.logger.Info("download pass complete",
		zap.Int("entries", len(entries)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(entries)-succeeded))
	return outcomes
}

func (c *Coordinator) process(ctx context.Context, worker int, entry harvest.Entry) (out harvest.Outcome) {
	start := c.now()
	out = harvest.Outcome{Identifier: entry.Identifier, Worker: worker}
	logger := c.logger.With(zap.String("identifier", entry.Identifier.String()), zap.Int("worker", worker))
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		out.Duration = c.now().Sub(start)
		metrics.ObserveDownload(out.Success, out.Duration)
		if out.Success {
			logger.Info("download succeeded",
				zap.String("strategy", out.Strategy),
				zap.String("path", out.Path),
				zap.Duration("duration", out.Duration))
		} else {
			logger.Warn("download failed", zap.String("reason", out.Reason))
		}
		if c.hook != nil {
			c.hook(out)
		}
	}()

	ws, err := c.isolator.Acquire(ctx, worker)
	if err != nil {
		out.Reason = fmt.Sprintf("workspace: %v", err)
		return out
	}
	defer c.isolator.Release(ws)

	alloc := c.table.Allocate(worker, entry.Identifier, ws.Dir, start)
	defer c.table.Release(worker)

	snapshot, err := Snapshot(ws.Dir)
	if err != nil {
		out.Reason = err.Error()
		return out
	}
	download, err := ws.Activate(ctx, entry)
	if err != nil {
		out.Reason = fmt.Sprintf("trigger: %v", err)
		return out
	}

	task := &Task{
		Identifier: entry.Identifier,
		Dir:        ws.Dir,
		Target:     alloc.Target(),
		Started:    start,
		Snapshot:   snapshot,
		Download:   download,
	}
	path, strategy, err := c.detect(ctx, task)
	if err != nil {
		out.Reason = err.Error()
		return out
	}
	out.Path, out.Strategy = path, strategy

	if c.validator != nil {
		if err := c.validator.Validate(path); err != nil {
			out.Reason = fmt.Sprintf("invalid pdf: %v", err)
			return out
		}
	}
	if c.hasher != nil {
		digest, err := c.hasher.HashFile(path)
		if err != nil {
			logger.Warn("digest failed", zap.Error(err))
		}
		out.SHA256 = digest
	}
	if c.archive != nil {
		stored, err := c.archive.Store(ctx, path)
		if err != nil {
			logger.Warn("archive failed, keeping workspace copy", zap.Error(err))
		} else {
			out.ArchiveURI = stored.URI
			out.Transient = stored.Transient
			if stored.Path != "" {
				out.Path = stored.Path
			}
		}
	}

	out.Success = true
	switch {
	case c.dispatcher != nil:
		c.dispatcher.Dispatch(out)
	case out.Transient:
		if err := fsutil.Discard(out.Path); err != nil {
			logger.Warn("remove archived workspace copy", zap.Error(err))
		}
	}
	return out
}

func (c *Coordinator) detect(ctx context.Context, task *Task) (string, string, error) {
	for _, s := range c.strategies {
		path, err := s.Attempt(ctx, task)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", fmt.Errorf("detect: %w", ctxErr)
		}
		if err != nil {
			c.logger.Debug("detection strategy error",
				zap.String("strategy", s.Name()),
				zap.String("identifier", task.Identifier.String()),
				zap.Error(err))
			continue
		}
		if path != "" {
			metrics.ObserveDetection(s.Name())
			return path, s.Name(), nil
		}
	}
	return "", "", harvest.ErrDetectionTimeout
}
