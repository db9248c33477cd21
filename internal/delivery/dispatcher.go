// Package delivery hands successful downloads to the operators' channel and
// the optional fan-out topic without blocking the download workers.
package delivery

import (
	"context"
	"fmt"
	"html"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/fsutil"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
)

// Config controls delivery formatting. Retries belong to the channel
// clients: the dispatcher calls each channel once per outcome.
type Config struct {
	// Location formats caption timestamps.
	Location *time.Location
}

// Announcement is the fan-out message for one archived PDF.
type Announcement struct {
	Identifier   string    `json:"identifier"`
	File         string    `json:"file"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Dispatcher delivers outcomes on detached goroutines. Wait drains them.
type Dispatcher struct {
	notifier  harvest.Notifier
	publisher harvest.Publisher
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Dispatcher. Either channel may be nil.
func New(cfg Config, notifier harvest.Notifier, publisher harvest.Publisher, logger *zap.Logger) *Dispatcher {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier:  notifier,
		publisher: publisher,
		loc:       loc,
		now:       time.Now,
		logger:    logging.OrNop(logger).Named("delivery"),
		base:      base,
		cancel:    cancel,
	}
}

// Dispatch schedules delivery of a successful outcome and returns at once.
func (d *Dispatcher) Dispatch(o harvest.Outcome) {
	if !o.Success {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(d.base, o)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, o harvest.Outcome) {
	logger := d.logger.With(zap.String("identifier", o.Identifier.String()))
	if d.notifier != nil {
		caption := Caption(o, d.now().In(d.loc))
		if err := d.notifier.SendFile(ctx, o.Path, caption); err != nil {
			logger.Error("document delivery failed", zap.String("path", o.Path), zap.Error(err))
		} else {
			logger.Debug("document delivered", zap.String("path", o.Path))
		}
	}
	if d.publisher != nil {
		msg := Announcement{
			Identifier:   o.Identifier.String(),
			File:         filepath.Base(o.Path),
			ArchiveURI:   o.ArchiveURI,
			SHA256:       o.SHA256,
			DownloadedAt: d.now().UTC(),
		}
		_, err := d.publisher.Publish(ctx, msg)
		metrics.ObserveDelivery("pubsub", err == nil)
		if err != nil {
			logger.Error("announcement publish failed", zap.Error(err))
		}
	}
	if o.Transient {
		if err := fsutil.Discard(o.Path); err != nil {
			logger.Warn("remove archived workspace copy", zap.Error(err))
		}
	}
}

// Wait blocks until every dispatched delivery finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain deliveries: %w", ctx.Err())
	}
}

// Close aborts in-flight deliveries and waits for the goroutines to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Caption is the HTML caption sent with a document.
func Caption(o harvest.Outcome, at time.Time) string {
	return fmt.Sprintf("📄 <b>Enterprise PDF</b>\n🔢 Code: <code>%s</code>\n🔍 Method: %s\n⏱️ %.1fs\n📁 %s\n⏰ %s",
		html.EscapeString(o.Identifier.String()),
		html.EscapeString(o.Strategy),
		o.Duration.Seconds(),
		html.EscapeString(filepath.Base(o.Path)),
		at.Format(time.TimeOnly))
}
