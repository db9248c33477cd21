package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
	"github.com/JakeFAU/egazette-harvester/internal/progress"
)

// CycleResult summarises one cycle.
type CycleResult struct {
	Number     int                  `json:"number"`
	Page       int                  `json:"page"`
	NextPage   int                  `json:"next_page"`
	Refresh    string               `json:"refresh,omitempty"`
	Rows       int                  `json:"rows"`
	Found      int                  `json:"found"`
	Downloaded []harvest.Identifier `json:"downloaded"`
	Failed     []harvest.Identifier `json:"failed"`
	Started    time.Time            `json:"started"`
	Duration   time.Duration        `json:"duration"`
}

// cycle is the shared body of both drivers. The caller holds cycleMu.
func (o *Orchestrator) cycle(ctx context.Context) (res CycleResult, err error) {
	if o.stopped() {
		return res, ErrStopped
	}
	now := o.deps.Clock.Now()
	if o.deps.Window.IsStopTime(now) {
		return res, ErrStopWindow
	}
	if err := o.Prepare(ctx); err != nil {
		return res, err
	}

	res.Started = now
	defer func() { o.finishCycle(&res, err) }()

	if !o.deps.Session.Ready() {
		if err := o.deps.Session.Setup(ctx); err != nil {
			o.cleanupAndRetry("setup", err)
			return res, err
		}
		o.setPage(1)
	}

	res.Refresh = o.refreshReason(now)
	switch res.Refresh {
	case RefreshZeroData, RefreshStale:
		o.logger.Info("refreshing session", zap.String("reason", res.Refresh))
		metrics.ObserveReload(res.Refresh)
		o.emit(progress.Event{Stage: progress.StageReload, Strategy: res.Refresh, Page: o.currentPage()})
		if err := o.deps.Session.Reload(ctx); err != nil {
			o.cleanupAndRetry(res.Refresh, err)
			return res, fmt.Errorf("refresh %s: %w", res.Refresh, err)
		}
		o.setPage(1)
		if res.Refresh == RefreshZeroData {
			o.deps.Stats.ResetZeroStreak()
		}
	case RefreshPagination:
		o.logger.Debug("target minute, paginating without reload")
	}

	res.Page = o.currentPage()
	scan, err := o.deps.Session.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("scan page %d: %w", res.Page, ctx.Err())
		}
		o.cleanupAndRetry("scan", err)
		return res, fmt.Errorf("scan page %d: %w", res.Page, err)
	}
	res.Rows, res.Found = scan.Rows, len(scan.Entries)

	outcomes := o.deps.Downloader.Run(ctx, scan.Entries)
	for _, out := range outcomes {
		o.emit(progress.Event{
			Stage:      progress.StageDownloadDone,
			Page:       res.Page,
			Identifier: out.Identifier.String(),
			Success:    out.Success,
			Strategy:   out.Strategy,
			Dur:        out.Duration,
			Note:       out.Reason,
		})
	}
	o.deps.Stats.Record(outcomes)
	res.Downloaded = harvest.Succeeded(outcomes)
	res.Failed = harvest.Failed(outcomes)

	if res.Page == 1 && scan.FirstIdentifier != "" {
		if err := o.deps.State.SaveLastCheck(scan.FirstIdentifier, now); err != nil {
			o.logger.Warn("save last check", zap.Error(err))
		}
	}
	if len(res.Downloaded) > 0 {
		o.absorb(ctx, res.Downloaded)
	}
	if len(res.Failed) > 0 {
		o.saveFailed()
	}
	o.deps.Stats.CycleDone(len(res.Downloaded))
	if len(res.Downloaded) > 0 {
		o.report(pageReport(o.pageFacts(res)))
	}
	if len(res.Failed) > 0 {
		o.report(failureReport(res.Page, res.Failed, o.cfg.ReportFailedLimit))
	}

	if o.stopped() || ctx.Err() != nil {
		res.NextPage = res.Page
		return res, nil
	}
	if err := o.alternate(ctx, res.Page); err != nil {
		res.NextPage = o.currentPage()
		return res, err
	}
	res.NextPage = o.currentPage()
	return res, nil
}

// alternate moves the listing 1->2 or 2->1. A failed navigation keeps the
// page the listing is actually on; a failed reload abandons the session.
func (o *Orchestrator) alternate(ctx context.Context, from int) error {
	target := 2
	if from == 2 {
		target = 1
	}
	ok, err := o.deps.Session.Navigate(ctx, target)
	if ok {
		o.setPage(target)
		return nil
	}
	if err != nil && errors.Is(err, harvest.ErrSetup) {
		o.cleanupAndRetry("navigation reload", err)
		return fmt.Errorf("navigate to page %d: %w", target, err)
	}
	if err != nil {
		o.logger.Warn("navigation failed", zap.Int("page", target), zap.Error(err))
	} else {
		o.logger.Info("navigation did not reach page", zap.Int("page", target))
	}
	if current, err := o.deps.Session.CurrentPage(ctx); err == nil && current > 0 {
		o.setPage(current)
	}
	return nil
}

// refreshReason applies the strict priority: zero-data fallback, stale
// session, then target-minute pagination.
func (o *Orchestrator) refreshReason(now time.Time) string {
	if o.deps.Stats.ZeroStreak() >= o.cfg.ZeroDataMaxCycles {
		return RefreshZeroData
	}
	if o.deps.Session.ShouldReload() {
		return RefreshStale
	}
	if o.deps.Window.IsTargetMinute(now) && !slices.Contains(o.cfg.AvoidReloadMinutes, now.In(o.location()).Minute()) {
		return RefreshPagination
	}
	return ""
}

// absorb folds new downloads into the duplicate cache and persisted state.
func (o *Orchestrator) absorb(ctx context.Context, ids []harvest.Identifier) {
	merged, err := o.deps.State.AppendRecent(ids)
	if err != nil {
		o.logger.Warn("persist recent codes", zap.Error(err))
		merged = dedup.Merge(o.deps.Cache.Snapshot(), ids, o.deps.Cache.Capacity())
	}
	o.deps.Cache.Load(merged)

	if o.deps.Known != nil {
		if err := o.deps.Known.Persist(ctx, ids); err != nil {
			o.logger.Warn("persist known codes", zap.Error(err))
		}
	}
	o.mu.Lock()
	for _, id := range ids {
		o.known[id] = struct{}{}
	}
	known := len(o.known)
	o.mu.Unlock()
	o.deps.Stats.SetKnownCodes(known)
	o.logger.Info("cache updated", zap.Int("added", len(ids)), zap.Int("cache", o.deps.Cache.Len()))
}

// cleanupAndRetry drops the browser so the next cycle starts from setup.
func (o *Orchestrator) cleanupAndRetry(stage string, cause error) {
	o.logger.Error("abandoning session", zap.String("stage", stage), zap.Error(cause))
	if err := o.deps.Session.Close(); err != nil {
		o.logger.Warn("close session", zap.Error(err))
	}
	o.deps.Stats.ResetZeroStreak()
	o.setPage(1)
	o.report(errorReport(stage, cause))
}

func (o *Orchestrator) finishCycle(res *CycleResult, err error) {
	res.Duration = o.deps.Clock.Now().Sub(res.Started)
	res.Number = o.deps.Stats.Snapshot().Cycles
	result := "empty"
	switch {
	case err != nil:
		result = "error"
		o.emit(progress.Event{Stage: progress.StageCycleError, Page: res.Page, Dur: res.Duration, Note: err.Error()})
	default:
		if len(res.Downloaded) > 0 {
			result = "files"
		}
		o.emit(progress.Event{Stage: progress.StageCycleDone, Page: res.Page, Count: len(res.Downloaded), Dur: res.Duration})
	}
	metrics.ObserveCycle(result)

	o.mu.Lock()
	last := *res
	o.lastCycle = &last
	if err != nil {
		o.lastErr = err.Error()
	} else {
		o.lastErr = ""
	}
	o.mu.Unlock()
}

func (o *Orchestrator) currentPage() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.page
}

func (o *Orchestrator) setPage(page int) {
	o.mu.Lock()
	o.page = page
	o.mu.Unlock()
}

func (o *Orchestrator) pageFacts(res CycleResult) pageFacts {
	snap := o.deps.Stats.Snapshot()
	nav := o.navStats()
	return pageFacts{
		Page:          res.Page,
		Files:         res.Downloaded,
		Refresh:       res.Refresh,
		Total:         snap.TotalDownloads,
		Known:         snap.KnownCodes,
		Cycle:         snap.Cycles,
		Workers:       o.deps.Downloader.Workers(),
		Page2Failures: nav.Page2Failures,
		Threshold:     nav.Threshold,
		Runtime:       o.deps.Clock.Now().Sub(snap.Started),
		At:            o.deps.Clock.Now().In(o.location()),
	}
}
