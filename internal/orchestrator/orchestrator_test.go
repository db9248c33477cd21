package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/navigator"
	"github.com/JakeFAU/egazette-harvester/internal/progress"
	"github.com/JakeFAU/egazette-harvester/internal/schedule"
	"github.com/JakeFAU/egazette-harvester/internal/state"
	"github.com/JakeFAU/egazette-harvester/internal/stats"
)

type fakeSession struct {
	mu        sync.Mutex
	ready     bool
	stale     bool
	setupErr  error
	reloadErr error
	navErr    error
	navFail   bool
	scans     []harvest.ScanResult
	scanCalls int
	page      int

	setups, reloads, closes int
	navigations             []int
}

func (s *fakeSession) Setup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups++
	if s.setupErr != nil {
		return s.setupErr
	}
	s.ready, s.page = true, 1
	return nil
}

func (s *fakeSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) ShouldReload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func (s *fakeSession) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	if s.reloadErr != nil {
		return s.reloadErr
	}
	s.stale, s.page = false, 1
	return nil
}

func (s *fakeSession) Age() time.Duration { return time.Minute }

func (s *fakeSession) Scan(context.Context) (harvest.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.scanCalls++ }()
	if len(s.scans) == 0 {
		return harvest.ScanResult{}, nil
	}
	i := min(s.scanCalls, len(s.scans)-1)
	return s.scans[i], nil
}

func (s *fakeSession) Navigate(_ context.Context, page int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, page)
	if s.navErr != nil {
		return false, s.navErr
	}
	if s.navFail {
		return false, nil
	}
	s.page = page
	return true, nil
}

func (s *fakeSession) CurrentPage(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page, nil
}

func (s *fakeSession) NavigationStats() navigator.Stats {
	return navigator.Stats{Threshold: 5}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.ready = false
	return nil
}

func (s *fakeSession) counts() (setups, reloads, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setups, s.reloads, s.closes
}

type fakeDownloader struct {
	mu     sync.Mutex
	failed map[harvest.Identifier]bool
	seen   []harvest.Identifier
}

func (d *fakeDownloader) Run(_ context.Context, entries []harvest.Entry) []harvest.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]harvest.Outcome, len(entries))
	for i, e := range entries {
		d.seen = append(d.seen, e.Identifier)
		if d.failed[e.Identifier] {
			out[i] = harvest.Outcome{Identifier: e.Identifier, Reason: "download detection timed out"}
			continue
		}
		out[i] = harvest.Outcome{Identifier: e.Identifier, Success: true, Strategy: "snapshot", Path: string(e.Identifier) + ".pdf"}
	}
	return out
}

func (d *fakeDownloader) Workers() int { return 5 }

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Stage == progress.StageReport {
			out = append(out, e.Note)
		}
	}
	return out
}

func (r *recorder) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func at(minute int) time.Time {
	return time.Date(2026, 10, 19, 9, minute, 0, 0, time.UTC)
}

func entries(ids ...string) harvest.ScanResult {
	res := harvest.ScanResult{Rows: len(ids)}
	for i, id := range ids {
		res.Entries = append(res.Entries, harvest.Entry{
			Identifier: harvest.Identifier(id),
			Trigger:    harvest.Trigger{Selector: fmt.Sprintf("#t%d", i), Variant: "id"},
			Row:        i + 1,
		})
	}
	if len(ids) > 0 {
		res.FirstIdentifier = harvest.Identifier(ids[0])
	}
	return res
}

type fixture struct {
	orch    *Orchestrator
	session *fakeSession
	dl      *fakeDownloader
	store   *state.Store
	cache   *dedup.Cache
	events  *recorder
	clock   *fixedClock
}

func newFixture(t *testing.T, session *fakeSession, cfg Config) *fixture {
	t.Helper()
	store, err := state.New(t.TempDir(), 100)
	require.NoError(t, err)
	clock := &fixedClock{now: at(20)}
	f := &fixture{
		session: session,
		dl:      &fakeDownloader{failed: map[harvest.Identifier]bool{}},
		store:   store,
		cache:   dedup.New(100),
		events:  &recorder{},
		clock:   clock,
	}
	f.orch = New(cfg, Deps{
		Session:    session,
		Downloader: f.dl,
		Cache:      f.cache,
		State:      store,
		Known:      store,
		Window: schedule.Window{
			TargetMinutes:    []int{8, 38},
			StopMinutes:      []int{16, 46},
			PreCheckOffset:   1,
			CheckWindowAfter: 3,
			StopWindow:       2,
			Location:         time.UTC,
		},
		Stats:  stats.New(clock.Now()),
		Events: f.events,
		Clock:  clock,
		RunID:  [16]byte{1},
	}, nil)
	return f
}

func TestRunCycleDownloadsPersistsAndAlternates(t *testing.T) {
	t.Parallel()

	session := &fakeSession{scans: []harvest.ScanResult{entries("0101111111", "0102222222")}}
	f := newFixture(t, session, Config{})
	f.dl.failed["0102222222"] = true

	res, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 2, res.NextPage)
	assert.Equal(t, []harvest.Identifier{"0101111111"}, res.Downloaded)
	assert.Equal(t, []harvest.Identifier{"0102222222"}, res.Failed)
	assert.True(t, f.cache.Contains("0101111111"))
	assert.False(t, f.cache.Contains("0102222222"))

	recent, err := f.store.RecentCodes()
	require.NoError(t, err)
	assert.Equal(t, []harvest.Identifier{"0101111111"}, recent)
	known, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []harvest.Identifier{"0101111111"}, known)
	failed, err := f.store.FailedCodes()
	require.NoError(t, err)
	assert.Equal(t, []harvest.Identifier{"0102222222"}, failed)
	last, err := f.store.LastCheck()
	require.NoError(t, err)
	assert.Equal(t, "0101111111", last.FirstCode)

	reports := f.events.reports()
	require.Len(t, reports, 2)
	assert.Contains(t, reports[0], "Page 1 downloaded: 1 files")
	assert.Contains(t, reports[1], "0102222222")
	assert.Equal(t, 2, f.events.count(progress.StageDownloadDone))
	assert.Equal(t, 1, f.events.count(progress.StageCycleDone))

	_, err = f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, session.navigations)
}

func TestRefreshPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		zero   int
		stale  bool
		minute int
		avoid  []int
		want   string
	}{
		{name: "zero data wins over stale", zero: 3, stale: true, minute: 20, want: RefreshZeroData},
		{name: "stale", stale: true, minute: 8, want: RefreshStale},
		{name: "target minute", minute: 8, want: RefreshPagination},
		{name: "avoided target minute", minute: 8, avoid: []int{8, 9}, want: ""},
		{name: "quiet minute", minute: 20, zero: 2, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &fakeSession{stale: tc.stale}, Config{ZeroDataMaxCycles: 3, AvoidReloadMinutes: tc.avoid})
			for i := 0; i < tc.zero; i++ {
				f.orch.deps.Stats.CycleDone(0)
			}
			assert.Equal(t, tc.want, f.orch.refreshReason(at(tc.minute)))
		})
	}
}

func TestZeroDataFallbackReloadsAfterThreshold(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	f := newFixture(t, session, Config{ZeroDataMaxCycles: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.orch.RunCycle(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Refresh)
	}
	assert.Equal(t, 3, f.orch.deps.Stats.ZeroStreak())

	res, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshZeroData, res.Refresh)
	_, reloads, _ := session.counts()
	assert.Equal(t, 1, reloads)
	assert.Equal(t, 1, f.orch.deps.Stats.ZeroStreak(), "reset by the reload, then this empty cycle")
	assert.Equal(t, 1, f.events.count(progress.StageReload))
}

func TestSetupFailureCleansUpAndRetriesNextCycle(t *testing.T) {
	t.Parallel()

	setupErr := fmt.Errorf("%w: open listing: boom", harvest.ErrSetup)
	session := &fakeSession{setupErr: setupErr}
	f := newFixture(t, session, Config{})
	f.orch.deps.Stats.CycleDone(0)

	_, err := f.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, harvest.ErrSetup)
	setups, _, closes := session.counts()
	assert.Equal(t, 1, setups)
	assert.Equal(t, 1, closes)
	assert.Zero(t, f.orch.deps.Stats.ZeroStreak())
	require.Len(t, f.events.reports(), 1)
	assert.Contains(t, f.events.reports()[0], "Cycle error")
	assert.Equal(t, 1, f.events.count(progress.StageCycleError))

	session.mu.Lock()
	session.setupErr = nil
	session.mu.Unlock()
	_, err = f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	setups, _, _ = session.counts()
	assert.Equal(t, 2, setups)
}

func TestStaleReloadFailureAbandonsSession(t *testing.T) {
	t.Parallel()

	session := &fakeSession{ready: true, stale: true, reloadErr: harvest.ErrSetup}
	f := newFixture(t, session, Config{})

	_, err := f.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, harvest.ErrSetup)
	_, reloads, closes := session.counts()
	assert.Equal(t, 1, reloads)
	assert.Equal(t, 1, closes)
	assert.Empty(t, f.dl.seen)
}

func TestFailedNavigationKeepsCurrentPage(t *testing.T) {
	t.Parallel()

	session := &fakeSession{navFail: true}
	f := newFixture(t, session, Config{})

	res, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.NextPage)
	res, err = f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, []int{2, 2}, session.navigations)
}

func TestNavigationReloadFailureAbandonsSession(t *testing.T) {
	t.Parallel()

	session := &fakeSession{navErr: fmt.Errorf("%w: reload", harvest.ErrSetup)}
	f := newFixture(t, session, Config{})

	_, err := f.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, harvest.ErrSetup)
	_, _, closes := session.counts()
	assert.Equal(t, 1, closes)
}

func TestStopWindowAndStop(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	f := newFixture(t, session, Config{})
	f.clock.set(at(17))

	_, err := f.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrStopWindow)

	f.clock.set(at(20))
	f.orch.Stop()
	_, err = f.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	setups, _, _ := session.counts()
	assert.Zero(t, setups)
}

func TestShutdownReportsAndSaves(t *testing.T) {
	t.Parallel()

	session := &fakeSession{scans: []harvest.ScanResult{entries("0103333333")}}
	f := newFixture(t, session, Config{})
	f.dl.failed["0103333333"] = true
	require.NoError(t, f.orch.Start(context.Background()))
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	f.orch.Shutdown()
	f.orch.Shutdown()

	reports := f.events.reports()
	assert.Contains(t, reports[len(reports)-1], "Harvester stopped")
	assert.Contains(t, reports[len(reports)-1], "Success rate: 0/1")
	assert.Equal(t, 1, f.events.count(progress.StageRunStart))
	assert.Equal(t, 1, f.events.count(progress.StageRunStop))
	_, _, closes := session.counts()
	assert.Equal(t, 1, closes)
	failed, err := f.store.FailedCodes()
	require.NoError(t, err)
	assert.Equal(t, []harvest.Identifier{"0103333333"}, failed)
}

func TestRunLoopsUntilCanceled(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	f := newFixture(t, session, Config{WaitBetweenPages: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.orch.deps.Stats.Snapshot().Cycles >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.orch.Status().Running)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, f.orch.Status().Running)
	assert.Contains(t, f.events.reports()[0], "Harvester started")
	_, _, closes := session.counts()
	assert.Equal(t, 1, closes)
}

func TestRunPausesAtStopWindow(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	f := newFixture(t, session, Config{})
	f.clock.set(at(46))

	require.NoError(t, f.orch.Run(context.Background()))
	reports := f.events.reports()
	require.Len(t, reports, 2)
	assert.Contains(t, reports[1], "Stop window reached at minute 46")
}

func TestTryRunCycleBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSession{}, Config{})
	f.orch.cycleMu.Lock()
	_, err := f.orch.TryRunCycle(context.Background())
	f.orch.cycleMu.Unlock()
	require.ErrorIs(t, err, ErrBusy)

	_, err = f.orch.TryRunCycle(context.Background())
	require.NoError(t, err)
}

func TestPrepareLoadsPersistedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSession{}, Config{})
	_, err := f.store.AppendRecent([]harvest.Identifier{"0104444444"})
	require.NoError(t, err)
	require.NoError(t, f.store.Persist(context.Background(), []harvest.Identifier{"0104444444", "0105555555"}))
	require.NoError(t, f.store.SaveFailedCodes([]harvest.Identifier{"0106666666"}))

	require.NoError(t, f.orch.Prepare(context.Background()))
	assert.True(t, f.cache.Contains("0104444444"))
	snap := f.orch.deps.Stats.Snapshot()
	assert.Equal(t, 2, snap.KnownCodes)
	assert.Equal(t, []harvest.Identifier{"0106666666"}, snap.RetryNeeded)
}

func TestStatusSerialises(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSession{scans: []harvest.ScanResult{entries("0107777777")}}, Config{})
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	body, err := json.Marshal(f.orch.Status())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, true, decoded["session_ready"])
	assert.EqualValues(t, 2, decoded["current_page"])
	assert.Contains(t, decoded, "last_cycle")
	assert.Contains(t, decoded, "schedule")
}

func TestReportTexts(t *testing.T) {
	t.Parallel()

	ids := make([]harvest.Identifier, 12)
	for i := range ids {
		ids[i] = harvest.Identifier(fmt.Sprintf("01000000%02d", i))
	}
	text := failureReport(2, ids, 10)
	assert.Contains(t, text, "Page 2: 12 downloads failed")
	assert.Contains(t, text, "(+2 more)")
	assert.Equal(t, 10, strings.Count(text, "01000000"))

	errText := errorReport("setup", errors.New("<b>bad</b>"))
	assert.Contains(t, errText, "&lt;b&gt;bad&lt;/b&gt;")
}
