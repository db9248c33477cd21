package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egazette-harvester/internal/dedup"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/portal"
)

type listingBrowser struct {
	mu       sync.Mutex
	siteKey  *string
	rows     []portal.Row
	token    string
	urls     []string
	closed   int
	formDate string
}

func (b *listingBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	return nil
}

func (b *listingBrowser) Evaluate(_ context.Context, script string, out any) error {
	b.mu.Lock()
	var result any = true
	switch {
	case strings.Contains(script, "LnkGetPDFActive"):
		result = b.rows
	case strings.Contains(script, "data-sitekey"):
		result = b.siteKey
	case strings.Contains(script, "sel.options"):
		result = "Đăng ký mới"
	case strings.Contains(script, "g-recaptcha-response"):
		b.token = script
	case strings.Contains(script, "available:"):
		result = harvest.PaginationState{Current: 1, Available: []int{1, 2}}
	case strings.Contains(script, "el.value = "):
		b.formDate = script
	}
	b.mu.Unlock()
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (b *listingBrowser) WaitVisible(context.Context, string, time.Duration) error { return nil }
func (b *listingBrowser) Click(context.Context, string) error                      { return nil }
func (b *listingBrowser) CurrentURL(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.urls[len(b.urls)-1], nil
}
func (b *listingBrowser) Cookies(context.Context) ([]harvest.Cookie, error) {
	return []harvest.Cookie{{Name: "ASP.NET_SessionId", Value: "v"}}, nil
}
func (b *listingBrowser) SetCookies(context.Context, []harvest.Cookie) error { return nil }
func (b *listingBrowser) SetDownloadDir(context.Context, string) error       { return nil }
func (b *listingBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

type fakeLauncher struct {
	browser  *listingBrowser
	err      error
	launches int
}

func (l *fakeLauncher) Launch(context.Context, string) (harvest.Browser, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

type fakeSolver struct {
	token string
	err   error
	calls int
}

func (s *fakeSolver) Solve(_ context.Context, siteKey, pageURL string) (string, error) {
	s.calls++
	if siteKey == "" || pageURL == "" {
		return "", errors.New("missing arguments")
	}
	return s.token, s.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context, string) error { return errors.New("connection refused") }

func testConfig() Config {
	loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
	return Config{
		BaseURL:  "https://bocaodientu.dkkd.gov.vn/egazette/Forms/Egazette/ANNOUNCEMENTSListingInsUpd.aspx",
		Location: loc,
		MaxAge:   300 * time.Second,
	}
}

func newController(t *testing.T, b *listingBrowser, solver harvest.CaptchaSolver, cache *dedup.Cache) (*Controller, *fakeLauncher, *fakeClock) {
	t.Helper()
	launcher := &fakeLauncher{browser: b}
	clock := &fakeClock{now: time.Date(2026, 5, 4, 1, 30, 0, 0, time.UTC)}
	c := New(testConfig(), launcher, solver, cache, nil, WithClock(clock))
	return c, launcher, clock
}

func TestSetupRunsSearch(t *testing.T) {
	t.Parallel()

	b := &listingBrowser{}
	c, launcher, _ := newController(t, b, nil, dedup.New(100))

	require.NoError(t, c.Setup(context.Background()))
	assert.True(t, c.Ready())
	assert.Equal(t, 1, launcher.launches)
	require.Len(t, b.urls, 1)
	assert.Contains(t, b.urls[0], "?h=")
	assert.Len(t, strings.SplitN(b.urls[0], "?h=", 2)[1], 3)
	// 01:30 UTC is 08:30 in Ho Chi Minh City, same day.
	assert.Contains(t, b.formDate, `"04/05/2026"`)

	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, 1, launcher.launches, "live browser is reused")
}

func TestSetupSolvesCaptcha(t *testing.T) {
	t.Parallel()

	key := "site-key"
	b := &listingBrowser{siteKey: &key}
	solver := &fakeSolver{token: "solved-token"}
	c, _, _ := newController(t, b, solver, nil)

	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, 1, solver.calls)
	assert.Contains(t, b.token, `"solved-token"`)
}

func TestSetupFailures(t *testing.T) {
	t.Parallel()

	key := "site-key"
	t.Run("captcha", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newController(t, &listingBrowser{siteKey: &key}, &fakeSolver{err: errors.New("timeout")}, nil)
		err := c.Setup(context.Background())
		require.ErrorIs(t, err, harvest.ErrSetup)
		require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
		assert.False(t, c.Ready())
	})
	t.Run("no solver", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newController(t, &listingBrowser{siteKey: &key}, nil, nil)
		require.ErrorIs(t, c.Setup(context.Background()), harvest.ErrCaptchaUnsolved)
	})
	t.Run("launch", func(t *testing.T) {
		t.Parallel()
		c, launcher, _ := newController(t, &listingBrowser{}, nil, nil)
		launcher.err = errors.New("no chrome")
		require.ErrorIs(t, c.Setup(context.Background()), harvest.ErrSetup)
		assert.Nil(t, c.Browser())
	})
	t.Run("preflight", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Preflight = true
		launcher := &fakeLauncher{browser: &listingBrowser{}}
		c := New(cfg, launcher, nil, nil, nil, WithPinger(failingPinger{}))
		require.ErrorIs(t, c.Setup(context.Background()), harvest.ErrSetup)
		assert.Zero(t, launcher.launches)
	})
}

func TestScanFiltersKnownAndRepeatedCodes(t *testing.T) {
	t.Parallel()

	trig := func(i int) harvest.Trigger {
		return harvest.Trigger{Selector: portal.TriggerSelector(i), Variant: "id"}
	}
	b := &listingBrowser{rows: []portal.Row{
		{Index: 0, Text: "CÔNG TY A MÃ SỐ DN: 0100000001", Trigger: trig(0)},
		{Index: 1, Text: "CÔNG TY B MÃ SỐ DN: 0100000002", Trigger: trig(1)},
		{Index: 2, Text: "CÔNG TY B MÃ SỐ DN: 0100000002", Trigger: trig(2)},
		{Index: 3, Text: "no identifier here", Trigger: trig(3)},
		{Index: 4, Text: "CÔNG TY C MÃ SỐ DN: 0100000003"},
		{Index: 5, Text: "CÔNG TY D MÃ SỐ DN: 0100000004", Trigger: trig(5)},
	}}
	cache := dedup.New(100)
	cache.Load([]harvest.Identifier{"0100000001"})
	c, _, _ := newController(t, b, nil, cache)
	require.NoError(t, c.Setup(context.Background()))

	res, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Rows)
	assert.Equal(t, harvest.Identifier("0100000001"), res.FirstIdentifier)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, harvest.Identifier("0100000002"), res.Entries[0].Identifier)
	assert.Equal(t, 1, res.Entries[0].Row)
	assert.Equal(t, harvest.Identifier("0100000004"), res.Entries[1].Identifier)
	for _, e := range res.Entries {
		assert.False(t, cache.Contains(e.Identifier))
	}
}

func TestShouldReloadFollowsAge(t *testing.T) {
	t.Parallel()

	c, _, clock := newController(t, &listingBrowser{}, nil, nil)
	assert.False(t, c.ShouldReload(), "no session yet")
	require.NoError(t, c.Setup(context.Background()))

	clock.Advance(299 * time.Second)
	assert.False(t, c.ShouldReload())
	clock.Advance(time.Second)
	assert.True(t, c.ShouldReload())
	assert.Equal(t, 300*time.Second, c.Age())

	require.NoError(t, c.Reload(context.Background()))
	assert.False(t, c.ShouldReload())
	assert.Zero(t, c.Age())
}

func TestReloadWithoutSession(t *testing.T) {
	t.Parallel()

	c, _, _ := newController(t, &listingBrowser{}, nil, nil)
	err := c.Reload(context.Background())
	require.ErrorIs(t, err, harvest.ErrSetup)
	require.ErrorIs(t, err, harvest.ErrNoSession)

	_, err = c.Navigate(context.Background(), 2)
	require.ErrorIs(t, err, harvest.ErrNoSession)
	_, err = c.Scan(context.Background())
	require.ErrorIs(t, err, harvest.ErrNoSession)
	_, err = c.Cookies(context.Background())
	require.ErrorIs(t, err, harvest.ErrNoSession)
}

func TestNavigateDelegates(t *testing.T) {
	t.Parallel()

	c, _, _ := newController(t, &listingBrowser{}, nil, nil)
	require.NoError(t, c.Setup(context.Background()))

	ok, err := c.Navigate(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	page, err := c.CurrentPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, page)
	assert.Equal(t, 5, c.NavigationStats().Threshold)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := &listingBrowser{}
	c, launcher, _ := newController(t, b, nil, nil)
	require.NoError(t, c.Setup(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, b.closed)
	assert.False(t, c.Ready())

	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, 2, launcher.launches)
}
