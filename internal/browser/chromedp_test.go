package browser

import (
	"context"
	"testing"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

func TestNewLauncherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLauncher(Config{WindowWidth: -1}, nil)
	require.Error(t, err)

	l, err := NewLauncher(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultNavTimeout, l.cfg.NavigationTimeout)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base, err := NewLauncher(Config{Headless: true}, nil)
	require.NoError(t, err)
	full, err := NewLauncher(Config{
		Headless:     true,
		NoSandbox:    true,
		UserAgent:    "harvester-test",
		WindowWidth:  1366,
		WindowHeight: 768,
		ExecPath:     "/usr/bin/chromium",
	}, nil)
	require.NoError(t, err)

	assert.Len(t, full.allocatorOptions(), len(base.allocatorOptions())+4)
}

func TestCookieConversionRoundTrip(t *testing.T) {
	t.Parallel()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got := fromNetworkCookies([]*network.Cookie{
		{Name: "ASP.NET_SessionId", Value: "abc", Domain: "bocaodientu.dkkd.gov.vn", Path: "/", HTTPOnly: true, Expires: -1},
		nil,
		{Name: "pref", Value: "1", Domain: ".dkkd.gov.vn", Path: "/", Secure: true, Expires: float64(expires.Unix())},
	})
	require.Len(t, got, 2)
	assert.True(t, got[0].Expires.IsZero())
	assert.True(t, got[0].HTTPOnly)
	assert.Equal(t, expires, got[1].Expires)

	params := toSetCookieParams(append(got, harvest.Cookie{}))
	require.Len(t, params, 2)
	assert.Equal(t, "ASP.NET_SessionId", params[0].Name)
	assert.Nil(t, params[0].Expires)
	require.NotNil(t, params[1].Expires)
	assert.True(t, params[1].Secure)
}

func TestClosedBrowserRejectsCalls(t *testing.T) {
	t.Parallel()

	tab, cancel := context.WithCancel(context.Background())
	c := &Chrome{tab: tab, tabCancel: cancel, allocCancel: func() {}}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Navigate(context.Background(), "https://example.com")
	require.ErrorIs(t, err, harvest.ErrNoSession)
	_, err = c.CurrentURL(context.Background())
	require.ErrorIs(t, err, harvest.ErrNoSession)
}

func TestBoundFollowsCallerContext(t *testing.T) {
	t.Parallel()

	tab, cancelTab := context.WithCancel(context.Background())
	defer cancelTab()
	c := &Chrome{tab: tab}

	caller, cancelCaller := context.WithCancel(context.Background())
	opCtx, done := c.bound(caller, time.Minute)
	defer done()

	cancelCaller()
	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("operation context did not follow caller cancellation")
	}
	assert.NoError(t, tab.Err())
}

func TestDownloadWillBeginIsReported(t *testing.T) {
	t.Parallel()

	var events harvest.DownloadEvents = &Chrome{logger: zap.NewNop(), starts: make(chan harvest.Download, 1)}
	c := events.(*Chrome)

	c.handleEvent(&cdpbrowser.EventDownloadWillBegin{GUID: "g-1", SuggestedFilename: "GetPDF.pdf", URL: "https://portal/GetPDF.aspx"})
	c.handleEvent(&cdpbrowser.EventDownloadWillBegin{GUID: "g-2"})

	select {
	case d := <-events.DownloadStarts():
		assert.Equal(t, harvest.Download{GUID: "g-1", SuggestedFilename: "GetPDF.pdf", URL: "https://portal/GetPDF.aspx"}, d)
	default:
		t.Fatal("download start not reported")
	}
	select {
	case d := <-events.DownloadStarts():
		t.Fatalf("a start beyond the buffer must be dropped, got %s", d.GUID)
	default:
	}
}
