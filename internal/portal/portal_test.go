package portal

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

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// scriptBrowser answers Evaluate calls from a responder and records scripts.
type scriptBrowser struct {
	mu      sync.Mutex
	scripts []string
	respond func(script string) (any, error)
	waitErr error
	url     string
}

func (b *scriptBrowser) Navigate(_ context.Context, url string) error {
	b.url = url
	return nil
}

func (b *scriptBrowser) Evaluate(_ context.Context, script string, out any) error {
	b.mu.Lock()
	b.scripts = append(b.scripts, script)
	b.mu.Unlock()
	var result any
	if b.respond != nil {
		var err error
		result, err = b.respond(script)
		if err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (b *scriptBrowser) WaitVisible(context.Context, string, time.Duration) error { return b.waitErr }
func (b *scriptBrowser) Click(context.Context, string) error                      { return nil }
func (b *scriptBrowser) CurrentURL(context.Context) (string, error)               { return b.url, nil }
func (b *scriptBrowser) Cookies(context.Context) ([]harvest.Cookie, error)        { return nil, nil }
func (b *scriptBrowser) SetCookies(context.Context, []harvest.Cookie) error       { return nil }
func (b *scriptBrowser) SetDownloadDir(context.Context, string) error             { return nil }
func (b *scriptBrowser) Close() error                                             { return nil }

func (b *scriptBrowser) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scripts[len(b.scripts)-1]
}

func TestEntryURL(t *testing.T) {
	t.Parallel()

	got, err := EntryURL("https://bocaodientu.dkkd.gov.vn/egazette/Forms/Egazette/ANNOUNCEMENTSListingInsUpd.aspx", "aB3")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "ANNOUNCEMENTSListingInsUpd.aspx?h=aB3"))

	got, err = EntryURL("https://example.com/list.aspx?h=old", "new")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/list.aspx?h=new", got)
}

func TestPaginationSortsPages(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(string) (any, error) {
		return map[string]any{"current": 2, "available": []int{2, 1}}, nil
	}}
	state, err := New(b).Pagination(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.Current)
	assert.Equal(t, []int{1, 2}, state.Available)
}

func TestOnPageAndClickPagerScripts(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(string) (any, error) { return true, nil }}
	page := New(b)

	ok, err := page.OnPage(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, b.last(), `=== "2"`)

	found, err := page.ClickPager(context.Background(), 2, ClickPointer)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, b.last(), `switch ("pointer")`)
	assert.Contains(t, b.last(), `const label = "2"`)
}

func TestPostbackTargetsListControl(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(string) (any, error) { return true, nil }}
	submitted, err := New(b).Postback(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, submitted)
	assert.Contains(t, b.last(), `"ctl00$C$CtlList"`)
	assert.Contains(t, b.last(), `"Page$2"`)
	assert.Contains(t, b.last(), `document.forms["aspnetForm"]`)
}

func TestSetupScripts(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(script string) (any, error) {
		switch {
		case strings.Contains(script, "options"):
			return "Đăng ký mới", nil
		case strings.Contains(script, "data-sitekey"):
			return "site-key", nil
		default:
			return true, nil
		}
	}}
	page := New(b)
	ctx := context.Background()

	require.NoError(t, page.SelectAnnouncementType(ctx, "đăng ký mới"))
	require.NoError(t, page.SetPublishDate(ctx, time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)))
	assert.Contains(t, b.last(), `"07/03/2026"`)

	key, found, err := page.SiteKey(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "site-key", key)

	require.NoError(t, page.InjectCaptchaToken(ctx, `tok"en`))
	assert.Contains(t, b.last(), `"tok\"en"`)

	require.NoError(t, page.DisableValidation(ctx))
	assert.Equal(t, DisableValidationScript, b.last())

	require.NoError(t, page.Search(ctx, time.Second))
	assert.Contains(t, b.scripts[len(b.scripts)-1], FilterButton)
}

func TestSetupFailures(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(script string) (any, error) {
		if strings.Contains(script, "data-sitekey") {
			return nil, nil
		}
		if strings.Contains(script, "options") {
			return "", nil
		}
		return false, nil
	}}
	page := New(b)
	ctx := context.Background()

	require.ErrorIs(t, page.SelectAnnouncementType(ctx, "đăng ký mới"), harvest.ErrNotFound)
	require.ErrorIs(t, page.SetPublishDate(ctx, time.Now()), harvest.ErrNotFound)
	require.ErrorIs(t, page.Activate(ctx, FilterButton), harvest.ErrNotFound)

	_, found, err := page.SiteKey(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	b.waitErr = errors.New("timeout")
	b.respond = func(string) (any, error) { return true, nil }
	require.Error(t, page.Search(ctx, time.Millisecond))
	require.Error(t, page.Open(ctx, "https://example.com", time.Millisecond))
}

func TestRowsDecodeTriggers(t *testing.T) {
	t.Parallel()

	b := &scriptBrowser{respond: func(string) (any, error) {
		return []map[string]any{
			{"index": 0, "text": "CÔNG TY A MÃ SỐ DN: 0319012345", "trigger": map[string]string{"selector": TriggerSelector(0), "variant": "id"}},
			{"index": 1, "text": "no code", "trigger": map[string]string{}},
		}, nil
	}}
	rows, err := New(b).Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `[data-harvest-trigger="r0"]`, rows[0].Trigger.Selector)
	assert.Equal(t, "id", rows[0].Trigger.Variant)
	assert.Empty(t, rows[1].Trigger.Selector)
	assert.Contains(t, b.last(), `"#ctl00_C_CtlList" + " tr"`)
}

func TestActivateRow(t *testing.T) {
	t.Parallel()

	found := true
	b := &scriptBrowser{respond: func(string) (any, error) { return found, nil }}
	page := New(b)

	require.NoError(t, page.ActivateRow(context.Background(), "0319012345"))
	assert.Contains(t, b.last(), `const code = "0319012345"`)

	found = false
	require.ErrorIs(t, page.ActivateRow(context.Background(), "0319012345"), harvest.ErrNotFound)
}
