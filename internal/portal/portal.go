// Package portal is the page object for the e-gazette announcement listing.
// It owns every selector and in-page script the harvester runs, so the rest
// of the engine only speaks in pages, entries and triggers.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Element ids on the ASP.NET listing form.
const (
	AnnouncementTypeField = "#ctl00_C_ANNOUNCEMENT_TYPE_IDFilterFld"
	PublishDateField      = "#ctl00_C_PUBLISH_DATEFilterFldFrom"
	FilterButton          = "#ctl00_C_BtnFilter"
	ResultsTable          = "#ctl00_C_CtlList"
	CaptchaWidget         = ".g-recaptcha"

	listControl = "ctl00$C$CtlList"
	formName    = "aspnetForm"
	triggerAttr = "data-harvest-trigger"
)

// Click methods understood by ClickPager, in the order the navigator tries them.
const (
	ClickDispatch = "js-dispatch"
	ClickPointer  = "pointer"
	ClickActivate = "activate"
)

// Page drives one browser tab showing the listing.
type Page struct {
	browser harvest.Browser
}

// New wraps b.
func New(b harvest.Browser) *Page {
	return &Page{browser: b}
}

// Browser exposes the wrapped capability.
func (p *Page) Browser() harvest.Browser {
	return p.browser
}

// EntryURL appends the cache-busting h parameter the portal expects.
func EntryURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("h", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Open loads url and waits for the search form.
func (p *Page) Open(ctx context.Context, url string, wait time.Duration) error {
	if err := p.browser.Navigate(ctx, url); err != nil {
		return err
	}
	if err := p.browser.WaitVisible(ctx, AnnouncementTypeField, wait); err != nil {
		return fmt.Errorf("wait search form: %w", err)
	}
	return nil
}

const selectTypeScript = `(() => {
  const sel = document.querySelector(%s);
  if (!sel) return "";
  const want = %s.toLowerCase();
  for (const o of sel.options) {
    if ((o.text || "").toLowerCase().includes(want)) {
      sel.value = o.value;
      sel.dispatchEvent(new Event("change", {bubbles: true}));
      return o.text;
    }
  }
  return "";
})()`

// SelectAnnouncementType picks the first option whose text contains label.
func (p *Page) SelectAnnouncementType(ctx context.Context, label string) error {
	var chosen string
	script := fmt.Sprintf(selectTypeScript, jsString(AnnouncementTypeField), jsString(label))
	if err := p.browser.Evaluate(ctx, script, &chosen); err != nil {
		return fmt.Errorf("select announcement type: %w", err)
	}
	if chosen == "" {
		return fmt.Errorf("select announcement type %q: %w", label, harvest.ErrNotFound)
	}
	return nil
}

const setValueScript = `(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.value = %s;
  return true;
})()`

// SetPublishDate writes the dd/mm/yyyy rendering of day into the date filter.
func (p *Page) SetPublishDate(ctx context.Context, day time.Time) error {
	var ok bool
	script := fmt.Sprintf(setValueScript, jsString(PublishDateField), jsString(day.Format("02/01/2006")))
	if err := p.browser.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("set publish date: %w", err)
	}
	if !ok {
		return fmt.Errorf("set publish date: %w", harvest.ErrNotFound)
	}
	return nil
}

const siteKeyScript = `(() => {
  const el = document.querySelector(%s);
  return el ? (el.getAttribute("data-sitekey") || "") : null;
})()`

// SiteKey returns the reCAPTCHA site key, or found=false when the page has
// no challenge.
func (p *Page) SiteKey(ctx context.Context) (key string, found bool, err error) {
	var out *string
	if err := p.browser.Evaluate(ctx, fmt.Sprintf(siteKeyScript, jsString(CaptchaWidget)), &out); err != nil {
		return "", false, fmt.Errorf("read site key: %w", err)
	}
	if out == nil {
		return "", false, nil
	}
	return *out, true, nil
}

const captchaTokenScript = `(() => {
  let ta = document.getElementById("g-recaptcha-response");
  if (!ta) {
    const form = document.forms[%s] || document.forms[0];
    if (!form) return false;
    ta = document.createElement("textarea");
    ta.id = "g-recaptcha-response";
    ta.name = "g-recaptcha-response";
    form.appendChild(ta);
  }
  ta.style.display = "block";
  ta.innerHTML = %s;
  ta.value = %s;
  return true;
})()`

// InjectCaptchaToken writes token where the form submits it.
func (p *Page) InjectCaptchaToken(ctx context.Context, token string) error {
	var ok bool
	tok := jsString(token)
	script := fmt.Sprintf(captchaTokenScript, jsString(formName), tok, tok)
	if err := p.browser.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("inject captcha token: %w", err)
	}
	if !ok {
		return fmt.Errorf("inject captcha token: %w", harvest.ErrNotFound)
	}
	return nil
}

// DisableValidationScript replaces the client-side filter validation.
const DisableValidationScript = `function ValidateFilter(){return true;} window.ValidateFilter=ValidateFilter; window.Page_ClientValidate=ValidateFilter;`

// DisableValidation installs a permissive ValidateFilter.
func (p *Page) DisableValidation(ctx context.Context) error {
	if err := p.browser.Evaluate(ctx, DisableValidationScript, nil); err != nil {
		return fmt.Errorf("override validation: %w", err)
	}
	return nil
}

// Search submits the filter and waits for the results table.
func (p *Page) Search(ctx context.Context, wait time.Duration) error {
	if err := p.Activate(ctx, FilterButton); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	if err := p.browser.WaitVisible(ctx, ResultsTable, wait); err != nil {
		return fmt.Errorf("wait results: %w", err)
	}
	return nil
}

const activateScript = `(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.scrollIntoView({block: "center"});
  el.click();
  return true;
})()`

// Activate clicks the element matching selector from script, the way the
// portal's own buttons are pressed.
func (p *Page) Activate(ctx context.Context, selector string) error {
	var ok bool
	if err := p.browser.Evaluate(ctx, fmt.Sprintf(activateScript, jsString(selector)), &ok); err != nil {
		return fmt.Errorf("activate %s: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("activate %s: %w", selector, harvest.ErrNotFound)
	}
	return nil
}

// CurrentURL returns the tab location.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	return p.browser.CurrentURL(ctx)
}
