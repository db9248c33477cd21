package portal

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

const paginationScript = `(() => {
  const visible = (el) => {
    const s = window.getComputedStyle(el);
    return s.display !== "none" && s.visibility !== "hidden";
  };
  const row = document.querySelector("tr.Pager");
  if (!row) return {current: 1, available: [1]};
  let current = 0;
  for (const span of row.querySelectorAll("span")) {
    const t = (span.textContent || "").trim();
    if (/^\d+$/.test(t) && visible(span)) { current = parseInt(t, 10); break; }
  }
  const pages = [];
  for (const el of row.querySelectorAll("span, a")) {
    const t = (el.textContent || "").trim();
    if (/^\d+$/.test(t) && visible(el)) {
      const n = parseInt(t, 10);
      if (!pages.includes(n)) pages.push(n);
    }
  }
  if (current === 0) current = 1;
  if (!pages.includes(current)) pages.push(current);
  return {current: current, available: pages};
})()`

// Pagination reads the live pager. A listing without a pager is page 1 of 1.
func (p *Page) Pagination(ctx context.Context) (harvest.PaginationState, error) {
	var state harvest.PaginationState
	if err := p.browser.Evaluate(ctx, paginationScript, &state); err != nil {
		return harvest.PaginationState{}, fmt.Errorf("read pagination: %w", err)
	}
	sort.Ints(state.Available)
	return state, nil
}

const onPageScript = `(() => {
  try {
    const row = document.querySelector("tr.Pager");
    if (!row) return %d === 1;
    for (const span of row.querySelectorAll("span")) {
      if ((span.textContent || "").trim() === "%d") {
        const s = window.getComputedStyle(span);
        if (s.display !== "none" && s.visibility !== "hidden") return true;
      }
    }
    return false;
  } catch (e) {
    return false;
  }
})()`

// OnPage reports whether page is the one currently rendered.
func (p *Page) OnPage(ctx context.Context, page int) (bool, error) {
	var ok bool
	if err := p.browser.Evaluate(ctx, fmt.Sprintf(onPageScript, page, page), &ok); err != nil {
		return false, fmt.Errorf("check page %d: %w", page, err)
	}
	return ok, nil
}

// The pager link lookup mirrors the portal's markup: postback anchors in
// tr.Pager first, then any anchor carrying the page number.
const clickPagerScript = `(() => {
  const label = "%d";
  const visible = (el) => {
    const s = window.getComputedStyle(el);
    return s.display !== "none" && s.visibility !== "hidden" && !el.disabled;
  };
  const pick = (nodes, pred) => {
    for (const a of nodes) {
      if ((a.textContent || "").trim() === label && pred(a) && visible(a)) return a;
    }
    return null;
  };
  const pagerLinks = Array.from(document.querySelectorAll("tr.Pager a"));
  const all = Array.from(document.querySelectorAll("a"));
  const link =
    pick(pagerLinks, (a) => (a.getAttribute("href") || "").includes("__doPostBack")) ||
    pick(pagerLinks, () => true) ||
    pick(all, (a) => (a.getAttribute("href") || "").includes("Page")) ||
    pick(all, () => true);
  if (!link) return false;
  link.scrollIntoView({block: "center"});
  switch (%s) {
    case "js-dispatch":
      link.dispatchEvent(new MouseEvent("click", {bubbles: true, cancelable: true, view: window}));
      break;
    case "pointer": {
      const r = link.getBoundingClientRect();
      const opts = {bubbles: true, cancelable: true, view: window,
        clientX: r.left + r.width / 2, clientY: r.top + r.height / 2};
      link.dispatchEvent(new PointerEvent("pointerdown", opts));
      link.dispatchEvent(new MouseEvent("mousedown", opts));
      link.dispatchEvent(new PointerEvent("pointerup", opts));
      link.dispatchEvent(new MouseEvent("mouseup", opts));
      link.dispatchEvent(new MouseEvent("click", opts));
      break;
    }
    default: {
      const href = link.getAttribute("href") || "";
      if (href.startsWith("javascript:")) {
        window.location.href = href;
      } else {
        link.click();
      }
    }
  }
  return true;
})()`

// ClickPager fires method on the pager link for page. found=false means no
// usable link exists; it says nothing about whether the page changed.
func (p *Page) ClickPager(ctx context.Context, page int, method string) (found bool, err error) {
	script := fmt.Sprintf(clickPagerScript, page, jsString(method))
	if err := p.browser.Evaluate(ctx, script, &found); err != nil {
		return false, fmt.Errorf("click pager %d via %s: %w", page, method, err)
	}
	return found, nil
}

const postbackScript = `(() => {
  try {
    const form = document.forms[%s];
    if (!form || typeof __doPostBack !== "function") return false;
    if (!form.__EVENTTARGET || !form.__EVENTARGUMENT) return false;
    form.__EVENTTARGET.value = %s;
    form.__EVENTARGUMENT.value = %s;
    form.submit();
    return true;
  } catch (e) {
    return false;
  }
})()`

// Postback submits the listing form with Page$N, the server-side page change.
// submitted=false means the postback fields are not on the page.
func (p *Page) Postback(ctx context.Context, page int) (submitted bool, err error) {
	script := fmt.Sprintf(postbackScript, jsString(formName), jsString(listControl), jsString(fmt.Sprintf("Page$%d", page)))
	if err := p.browser.Evaluate(ctx, script, &submitted); err != nil {
		return false, fmt.Errorf("postback page %d: %w", page, err)
	}
	return submitted, nil
}
