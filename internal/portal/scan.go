package portal

import (
	"context"
	"fmt"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Row is one result row as read from the listing.
type Row struct {
	Index   int             `json:"index"`
	Text    string          `json:"text"`
	Trigger harvest.Trigger `json:"trigger"`
}

// TriggerSelector is the stable selector for the control tagged on row index.
func TriggerSelector(index int) string {
	return fmt.Sprintf(`[%s="r%d"]`, triggerAttr, index)
}

// Trigger variants are tried per row in this order; the first visible and
// enabled match is tagged so it can be addressed by TriggerSelector.
const scanScript = `(() => {
  const variants = [
    ["id", "input[id*='LnkGetPDFActive']"],
    ["name", "input[name*='LnkGetPDFActive']"],
    ["submit", "input[type='submit'][value*='PDF']"],
    ["button", "button.pdf"],
  ];
  const usable = (el) => {
    const s = window.getComputedStyle(el);
    return !el.disabled && s.display !== "none" && s.visibility !== "hidden";
  };
  const rows = Array.from(document.querySelectorAll(%s + " tr")).slice(1);
  return rows.map((row, i) => {
    let trigger = {selector: "", variant: ""};
    for (const [variant, sel] of variants) {
      const el = Array.from(row.querySelectorAll(sel)).find(usable);
      if (el) {
        el.setAttribute(%s, "r" + i);
        trigger = {selector: "[" + %s + "=\"r" + i + "\"]", variant: variant};
        break;
      }
    }
    return {index: i, text: row.innerText || row.textContent || "", trigger: trigger};
  });
})()`

// Rows reads every data row of the results table and tags its trigger.
func (p *Page) Rows(ctx context.Context) ([]Row, error) {
	var rows []Row
	attr := jsString(triggerAttr)
	script := fmt.Sprintf(scanScript, jsString(ResultsTable), attr, attr)
	if err := p.browser.Evaluate(ctx, script, &rows); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return rows, nil
}

const activateRowScript = `(() => {
  const code = %s;
  const variants = [
    "input[id*='LnkGetPDFActive']",
    "a[id*='LnkGetPDFActive']",
    "input[name*='LnkGetPDFActive']",
    "input[type='submit'][value*='PDF']",
    "button.pdf",
  ];
  const usable = (el) => {
    const s = window.getComputedStyle(el);
    return !el.disabled && s.display !== "none" && s.visibility !== "hidden";
  };
  for (const row of document.querySelectorAll(%s + " tr")) {
    if (!(row.innerText || row.textContent || "").includes(code)) continue;
    for (const sel of variants) {
      const el = Array.from(row.querySelectorAll(sel)).find(usable);
      if (el) {
        el.scrollIntoView({block: "center"});
        el.click();
        return true;
      }
    }
  }
  return false;
})()`

// ActivateRow clicks the download control of the row showing id. Isolated
// browsers use it since their DOM was never tagged by Rows.
func (p *Page) ActivateRow(ctx context.Context, id harvest.Identifier) error {
	var ok bool
	script := fmt.Sprintf(activateRowScript, jsString(id.String()), jsString(ResultsTable))
	if err := p.browser.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("activate row %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("activate row %s: %w", id, harvest.ErrNotFound)
	}
	return nil
}
