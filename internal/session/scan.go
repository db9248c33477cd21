package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Scan reads the current page and returns the entries not yet in the
// duplicate cache, each paired with its download trigger.
func (c *Controller) Scan(ctx context.Context) (harvest.ScanResult, error) {
	page, _, err := c.livePage()
	if err != nil {
		return harvest.ScanResult{}, err
	}
	rows, err := page.Rows(ctx)
	if err != nil {
		return harvest.ScanResult{}, err
	}

	result := harvest.ScanResult{Rows: len(rows)}
	seen := make(map[harvest.Identifier]struct{}, len(rows))
	var duplicates, untriggered int
	for _, row := range rows {
		id, ok := harvest.ExtractIdentifier(row.Text)
		if !ok {
			continue
		}
		if result.FirstIdentifier == "" {
			result.FirstIdentifier = id
		}
		if c.cache != nil && c.cache.Contains(id) {
			duplicates++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if row.Trigger.Selector == "" {
			untriggered++
			c.logger.Warn("row has no usable download control",
				zap.String("identifier", id.String()),
				zap.Int("row", row.Index))
			continue
		}
		result.Entries = append(result.Entries, harvest.Entry{
			Identifier: id,
			Trigger:    row.Trigger,
			Row:        row.Index,
		})
	}

	c.logger.Info("scan complete",
		zap.Int("rows", result.Rows),
		zap.Int("new", len(result.Entries)),
		zap.Int("duplicates", duplicates),
		zap.Int("untriggered", untriggered))
	return result, nil
}
