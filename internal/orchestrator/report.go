package orchestrator

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/navigator"
	"github.com/JakeFAU/egazette-harvester/internal/stats"
)

// Report texts are Telegram HTML; anything dynamic is escaped.

type startFacts struct {
	Known    int
	Workers  int
	Cache    int
	Telegram bool
	Started  time.Time
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func startReport(f startFacts) string {
	var b strings.Builder
	b.WriteString("🚀 <b>Harvester started</b>\n")
	fmt.Fprintf(&b, "📊 Known codes: %d\n", f.Known)
	fmt.Fprintf(&b, "🕐 Session start: %s\n", f.Started.Format(time.TimeOnly))
	fmt.Fprintf(&b, "🧵 Max workers: %d\n", f.Workers)
	fmt.Fprintf(&b, "📋 Recent codes cache: %d\n", f.Cache)
	fmt.Fprintf(&b, "📱 Telegram: %s", onOff(f.Telegram))
	return b.String()
}

type pageFacts struct {
	Page          int
	Files         []harvest.Identifier
	Refresh       string
	Total         int
	Known         int
	Cycle         int
	Workers       int
	Page2Failures int
	Threshold     int
	Runtime       time.Duration
	At            time.Time
}

const listedFiles = 5

func pageReport(f pageFacts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Page %d downloaded: %d files</b>\n", f.Page, len(f.Files))
	fmt.Fprintf(&b, "📊 Session: %d total, %d unique\n", f.Total, f.Known)
	if f.Refresh != "" {
		fmt.Fprintf(&b, "🔄 Strategy: %s\n", html.EscapeString(f.Refresh))
	}
	fmt.Fprintf(&b, "🧵 Workers: %d\n", f.Workers)
	fmt.Fprintf(&b, "🔁 Page 2 failures: %d/%d\n", f.Page2Failures, f.Threshold)
	fmt.Fprintf(&b, "📊 Cycle: #%d\n", f.Cycle)
	fmt.Fprintf(&b, "⏱️ Runtime: %s\n", f.Runtime.Truncate(time.Second))
	fmt.Fprintf(&b, "⏰ %s", f.At.Format(time.TimeOnly))
	if len(f.Files) > 0 {
		fmt.Fprintf(&b, "\n📋 Files: %s", joinCapped(f.Files, listedFiles))
	}
	return b.String()
}

func failureReport(page int, failed []harvest.Identifier, limit int) string {
	return fmt.Sprintf("⚠️ <b>Page %d: %d downloads failed</b>\n%s", page, len(failed), joinCapped(failed, limit))
}

func joinCapped(ids []harvest.Identifier, limit int) string {
	shown := ids
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	parts := make([]string, len(shown))
	for i, id := range shown {
		parts[i] = html.EscapeString(id.String())
	}
	out := strings.Join(parts, ", ")
	if len(shown) < len(ids) {
		out += fmt.Sprintf(" ... (+%d more)", len(ids)-len(shown))
	}
	return out
}

func errorReport(stage string, err error) string {
	return fmt.Sprintf("❌ <b>Cycle error</b> (%s): %s\n🔄 Session closed, retrying from setup next cycle",
		html.EscapeString(stage), html.EscapeString(err.Error()))
}

func stopWindowReport(at time.Time) string {
	return fmt.Sprintf("🛑 Stop window reached at minute %d, pausing until the next check window", at.Minute())
}

func stopReport(s stats.Snapshot, nav navigator.Stats, at time.Time) string {
	var b strings.Builder
	b.WriteString("🛑 <b>Harvester stopped</b>\n")
	b.WriteString("📊 Session summary:\n")
	fmt.Fprintf(&b, "   • Known codes: %d\n", s.KnownCodes)
	fmt.Fprintf(&b, "   • Downloads this session: %d\n", s.TotalDownloads)
	fmt.Fprintf(&b, "   • Success rate: %d/%d (%.1f%%)\n", s.Success, s.Processed, s.SuccessRate())
	fmt.Fprintf(&b, "   • Retry needed: %d\n", len(s.RetryNeeded))
	if !s.Started.IsZero() {
		fmt.Fprintf(&b, "   • Duration: %s\n", at.Sub(s.Started).Truncate(time.Second))
	}
	b.WriteString("🔄 Operation:\n")
	fmt.Fprintf(&b, "   • Cycles: %d\n", s.Cycles)
	fmt.Fprintf(&b, "   • Zero streak: %d\n", s.ZeroStreak)
	fmt.Fprintf(&b, "   • Page 2 failures: %d\n", nav.Page2Failures)
	fmt.Fprintf(&b, "   • Reloads: %d\n", nav.Reloads)
	fmt.Fprintf(&b, "⏰ %s", at.Format(time.DateTime))
	return b.String()
}
