// Package schedule decides when the harvester should be checking the portal
// and drives discrete cycles from cron.
package schedule

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is the wall-clock policy around the portal's publication minutes.
// Minutes are minute-of-hour values in Location.
type Window struct {
	TargetMinutes    []int
	StopMinutes      []int
	PreCheckOffset   int
	CheckWindowAfter int
	StopWindow       int
	// TestMode makes every minute a check minute and none a stop minute.
	TestMode bool
	Location *time.Location
}

func (w Window) local(t time.Time) time.Time {
	if w.Location == nil {
		return t
	}
	return t.In(w.Location)
}

// within reports whether m lies in [from, from+span] on the 60-minute circle.
func within(m, from, span int) bool {
	return (m-from+60)%60 <= span
}

// IsCheckTime reports whether t falls in a check window:
// target-offset through target+CheckWindowAfter.
func (w Window) IsCheckTime(t time.Time) bool {
	if w.TestMode {
		return true
	}
	m := w.local(t).Minute()
	for _, target := range w.TargetMinutes {
		if within(m, target-w.PreCheckOffset, w.PreCheckOffset+w.CheckWindowAfter) {
			return true
		}
	}
	return false
}

// IsStopTime reports whether t falls in a stop window: stop through
// stop+StopWindow.
func (w Window) IsStopTime(t time.Time) bool {
	if w.TestMode {
		return false
	}
	m := w.local(t).Minute()
	for _, stop := range w.StopMinutes {
		if within(m, stop, w.StopWindow) {
			return true
		}
	}
	return false
}

// IsTargetMinute reports whether t's minute is a publication minute.
func (w Window) IsTargetMinute(t time.Time) bool {
	return slices.Contains(w.TargetMinutes, w.local(t).Minute())
}

// StartMinutes are the minutes at which a discrete cycle should begin.
func (w Window) StartMinutes() []int {
	out := make([]int, 0, len(w.TargetMinutes))
	for _, target := range w.TargetMinutes {
		m := ((target-w.PreCheckOffset)%60 + 60) % 60
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	sort.Ints(out)
	return out
}

// CronSpec is the five-field cron expression for StartMinutes.
func (w Window) CronSpec() string {
	minutes := w.StartMinutes()
	if len(minutes) == 0 {
		return ""
	}
	parts := make([]string, len(minutes))
	for i, m := range minutes {
		parts[i] = strconv.Itoa(m)
	}
	return fmt.Sprintf("%s * * * *", strings.Join(parts, ","))
}

// NextCheck returns the next start minute strictly after t.
func (w Window) NextCheck(t time.Time) time.Time {
	local := w.local(t)
	if w.TestMode {
		return local
	}
	hour := local.Truncate(time.Hour)
	for h := 0; h < 2; h++ {
		for _, m := range w.StartMinutes() {
			candidate := hour.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
			if candidate.After(local) {
				return candidate
			}
		}
	}
	return local.Add(time.Hour)
}

// Status is a JSON-friendly view of the window at a point in time.
type Status struct {
	Now            time.Time `json:"now"`
	NextCheck      time.Time `json:"next_check"`
	IsCheckTime    bool      `json:"is_check_time"`
	IsStopTime     bool      `json:"is_stop_time"`
	IsTargetMinute bool      `json:"is_target_minute"`
	TargetMinutes  []int     `json:"target_minutes"`
	TestMode       bool      `json:"test_mode"`
}

// StatusAt reports the window at t.
func (w Window) StatusAt(t time.Time) Status {
	return Status{
		Now:            w.local(t),
		NextCheck:      w.NextCheck(t),
		IsCheckTime:    w.IsCheckTime(t),
		IsStopTime:     w.IsStopTime(t),
		IsTargetMinute: w.IsTargetMinute(t),
		TargetMinutes:  append([]int(nil), w.TargetMinutes...),
		TestMode:       w.TestMode,
	}
}
