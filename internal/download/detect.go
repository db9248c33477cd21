package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// Detection strategy names, reported on outcomes and metrics.
const (
	StrategySnapshot = "snapshot"
	StrategyPattern  = "pattern"
	StrategyWindow   = "window"
)

// Task is what a detection strategy knows about one download.
type Task struct {
	Identifier harvest.Identifier
	Dir        string
	Target     string
	Started    time.Time
	// Snapshot holds the workspace entries present before the trigger.
	Snapshot map[string]struct{}
	// Download is the browser download the trigger began. When set, only
	// the file saved under its GUID belongs to the task.
	Download *harvest.Download
}

// claims reports whether the workspace file name may be this task's
// download.
func (t *Task) claims(name string) bool {
	if t.Download == nil {
		return isPDF(name)
	}
	if isPartial(name) {
		return false
	}
	return name == t.Download.GUID || strings.TrimSuffix(name, filepath.Ext(name)) == t.Download.GUID
}

// Strategy locates a finished download and moves it to task.Target. An empty
// path with a nil error means "not found, try the next strategy".
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, task *Task) (string, error)
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(lower, ".crdownload") ||
		strings.HasSuffix(lower, ".tmp") ||
		strings.HasSuffix(lower, ".part")
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf") && !isPartial(name)
}

// Snapshot lists the names currently in dir. A missing dir is empty.
func Snapshot(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name()] = struct{}{}
	}
	return names, nil
}

// pdfs lists the files in dir matching keep, newest first.
func pdfs(dir string, keep func(name string) bool) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	var out []fileInfo
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{path: filepath.Join(dir, e.Name()), size: info.Size(), modTime: info.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].modTime.After(out[j].modTime) })
	return out, nil
}

// SnapshotStrategy polls for PDFs that were not in the pre-trigger snapshot
// and whose size held steady across two reads.
type SnapshotStrategy struct {
	Timeout  time.Duration
	Interval time.Duration
	Renamer  Renamer
}

// Name implements Strategy.
func (s *SnapshotStrategy) Name() string { return StrategySnapshot }

// Attempt implements Strategy.
func (s *SnapshotStrategy) Attempt(ctx context.Context, task *Task) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout+s.Interval)
	defer cancel()

	sizes := make(map[string]int64)
	var found string
	ok, err := retry.Every(s.Interval, s.Timeout).Poll(ctx, func(ctx context.Context) (bool, error) {
		if exists(task.Target) {
			found = task.Target
			return true, nil
		}
		files, err := pdfs(task.Dir, func(name string) bool {
			_, seen := task.Snapshot[name]
			return !seen && task.claims(name)
		})
		if err != nil {
			return false, nil
		}
		for _, f := range files {
			prev, seen := sizes[f.path]
			sizes[f.path] = f.size
			if !seen || prev != f.size || f.size == 0 {
				continue
			}
			if err := s.Renamer.Rename(ctx, f.path, task.Target); err != nil {
				continue
			}
			found = task.Target
			return true, nil
		}
		return false, nil
	})
	if err != nil && found == "" {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return found, nil
}

// PatternStrategy takes the newest PDF naming the identifier, or the newest
// PDF at all when none does. A task bound to a browser download only takes
// that download's file.
type PatternStrategy struct {
	Renamer Renamer
}

// Name implements Strategy.
func (s *PatternStrategy) Name() string { return StrategyPattern }

// Attempt implements Strategy.
func (s *PatternStrategy) Attempt(ctx context.Context, task *Task) (string, error) {
	if task.Download != nil {
		files, err := pdfs(task.Dir, task.claims)
		if err != nil {
			return "", err
		}
		return takeNewest(ctx, s.Renamer, files, task.Target)
	}
	id := task.Identifier.String()
	files, err := pdfs(task.Dir, func(name string) bool { return isPDF(name) && strings.Contains(name, id) })
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		if files, err = pdfs(task.Dir, isPDF); err != nil {
			return "", err
		}
	}
	return takeNewest(ctx, s.Renamer, files, task.Target)
}

// WindowStrategy takes the newest PDF modified after the task started, less
// a grace period.
type WindowStrategy struct {
	Grace   time.Duration
	Renamer Renamer
}

// Name implements Strategy.
func (s *WindowStrategy) Name() string { return StrategyWindow }

// Attempt implements Strategy.
func (s *WindowStrategy) Attempt(ctx context.Context, task *Task) (string, error) {
	files, err := pdfs(task.Dir, task.claims)
	if err != nil {
		return "", err
	}
	cutoff := task.Started.Add(-s.Grace)
	recent := files[:0]
	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			recent = append(recent, f)
		}
	}
	return takeNewest(ctx, s.Renamer, recent, task.Target)
}

func takeNewest(ctx context.Context, r Renamer, files []fileInfo, target string) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	if err := r.Rename(ctx, files[0].path, target); err != nil {
		return "", err
	}
	return target, nil
}
