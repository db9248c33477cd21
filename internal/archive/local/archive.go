// Package local archives PDFs on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/archive"
	"github.com/JakeFAU/egazette-harvester/internal/fsutil"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Config captures the parameters for the local archive.
type Config struct {
	// BaseDir is the root directory of the dated tree.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// Archive moves PDFs into BaseDir/<yyyy-mm-dd>/.
type Archive struct {
	baseDir string
	now     func() time.Time
}

// Option customises an Archive.
type Option func(*Archive)

// WithClock dates files by clock instead of the wall clock.
func WithClock(clock harvest.Clock) Option {
	return func(a *Archive) { a.now = clock.Now }
}

// New creates the archive, making sure BaseDir exists and is writable.
func New(cfg Config, opts ...Option) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	check := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(check, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(check); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	a := &Archive{baseDir: cfg.BaseDir, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Store moves localPath into today's directory and reports its new path.
func (a *Archive) Store(_ context.Context, localPath string) (harvest.Archived, error) {
	name := filepath.Base(localPath)
	if name == "." || name == string(filepath.Separator) {
		return harvest.Archived{}, fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(a.baseDir, filepath.FromSlash(archive.DatedName(name, a.now())))

	cleanBase := filepath.Clean(a.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return harvest.Archived{}, fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return harvest.Archived{}, fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := fsutil.Move(localPath, fullPath); err != nil {
		return harvest.Archived{}, fmt.Errorf("failed to move file: %w", err)
	}
	return harvest.Archived{URI: "file://" + fullPath, Path: fullPath}, nil
}
