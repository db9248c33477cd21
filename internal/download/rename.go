package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/fsutil"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// Renamer moves a detected file to its allocated name with bounded retries.
type Renamer struct {
	Attempts int
	Backoff  time.Duration
}

// Rename moves src to dst. An existing dst counts as success since another
// path already completed the move.
func (r Renamer) Rename(ctx context.Context, src, dst string) error {
	if src == dst {
		if exists(dst) {
			return nil
		}
		return fmt.Errorf("rename %s: %w", src, os.ErrNotExist)
	}
	policy := retry.Fixed(r.Attempts, r.Backoff)
	return policy.Do(ctx, func(context.Context, int) error {
		if exists(dst) {
			return nil
		}
		if !exists(src) {
			return fmt.Errorf("rename source %s: %w", filepath.Base(src), os.ErrNotExist)
		}
		if err := fsutil.Move(src, dst); err != nil {
			if exists(dst) {
				return nil
			}
			return err
		}
		return nil
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
