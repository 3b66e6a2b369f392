package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/httpfetch/internal/logctx"
)

// DeleteStaleStaging removes orphaned staging files (*.part) that a crashed
// or killed run left behind in the given directories. Only files older than
// keepDuration are touched so in-flight staging files of a concurrent run
// survive the sweep.
func DeleteStaleStaging(ctx context.Context, dirs []string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	seen := make(map[string]struct{}, len(dirs))

	for _, dir := range dirs {
		if _, ok := seen[dir]; ok {
			continue
		}

		seen[dir] = struct{}{}

		matches, err := filepath.Glob(filepath.Join(dir, "*.part"))
		if err != nil {
			return err
		}

		for _, stale := range matches {
			info, err := os.Stat(stale)
			if err != nil {
				if os.IsNotExist(err) {
					continue // already deleted
				}

				logger.Error("failed to stat staging file", "file", stale, "err", err)

				return err
			}

			if now.Sub(info.ModTime()) <= keepDuration {
				continue
			}

			if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete stale staging file", "file", stale, "err", err)

				return err
			}

			logger.Info("deleted stale staging file", "file", stale)
		}
	}

	return nil
}
