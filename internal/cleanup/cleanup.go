package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/app_updater/internal/logctx"
)

// RemoveArtifact deletes the file at path. A missing file is not an error.
func RemoveArtifact(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	err := os.Remove(path)

	switch {
	case err == nil:
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "removed stale artifact", "file", path)

		return nil
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("failed to remove artifact %s: %w", path, err)
	}
}

// DeleteExpiredFiles deletes regular files in dir whose modification time is
// older than keepDuration. The file named keep is never touched, so the
// artifact currently being installed survives the sweep. Subdirectories are
// ignored.
func DeleteExpiredFiles(ctx context.Context, dir, keep string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read artifact dir: %w", err)
	}

	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == keep {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to stat file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to delete expired file", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "deleted expired file",
			"file", filePath,
			"size", humanize.Bytes(uint64(info.Size())),
			"age", humanize.Time(info.ModTime()))
	}

	return removed, nil
}
