package downloadmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/italolelis/app_updater/internal/downloadmgr/progress"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/update"
	"golang.org/x/time/rate"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// reportEvery bounds how stale the live byte counter can get.
	reportEvery = 32 * 1024
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

func (e *StatusError) retryable() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// ShortBodyError means the body ended before Content-Length bytes arrived.
type ShortBodyError struct {
	Want, Got int64
}

func (e *ShortBodyError) Error() string {
	return fmt.Sprintf("body ended after %d of %d bytes", e.Got, e.Want)
}

// run owns the transfer goroutine: it downloads, records the outcome and
// broadcasts it.
func (m *Manager) run(ctx context.Context, t *transfer) {
	defer m.wg.Done()
	defer close(t.done)

	logger := logctx.LoggerFromContext(ctx)

	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "download panic", "panic", r, "stack", string(debug.Stack()))
				m.tel.RecordSystemError("download_manager", "panic")

				err = fmt.Errorf("download panic: %v", r)
			}
		}()

		err = m.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
			return m.download(ctx, t)
		})
	}()

	if t.removed.Load() {
		m.forget(t.id)
		logger.DebugContext(ctx, "download removed before completion")

		return
	}

	status := update.StatusSucceeded
	reason := ""

	if err != nil {
		status = update.StatusFailed
		reason = failureReason(err)

		if ctx.Err() != nil {
			reason = update.ReasonCancelled
		}

		logger.WarnContext(ctx, "download failed", "reason", reason, "err", err)
	}

	downloaded := t.downloaded.Load()
	total := t.total.Load()

	if status == update.StatusSucceeded && total < 0 {
		total = downloaded
		t.total.Store(total)
	}

	t.reason.Store(&reason)
	t.status.Store(int32(status))

	if err := m.repo.UpdateStatus(context.WithoutCancel(ctx), int64(t.id), status.String(), reason, downloaded, total); err != nil {
		logger.ErrorContext(ctx, "failed to store download outcome", "err", err)
	}

	m.forget(t.id)
	m.tel.RecordDownloadBytes(downloaded)

	if status == update.StatusSucceeded {
		logger.InfoContext(ctx, "download finished",
			"destination", t.req.Destination,
			"size", humanize.Bytes(uint64(downloaded)))
	}

	m.bus.Publish(update.Completion{ID: t.id, Status: status, Reason: reason})
}

func (m *Manager) download(ctx context.Context, t *transfer) error {
	logger := logctx.LoggerFromContext(ctx)

	dir := filepath.Dir(t.req.Destination)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	resp, err := m.fetch(ctx, t)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = update.UnknownSize
	}

	t.total.Store(total)
	t.status.Store(int32(update.StatusRunning))
	t.touch()

	if err := m.repo.UpdateProgress(ctx, int64(t.id), 0, total); err != nil {
		logger.WarnContext(ctx, "failed to store download progress", "err", err)
	}

	logger.InfoContext(ctx, "downloading file", "url", t.req.URL, "file_size", sizeLabel(total))

	pending, err := renameio.NewPendingFile(t.req.Destination,
		renameio.WithTempDir(dir),
		renameio.WithPermissions(filePerm),
	)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck

	persist := rate.Sometimes{Interval: m.cfg.PersistInterval}
	logEvery := rate.Sometimes{Interval: m.cfg.LogInterval}

	pr := progress.NewReader(resp.Body, total, reportEvery, func(read, total int64) {
		t.downloaded.Store(read)
		t.touch()

		persist.Do(func() {
			if err := m.repo.UpdateProgress(ctx, int64(t.id), read, total); err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "failed to store download progress", "err", err)
			}
		})

		logEvery.Do(func() {
			if total > 0 {
				logger.DebugContext(ctx, "download progress",
					"downloaded", humanize.Bytes(uint64(read)),
					"total", humanize.Bytes(uint64(total)),
					"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
			} else {
				logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
			}
		})
	})

	if _, err := io.Copy(pending, pr); err != nil {
		return fmt.Errorf("failed to copy body: %w", err)
	}

	t.downloaded.Store(pr.N())

	if total > 0 && pr.N() != total {
		return &ShortBodyError{Want: total, Got: pr.N()}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	return nil
}

// fetch issues the GET, retrying connection errors, 5xx and 429 with
// exponential backoff and jitter. Nothing is retried once a response body is
// being consumed.
func (m *Manager) fetch(ctx context.Context, t *transfer) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.req.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		for key, value := range t.req.Headers {
			req.Header.Set(key, value)
		}

		resp, err := m.client.Do(req)
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}

			resp.Body.Close()

			statusErr := &StatusError{Code: resp.StatusCode}
			if !statusErr.retryable() {
				return nil, statusErr
			}

			err = statusErr
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt >= m.cfg.MaxAttempts {
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt, err)
		}

		delay := m.backoff(attempt)

		logger.WarnContext(ctx, "download request failed, retrying",
			"attempt", attempt,
			"retry_in", delay.String(),
			"err", err)

		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		}
	}
}

// backoff doubles the initial delay per attempt up to MaxBackoff and picks a
// random point in its upper half.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.cfg.InitialBackoff << (attempt - 1)
	if delay <= 0 || delay > m.cfg.MaxBackoff {
		delay = m.cfg.MaxBackoff
	}

	half := delay / 2

	return half + rand.N(half+1)
}

func (t *transfer) touch() {
	t.lastUpdated.Store(time.Now().UnixNano())
}

func failureReason(err error) string {
	var statusErr *StatusError

	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("http %d", statusErr.Code)
	case errors.Is(err, context.Canceled):
		return update.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return update.ReasonTimeout
	default:
		return err.Error()
	}
}

func sizeLabel(total int64) string {
	if total < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(total))
}
