package update

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/app_updater/internal/events"
)

// session is the single in-flight download owned by an Orchestrator. The
// poller and listener capture the session pointer, never the orchestrator's
// current one, so a retired session stays retired for them.
type session struct {
	id         DownloadID
	url        string
	version    string
	targetPath string
	startedAt  time.Time
	logger     *slog.Logger

	// terminated guards entry into the terminal sequence.
	terminated atomic.Bool

	cancel context.CancelFunc
	done   chan struct{} // closed when the poller goroutine exits

	releaseOnce sync.Once

	mu         sync.Mutex
	retired    bool // once set, nothing is published for this session
	status     Status
	downloaded int64
	total      int64
	sub        *events.Subscription
}

func newSession(id DownloadID, url, version, targetPath string, logger *slog.Logger, cancel context.CancelFunc) *session {
	return &session{
		id:         id,
		url:        url,
		version:    version,
		targetPath: targetPath,
		startedAt:  time.Now(),
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusPending,
		total:      UnknownSize,
	}
}

// observe folds a record into the session counters. Byte counts never go
// backwards and a known total is never replaced by an unknown one. Callers
// hold s.mu.
func (s *session) observe(rec *Record) {
	if rec == nil {
		return
	}

	if rec.BytesDownloaded > s.downloaded {
		s.downloaded = rec.BytesDownloaded
	}

	if rec.BytesTotal > 0 {
		s.total = rec.BytesTotal
	}

	if !rec.Status.IsTerminal() && rec.Status > s.status {
		s.status = rec.Status
	}
}

// progress builds a tuple from the current counters. Callers hold s.mu.
func (s *session) progress() Progress {
	return Progress{
		DownloadID: s.id,
		Downloaded: s.downloaded,
		Total:      s.total,
		Status:     s.status,
	}
}

// finalProgress builds the terminal tuple. A successful session always reports
// downloaded == total, even when the total was never announced. Callers hold
// s.mu.
func (s *session) finalProgress(status Status, reason string) Progress {
	p := Progress{
		DownloadID: s.id,
		Downloaded: s.downloaded,
		Total:      s.total,
		Status:     status,
		Reason:     reason,
	}

	if status == StatusSucceeded {
		if p.Total <= 0 || p.Total < p.Downloaded {
			p.Total = p.Downloaded
		}

		p.Downloaded = p.Total
	}

	return p
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		DownloadID: s.id,
		Version:    s.version,
		URL:        s.url,
		TargetPath: s.targetPath,
		Status:     s.status,
		Downloaded: s.downloaded,
		Total:      s.total,
		StartedAt:  s.startedAt,
	}
}

// detachSubscription hands the listener subscription to the caller exactly
// once. Callers hold s.mu.
func (s *session) detachSubscription() *events.Subscription {
	sub := s.sub
	s.sub = nil

	return sub
}
