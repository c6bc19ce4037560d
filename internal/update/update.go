package update

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/app_updater/internal/events"
)

// DownloadID is the opaque handle the download service assigns on enqueue.
type DownloadID int64

// UnknownSize marks a byte total the remote response did not announce.
const UnknownSize int64 = -1

// Status is the lifecycle state of a download.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusSucceeded: "succeeded",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}

	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// ParseStatus converts the textual form back into a Status.
func ParseStatus(v string) (Status, error) {
	for status, name := range statusNames {
		if strings.EqualFold(name, v) {
			return status, nil
		}
	}

	return StatusPending, fmt.Errorf("unknown status %q", v)
}

// Failure reasons reported on FAILED progress tuples and outcomes.
const (
	ReasonCancelled       = "cancelled"
	ReasonSuperseded      = "superseded"
	ReasonClosed          = "closed"
	ReasonTimeout         = "timeout"
	ReasonArtifactMissing = "artifact_missing"
	ReasonInstallFailed   = "install_failed"
)

// NetworkPolicy tells the download service which connections it may use.
type NetworkPolicy struct {
	AllowMetered bool
	AllowRoaming bool
}

// Request is what the orchestrator hands to the download service.
type Request struct {
	URL         string
	Destination string
	Headers     map[string]string
	Title       string
	Description string
	MimeType    string
	Network     NetworkPolicy
}

// Record is the download service's view of one download.
type Record struct {
	ID              DownloadID
	URL             string
	Destination     string
	Status          Status
	Reason          string
	BytesDownloaded int64
	BytesTotal      int64
	UpdatedAt       time.Time
}

// Completion is broadcast by the download service when a download reaches a
// terminal state.
type Completion struct {
	ID     DownloadID
	Status Status
	Reason string
}

// ContentRef is an access-scoped locator for the artifact, handed to the
// installer instead of a plain path.
type ContentRef struct {
	URI      string
	MimeType string
}

// DownloadService enqueues and tracks downloads.
type DownloadService interface {
	Enqueue(ctx context.Context, req *Request) (DownloadID, error)
	// Query returns ErrDownloadNotFound for unknown ids.
	Query(ctx context.Context, id DownloadID) (*Record, error)
	Remove(ctx context.Context, id DownloadID) error
}

// CompletionChannel is the platform-wide completion broadcast.
type CompletionChannel interface {
	Subscribe(match func(Completion) bool, fn func(Completion)) *events.Subscription
}

// ContentResolver turns an artifact path into a content reference.
type ContentResolver interface {
	Resolve(ctx context.Context, path string) (ContentRef, error)
}

// Launcher starts the platform install flow. It must not wait for the user.
type Launcher interface {
	Launch(ctx context.Context, ref ContentRef) error
}

// Progress is one tuple on the progress stream.
type Progress struct {
	DownloadID DownloadID `json:"downloadId"`
	Downloaded int64      `json:"downloaded"`
	Total      int64      `json:"total"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
}

// Percent rounds the completion ratio; unknown totals report 0 until the
// download succeeds.
func (p Progress) Percent() int {
	if p.Status == StatusSucceeded {
		return 100
	}

	if p.Total <= 0 {
		return 0
	}

	return int((p.Downloaded*100 + p.Total/2) / p.Total)
}

// Outcome describes how a session ended.
type Outcome struct {
	DownloadID   DownloadID
	Version      string
	Status       Status
	ArtifactPath string
	Duration     time.Duration
	Err          error
}

// SessionInfo is a point-in-time snapshot of the active session.
type SessionInfo struct {
	DownloadID DownloadID `json:"downloadId"`
	Version    string     `json:"version,omitempty"`
	URL        string     `json:"url"`
	TargetPath string     `json:"targetPath"`
	Status     Status     `json:"status"`
	Downloaded int64      `json:"downloaded"`
	Total      int64      `json:"total"`
	StartedAt  time.Time  `json:"startedAt"`
}
