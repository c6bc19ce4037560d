package update

import (
	"errors"
	"fmt"
)

var (
	// ErrDownloadNotFound is returned by DownloadService.Query for unknown ids.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrNoActiveSession is returned by Cancel when nothing is in flight.
	ErrNoActiveSession = errors.New("no active update session")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")

	errEmptyArtifact = errors.New("artifact is empty")
)

// InvalidArgumentError rejects a Start call before any side effect happens.
type InvalidArgumentError struct {
	Field  string // Name of the offending argument
	Reason string // Human-readable explanation
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}

// EnqueueError wraps a rejection from the download service.
type EnqueueError struct {
	URL string // URL that was being enqueued
	Err error  // Error returned by the download service
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("failed to enqueue download of %s: %v", e.URL, e.Err)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// DownloadFailedError is carried on the outcome of a session the download
// service reported as FAILED.
type DownloadFailedError struct {
	ID     DownloadID
	Reason string
}

func (e *DownloadFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("download %d failed", e.ID)
	}

	return fmt.Sprintf("download %d failed: %s", e.ID, e.Reason)
}

// ArtifactMissingError means the install handoff found no usable file.
type ArtifactMissingError struct {
	Path string
	Err  error
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("artifact missing at %s: %v", e.Path, e.Err)
}

func (e *ArtifactMissingError) Unwrap() error {
	return e.Err
}
