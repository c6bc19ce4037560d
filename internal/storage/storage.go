package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// DownloadRecord is one row of the download table.
type DownloadRecord struct {
	ID              int64
	URL             string
	Destination     string
	Title           string
	Description     string
	MimeType        string
	Status          string
	Reason          string
	BytesDownloaded int64
	BytesTotal      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CheckRecord is one update check, successful or not.
type CheckRecord struct {
	ID              int64
	CheckedAt       time.Time
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	Success         bool
	Error           string
}

type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (*DownloadRecord, error)
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// CreateDownload inserts rec and returns its id. Ids are never reused.
	CreateDownload(ctx context.Context, rec *DownloadRecord) (int64, error)
	UpdateProgress(ctx context.Context, id, downloaded, total int64) error
	UpdateStatus(ctx context.Context, id int64, status, reason string, downloaded, total int64) error
	DeleteDownload(ctx context.Context, id int64) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

type CheckRepository interface {
	// RecordCheck stores rec and trims the table to the newest keep rows.
	RecordCheck(ctx context.Context, rec CheckRecord, keep int) error
	LastSuccessfulCheck(ctx context.Context) (time.Time, bool, error)
	RecentChecks(ctx context.Context, limit int) ([]CheckRecord, error)
}
