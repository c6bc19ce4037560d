package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		var err error

		id, err = r.repo.CreateDownload(ctx, rec)

		return err
	})

	return id, err
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	var rec *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		rec, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return rec, err
}

func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id, downloaded, total int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, downloaded, total)
	})
}

func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, id int64, status, reason string, downloaded, total int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, status, reason, downloaded, total)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

// InstrumentedCheckRepository wraps CheckRepository with telemetry.
type InstrumentedCheckRepository struct {
	repo      *CheckRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedCheckRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedCheckRepository {
	return &InstrumentedCheckRepository{
		repo:      NewCheckRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedCheckRepository) RecordCheck(ctx context.Context, rec storage.CheckRecord, keep int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_check", func(ctx context.Context) error {
		return r.repo.RecordCheck(ctx, rec, keep)
	})
}

func (r *InstrumentedCheckRepository) LastSuccessfulCheck(ctx context.Context) (time.Time, bool, error) {
	var (
		at    time.Time
		found bool
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "last_successful_check", func(ctx context.Context) error {
		var err error

		at, found, err = r.repo.LastSuccessfulCheck(ctx)

		return err
	})

	return at, found, err
}

func (r *InstrumentedCheckRepository) RecentChecks(ctx context.Context, limit int) ([]storage.CheckRecord, error) {
	var checks []storage.CheckRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "recent_checks", func(ctx context.Context) error {
		var err error

		checks, err = r.repo.RecentChecks(ctx, limit)

		return err
	})

	return checks, err
}
