package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/app_updater/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

const downloadColumns = `id, url, destination, title, description, mime_type, status, reason,
	bytes_downloaded, bytes_total, created_at, updated_at`

func (r *DownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) (int64, error) {
	now := formatTime(time.Now())

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (url, destination, title, description, mime_type, status, bytes_downloaded, bytes_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.Destination, rec.Title, rec.Description, rec.MimeType, rec.Status,
		rec.BytesDownloaded, rec.BytesTotal, now, now,
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	rec, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return rec, err
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *rec)
	}

	return downloads, rows.Err()
}

// UpdateProgress stores byte counters for a download that is still running.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id, downloaded, total int64) error {
	return r.exec(ctx,
		`UPDATE downloads SET status = 'running', bytes_downloaded = ?, bytes_total = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		downloaded, total, formatTime(time.Now()), id,
	)
}

func (r *DownloadRepository) UpdateStatus(ctx context.Context, id int64, status, reason string, downloaded, total int64) error {
	return r.exec(ctx,
		`UPDATE downloads SET status = ?, reason = ?, bytes_downloaded = ?, bytes_total = ?, updated_at = ? WHERE id = ?`,
		status, reason, downloaded, total, formatTime(time.Now()), id,
	)
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.db.ExecContext(ctx, query, args...)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (*storage.DownloadRecord, error) {
	var (
		rec                  storage.DownloadRecord
		title, desc, mime    sql.NullString
		reason               sql.NullString
		createdAt, updatedAt string
	)

	err := s.Scan(&rec.ID, &rec.URL, &rec.Destination, &title, &desc, &mime, &rec.Status, &reason,
		&rec.BytesDownloaded, &rec.BytesTotal, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Title = title.String
	rec.Description = desc.String
	rec.MimeType = mime.String
	rec.Reason = reason.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)

	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}

	return t
}
