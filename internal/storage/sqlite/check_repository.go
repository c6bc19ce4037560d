package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/app_updater/internal/storage"
)

type CheckRepository struct {
	db *sql.DB
}

func NewCheckRepository(dbConn *sql.DB) *CheckRepository {
	return &CheckRepository{db: dbConn}
}

// RecordCheck inserts rec and drops everything but the newest keep rows in
// the same transaction.
func (r *CheckRepository) RecordCheck(ctx context.Context, rec storage.CheckRecord, keep int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	checkedAt := rec.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO update_checks (checked_at, current_version, latest_version, update_available, success, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(checkedAt), rec.CurrentVersion, rec.LatestVersion, rec.UpdateAvailable, rec.Success, rec.Error,
	); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM update_checks WHERE id NOT IN (SELECT id FROM update_checks ORDER BY id DESC LIMIT ?)`,
			keep,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LastSuccessfulCheck returns the time of the newest successful check.
func (r *CheckRepository) LastSuccessfulCheck(ctx context.Context) (time.Time, bool, error) {
	var checkedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT checked_at FROM update_checks WHERE success = 1 ORDER BY id DESC LIMIT 1`,
	).Scan(&checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, err
	}

	return parseTime(checkedAt), true, nil
}

// RecentChecks returns up to limit checks, newest first.
func (r *CheckRepository) RecentChecks(ctx context.Context, limit int) ([]storage.CheckRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, checked_at, current_version, latest_version, update_available, success, error
		FROM update_checks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []storage.CheckRecord

	for rows.Next() {
		var (
			rec                     storage.CheckRecord
			checkedAt               string
			current, latest, errMsg sql.NullString
		)

		if err := rows.Scan(&rec.ID, &checkedAt, &current, &latest, &rec.UpdateAvailable, &rec.Success, &errMsg); err != nil {
			return nil, err
		}

		rec.CheckedAt = parseTime(checkedAt)
		rec.CurrentVersion = current.String
		rec.LatestVersion = latest.String
		rec.Error = errMsg.String

		checks = append(checks, rec)
	}

	return checks, rows.Err()
}
