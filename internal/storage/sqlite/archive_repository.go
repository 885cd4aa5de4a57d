package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/campusops/course_archiver/internal/storage"
)

// ArchiveRepository stores archive run history in SQLite.
type ArchiveRepository struct {
	db    *sql.DB
	runID string
}

func NewArchiveRepository(dbConn *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{
		db:    dbConn,
		runID: storage.GenerateRunID(),
	}
}

// RecordArchive inserts one finished task. Records arriving without a run ID
// or finish time are stamped with this process's values.
func (r *ArchiveRepository) RecordArchive(ctx context.Context, rec storage.ArchiveRecord) error {
	if rec.RunID == "" {
		rec.RunID = r.runID
	}

	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO archives (course_id, course_name, artifact_path, bytes, duration_ms, status, run_id, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CourseID, rec.CourseName, rec.ArtifactPath, rec.Bytes, rec.Duration.Milliseconds(),
		rec.Status, rec.RunID, rec.FinishedAt.UTC().Format(time.RFC3339))

	return err
}

// RecentArchives returns the newest records first, up to a limit.
func (r *ArchiveRepository) RecentArchives(ctx context.Context, limit int) ([]storage.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, course_name, artifact_path, bytes, duration_ms, status, run_id, finished_at
		FROM archives
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.ArchiveRecord

	for rows.Next() {
		var (
			rec        storage.ArchiveRecord
			durationMS int64
			finishedAt string
		)

		if err := rows.Scan(&rec.ID, &rec.CourseID, &rec.CourseName, &rec.ArtifactPath,
			&rec.Bytes, &durationMS, &rec.Status, &rec.RunID, &finishedAt); err != nil {
			return nil, err
		}

		rec.Duration = time.Duration(durationMS) * time.Millisecond

		if parsed, err := time.Parse(time.RFC3339, finishedAt); err == nil {
			rec.FinishedAt = parsed
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
