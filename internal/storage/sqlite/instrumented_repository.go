package sqlite

import (
	"context"
	"database/sql"

	"github.com/campusops/course_archiver/internal/storage"
	"github.com/campusops/course_archiver/internal/telemetry"
)

// InstrumentedArchiveRepository wraps ArchiveRepository with telemetry.
type InstrumentedArchiveRepository struct {
	repo      *ArchiveRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedArchiveRepository creates a new instrumented archive repository.
func NewInstrumentedArchiveRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedArchiveRepository {
	return &InstrumentedArchiveRepository{
		repo:      NewArchiveRepository(dbConn),
		telemetry: tel,
	}
}

// RecordArchive inserts one finished task with telemetry.
func (r *InstrumentedArchiveRepository) RecordArchive(ctx context.Context, rec storage.ArchiveRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_archive", func(ctx context.Context) error {
		return r.repo.RecordArchive(ctx, rec)
	})
}

// RecentArchives retrieves run history with telemetry.
func (r *InstrumentedArchiveRepository) RecentArchives(ctx context.Context, limit int) ([]storage.ArchiveRecord, error) {
	var result []storage.ArchiveRecord

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "recent_archives", func(ctx context.Context) error {
		var err error
		result, err = r.repo.RecentArchives(ctx, limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
