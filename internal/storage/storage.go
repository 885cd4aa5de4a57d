// Package storage records the history of archive runs. The filesystem stays
// the source of truth for which courses are complete; these records exist
// for operators looking at past runs.
package storage

import (
	"context"
	"time"
)

// Outcome statuses for an archive record.
const (
	StatusArchived = "archived"
	StatusFailed   = "failed"
)

// ArchiveRecord represents one finished download task, successful or not.
type ArchiveRecord struct {
	ID           int64
	CourseID     int64
	CourseName   string
	ArtifactPath string
	Bytes        int64
	Duration     time.Duration
	Status       string
	RunID        string
	FinishedAt   time.Time
}

// ArchiveRecorder persists finished download tasks.
type ArchiveRecorder interface {
	RecordArchive(ctx context.Context, rec ArchiveRecord) error
}

// ArchiveReader serves run history back to operators.
type ArchiveReader interface {
	RecentArchives(ctx context.Context, limit int) ([]ArchiveRecord, error)
}
