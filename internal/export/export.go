// Package export models LMS content exports and drives pending courses to
// resolution: an archive on disk or a terminal failure.
package export

import (
	"context"
	"errors"
	"time"
)

// Workflow states reported by the content export API. States other than the
// ones below mean the export job is still in progress.
const (
	StateExported = "exported"
	StateFailed   = "failed"
)

// ErrUnauthorized marks API failures caused by rejected credentials. The
// poller aborts the whole run when it surfaces: no round can make progress
// without access.
var ErrUnauthorized = errors.New("credentials rejected by the export API")

// Course is one entity whose content should be archived.
type Course struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	StartAt *time.Time `json:"start_at"`
}

// Attachment points at a downloadable export artifact.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Job is one server-side export job for a course.
type Job struct {
	ID            int64
	ExportType    string
	WorkflowState string
	CreatedAt     time.Time
	Attachment    *Attachment
}

// Ready reports whether the job finished and produced a downloadable
// artifact.
func (j Job) Ready() bool {
	return j.WorkflowState == StateExported && j.Attachment != nil
}

// LatestQualifying picks the export job to download: finished, carrying an
// attachment and created at or after cutoff, newest creation time first.
// A zero cutoff admits every finished export.
func LatestQualifying(jobs []Job, cutoff time.Time) (Job, bool) {
	var (
		best  Job
		found bool
	)

	for _, job := range jobs {
		if !job.Ready() {
			continue
		}

		if !cutoff.IsZero() && job.CreatedAt.Before(cutoff) {
			continue
		}

		if !found || job.CreatedAt.After(best.CreatedAt) {
			best = job
			found = true
		}
	}

	return best, found
}

// API is the slice of the LMS content export API the poller needs.
type API interface {
	ListExports(ctx context.Context, courseID int64) ([]Job, error)
	CreateExport(ctx context.Context, courseID int64) (*Job, error)
}

// Fetcher downloads a remote artifact to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Unpacker expands a downloaded archive into a directory.
type Unpacker interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Layout decides where a course's artifact lives on disk.
type Layout interface {
	DirFor(course Course) string
	ArtifactPresent(dir string) bool
	FileName(att *Attachment) string
}
