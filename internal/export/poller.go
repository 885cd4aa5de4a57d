package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/campusops/course_archiver/internal/logctx"
	"github.com/campusops/course_archiver/internal/scheduler"
	"github.com/campusops/course_archiver/internal/storage"
)

const (
	dirPerm     = 0755
	eventBuffer = 16
)

// Settings carries the poller's timing knobs and the export cutoff.
type Settings struct {
	// Cutoff excludes export jobs created before it. Zero means no cutoff.
	Cutoff time.Time
	// PollInterval is the sleep between rounds while courses are pending.
	PollInterval time.Duration
	// CheckDelay is the pause between consecutive course checks in a round.
	CheckDelay time.Duration
}

// Snapshot is a point-in-time view of a run's progress.
type Snapshot struct {
	Round    int `json:"round"`
	Pending  int `json:"pending"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
}

// CourseFailure couples a course with the error that terminally failed it.
type CourseFailure struct {
	Course Course
	Err    error
}

// Poller drives every pending course to resolution in rounds: courses whose
// artifact is on disk resolve immediately, ready exports turn into download
// tasks, and courses with nothing to download get an export requested.
type Poller struct {
	api      API
	fetch    Fetcher
	layout   Layout
	sched    *scheduler.Scheduler
	settings Settings

	// Optional collaborators, set before Run.
	History storage.ArchiveRecorder
	Unpack  Unpacker

	mu       sync.Mutex
	snapshot Snapshot

	OnCourseArchived chan Course
	OnCourseFailed   chan CourseFailure
	OnRoundCompleted chan Snapshot
}

func NewPoller(api API, fetch Fetcher, layout Layout, sched *scheduler.Scheduler, settings Settings) *Poller {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 45 * time.Second
	}

	if settings.CheckDelay < 0 {
		settings.CheckDelay = 0
	}

	return &Poller{
		api:      api,
		fetch:    fetch,
		layout:   layout,
		sched:    sched,
		settings: settings,

		OnCourseArchived: make(chan Course, eventBuffer),
		OnCourseFailed:   make(chan CourseFailure, eventBuffer),
		OnRoundCompleted: make(chan Snapshot, eventBuffer),
	}
}

func (p *Poller) Close() {
	close(p.OnCourseArchived)
	close(p.OnCourseFailed)
	close(p.OnRoundCompleted)
}

// Snapshot returns the current run progress.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshot
}

type courseHandle struct {
	course Course
	handle *scheduler.Handle
}

// Run evaluates the given courses in rounds until none are pending and
// returns the joined terminal failures, or nil when every course ended with
// its artifact on disk. Credential rejections abort the run immediately
// since no course can make progress without API access.
func (p *Poller) Run(ctx context.Context, courses []Course) error {
	logger := logctx.LoggerFromContext(ctx)

	pending := make([]Course, len(courses))
	copy(pending, courses)

	var failures []error

	round := 0

	for len(pending) > 0 {
		round++
		p.updateSnapshot(func(s *Snapshot) {
			s.Round = round
			s.Pending = len(pending)
		})

		logger.InfoContext(ctx, "starting poll round", "round", round, "pending", len(pending))

		var (
			next    []Course
			waiting []courseHandle
		)

		for i, course := range pending {
			if i > 0 {
				if err := sleep(ctx, p.settings.CheckDelay); err != nil {
					return err
				}
			}

			cctx := logctx.With(ctx, "course_id", course.ID, "course_name", course.Name)

			resolved, handle, err := p.evaluate(cctx, course)

			switch {
			case errors.Is(err, ErrUnauthorized):
				return fmt.Errorf("aborting run: %w", err)
			case err != nil:
				logctx.LoggerFromContext(cctx).ErrorContext(cctx, "course check failed, keeping course pending", "err", err)

				next = append(next, course)
			case resolved:
				p.updateSnapshot(func(s *Snapshot) { s.Archived++ })
			case handle != nil:
				waiting = append(waiting, courseHandle{course: course, handle: handle})
			default:
				next = append(next, course)
			}
		}

		// The round only ends once every transfer it dispatched has settled.
		for _, w := range waiting {
			cctx := logctx.With(ctx, "course_id", w.course.ID, "course_name", w.course.Name)

			if err := w.handle.Wait(); err != nil {
				logctx.LoggerFromContext(cctx).ErrorContext(cctx, "course terminally failed", "err", err)

				failures = append(failures, fmt.Errorf("course %d (%s): %w", w.course.ID, w.course.Name, err))
				p.updateSnapshot(func(s *Snapshot) { s.Failed++ })
				p.emitFailed(CourseFailure{Course: w.course, Err: err})

				continue
			}

			logctx.LoggerFromContext(cctx).InfoContext(cctx, "course archived")

			p.updateSnapshot(func(s *Snapshot) { s.Archived++ })
			p.emitArchived(w.course)
		}

		pending = next

		p.updateSnapshot(func(s *Snapshot) { s.Pending = len(pending) })
		p.emitRound(p.Snapshot())

		if len(pending) == 0 {
			break
		}

		logger.InfoContext(ctx, "poll round complete, sleeping",
			"round", round,
			"pending", len(pending),
			"interval", p.settings.PollInterval.String())

		if err := sleep(ctx, p.settings.PollInterval); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "all courses resolved",
		"rounds", round,
		"archived", p.Snapshot().Archived,
		"failed", len(failures))

	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	return nil
}

// evaluate decides what one pending course needs this round: nothing
// (artifact on disk), a download task (handle returned) or an export
// request, which leaves the course pending.
func (p *Poller) evaluate(ctx context.Context, course Course) (bool, *scheduler.Handle, error) {
	logger := logctx.LoggerFromContext(ctx)

	dir := p.layout.DirFor(course)
	if p.layout.ArtifactPresent(dir) {
		logger.DebugContext(ctx, "artifact already on disk, course resolved")

		return true, nil, nil
	}

	jobs, err := p.api.ListExports(ctx, course.ID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to list exports: %w", err)
	}

	job, ok := LatestQualifying(jobs, p.settings.Cutoff)
	if !ok {
		if err := p.requestExport(ctx, course); err != nil {
			return false, nil, err
		}

		return false, nil, nil
	}

	logger.InfoContext(ctx, "export ready, scheduling download",
		"export_id", job.ID,
		"export_created_at", job.CreatedAt)

	handle := p.sched.Submit(strconv.FormatInt(course.ID, 10), p.downloadTask(ctx, course, job, dir))

	return false, handle, nil
}

// requestExport fires one best-effort export request. Failures are logged
// and the course simply stays pending for the next round, except credential
// rejections, which nothing in the run can recover from.
func (p *Poller) requestExport(ctx context.Context, course Course) error {
	logger := logctx.LoggerFromContext(ctx)

	job, err := p.api.CreateExport(ctx, course.ID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("failed to request export: %w", err)
		}

		logger.WarnContext(ctx, "failed to request export", "err", err)

		return nil
	}

	logger.InfoContext(ctx, "export requested", "export_id", job.ID, "state", job.WorkflowState)

	return nil
}

func (p *Poller) downloadTask(ctx context.Context, course Course, job Job, dir string) scheduler.Task {
	return func() error {
		logger := logctx.LoggerFromContext(ctx)

		if err := os.MkdirAll(dir, dirPerm); err != nil {
			err = fmt.Errorf("failed to create course directory: %w", err)
			p.recordHistory(ctx, course, "", 0, 0, storage.StatusFailed)

			return err
		}

		dest := filepath.Join(dir, p.layout.FileName(job.Attachment))
		start := time.Now()

		if err := p.fetch.Fetch(ctx, job.Attachment.URL, dest); err != nil {
			p.recordHistory(ctx, course, dest, 0, time.Since(start), storage.StatusFailed)

			return fmt.Errorf("failed to fetch artifact: %w", err)
		}

		logger.InfoContext(ctx, "artifact downloaded",
			"artifact", dest,
			"elapsed", time.Since(start).String())

		p.recordHistory(ctx, course, dest, fileSize(dest), time.Since(start), storage.StatusArchived)

		if p.Unpack != nil {
			// Unpack failures do not fail the task: the artifact is on disk
			// and that is what counts as archived.
			if err := p.Unpack.Extract(ctx, dest, filepath.Join(dir, "extracted")); err != nil {
				logger.WarnContext(ctx, "failed to unpack archive", "err", err)
			}
		}

		return nil
	}
}

func (p *Poller) recordHistory(ctx context.Context, course Course, dest string, bytes int64, elapsed time.Duration, status string) {
	if p.History == nil {
		return
	}

	rec := storage.ArchiveRecord{
		CourseID:     course.ID,
		CourseName:   course.Name,
		ArtifactPath: dest,
		Bytes:        bytes,
		Duration:     elapsed,
		Status:       status,
	}

	if err := p.History.RecordArchive(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record archive history", "err", err)
	}
}

func (p *Poller) updateSnapshot(update func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	update(&p.snapshot)
}

// Event emits never block: a slow or absent consumer drops events instead of
// stalling the round.
func (p *Poller) emitArchived(course Course) {
	select {
	case p.OnCourseArchived <- course:
	default:
	}
}

func (p *Poller) emitFailed(failure CourseFailure) {
	select {
	case p.OnCourseFailed <- failure:
	default:
	}
}

func (p *Poller) emitRound(s Snapshot) {
	select {
	case p.OnRoundCompleted <- s:
	default:
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
