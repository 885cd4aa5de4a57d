// Package catalog resolves the set of courses a run should archive: the full
// listing from the LMS, an optional operator-supplied id filter, and a local
// snapshot cache so repeated runs skip the listing round-trips.
package catalog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/logctx"
)

// ErrEmptyFilter is returned when a filter file contains no usable course ids.
var ErrEmptyFilter = errors.New("filter file contains no course ids")

// Filter is a set of course ids selected for archiving. A nil or empty filter
// selects every course.
type Filter map[int64]struct{}

// LoadFilter reads a CSV file whose first column carries course ids. Rows
// whose first field does not parse as an integer (headers, comments) are
// skipped; the contents are not validated beyond that.
func LoadFilter(path string) (Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open filter file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter file '%s': %w", path, err)
	}

	filter := make(Filter)

	for _, record := range records {
		if len(record) == 0 {
			continue
		}

		id, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			continue
		}

		filter[id] = struct{}{}
	}

	if len(filter) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFilter, path)
	}

	return filter, nil
}

// Apply returns the courses selected by the filter, preserving listing order.
// A nil or empty filter selects everything.
func Apply(courses []export.Course, filter Filter) []export.Course {
	if len(filter) == 0 {
		return courses
	}

	selected := make([]export.Course, 0, len(filter))

	for _, course := range courses {
		if _, ok := filter[course.ID]; ok {
			selected = append(selected, course)
		}
	}

	return selected
}

// Lister fetches the course listing from the LMS.
type Lister interface {
	ListCourses(ctx context.Context) ([]export.Course, error)
}

// Store caches the course listing in a JSON snapshot file.
type Store struct {
	path   string
	lister Lister
}

func NewStore(path string, lister Lister) *Store {
	return &Store{path: path, lister: lister}
}

// Courses returns the cached listing when the snapshot file exists, otherwise
// fetches through the lister and writes the snapshot for the next run. A
// snapshot that cannot be written only costs the next run a re-listing, so
// that failure is logged and swallowed.
func (s *Store) Courses(ctx context.Context) ([]export.Course, error) {
	logger := logctx.LoggerFromContext(ctx)

	if data, err := os.ReadFile(s.path); err == nil {
		var courses []export.Course

		if err := json.Unmarshal(data, &courses); err != nil {
			return nil, fmt.Errorf("failed to parse course snapshot '%s': %w", s.path, err)
		}

		logger.DebugContext(ctx, "loaded course snapshot", "path", s.path, "course_count", len(courses))

		return courses, nil
	}

	courses, err := s.lister.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}

	data, err := json.MarshalIndent(courses, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode course snapshot: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		logger.WarnContext(ctx, "failed to write course snapshot", "path", s.path, "err", err)
	} else {
		logger.InfoContext(ctx, "wrote course snapshot", "path", s.path, "course_count", len(courses))
	}

	return courses, nil
}
