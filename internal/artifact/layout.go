// Package artifact decides where course archives live on disk and recognizes
// a finished archive when it sees one.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/campusops/course_archiver/internal/export"
)

// Suffix is the artifact extension. A file carrying it inside a course
// directory is the completion signal for that course.
const Suffix = ".imscc"

const fallbackFileName = "course_export" + Suffix

// Layout maps courses to directories under a fixed root.
type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

var _ export.Layout = (*Layout)(nil)

// DirFor returns the directory for a course: <root>/<start-year>/<name [id]>.
// Courses without a start date bucket under "undated". The id suffix keeps
// same-named courses apart.
func (l *Layout) DirFor(course export.Course) string {
	year := "undated"
	if course.StartAt != nil {
		year = strconv.Itoa(course.StartAt.Year())
	}

	name := sanitize(course.Name)
	if name == "" {
		name = "course"
	}

	return filepath.Join(l.root, year, fmt.Sprintf("%s [%d]", name, course.ID))
}

// ArtifactPresent reports whether dir already holds a finished archive. Only
// the final suffix counts; .part leftovers do not.
func (l *Layout) ArtifactPresent(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), Suffix) {
			return true
		}
	}

	return false
}

// FileName returns the on-disk name for an attachment, sanitized and with the
// artifact suffix enforced. Attachments without a usable filename fall back
// to a fixed name.
func (l *Layout) FileName(att *export.Attachment) string {
	if att == nil || strings.TrimSpace(att.Filename) == "" {
		return fallbackFileName
	}

	name := sanitize(filepath.Base(att.Filename))
	if name == "" || name == "." || name == ".." {
		return fallbackFileName
	}

	if !strings.HasSuffix(strings.ToLower(name), Suffix) {
		name += Suffix
	}

	return name
}

// sanitize replaces characters invalid on common filesystems with
// underscores and strips control characters.
func sanitize(name string) string {
	for _, char := range []string{"<", ">", ":", "\"", "/", "\\", "|", "?", "*"} {
		name = strings.ReplaceAll(name, char, "_")
	}

	var b strings.Builder

	for _, r := range name {
		if r >= 32 {
			b.WriteRune(r)
		}
	}

	return strings.TrimSpace(b.String())
}
