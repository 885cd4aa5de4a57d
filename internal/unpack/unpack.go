// Package unpack expands downloaded course archives next to the original
// file. The archive itself is never removed: its presence is what marks a
// course complete.
package unpack

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/logctx"
)

const dirPerm = 0755

// Extractor expands .imscc archives, which are plain zip files. Contents are
// copied out verbatim; nothing inside is interpreted.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

var _ export.Unpacker = (*Extractor)(nil)

// Extract unzips archivePath into destDir. Entries that would escape destDir
// are rejected.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("archive", archivePath)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := extractEntry(f, destDir); err != nil {
			return fmt.Errorf("failed to extract '%s': %w", f.Name, err)
		}
	}

	logger.InfoContext(ctx, "archive extracted", "dest", destDir, "entry_count", len(r.File))

	return nil
}

// extractEntry writes one zip entry below destDir.
func extractEntry(f *zip.File, destDir string) error {
	target, err := secureJoin(destDir, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, dirPerm)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

// secureJoin joins name under dir, rejecting entries that escape it.
func secureJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)

	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry escapes extraction dir: %s", name)
	}

	return target, nil
}
