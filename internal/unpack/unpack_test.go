package unpack_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/campusops/course_archiver/internal/unpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "course.imscc")

	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)

		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	return path
}

func TestExtract(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"imsmanifest.xml":                 "<manifest/>",
		"web_resources/media/intro.html":  "<html/>",
		"course_settings/course.xml":      "<course/>",
		"course_settings/assignments.xml": "<assignments/>",
	})

	dest := filepath.Join(t.TempDir(), "extracted")

	require.NoError(t, unpack.NewExtractor().Extract(context.Background(), archive, dest))

	manifest, err := os.ReadFile(filepath.Join(dest, "imsmanifest.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<manifest/>", string(manifest))

	nested, err := os.ReadFile(filepath.Join(dest, "web_resources", "media", "intro.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(nested))

	// The archive stays put.
	assert.FileExists(t, archive)
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"../evil.txt": "pwned",
	})

	parent := t.TempDir()
	dest := filepath.Join(parent, "extracted")

	err := unpack.NewExtractor().Extract(context.Background(), archive, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction dir")

	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
}

func TestExtract_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "course.imscc")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0644))

	err := unpack.NewExtractor().Extract(context.Background(), path, t.TempDir())
	assert.ErrorContains(t, err, "failed to open archive")
}

func TestExtract_CancelledContext(t *testing.T) {
	archive := writeArchive(t, map[string]string{"a.xml": "<a/>"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := unpack.NewExtractor().Extract(ctx, archive, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
