package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRangeServer serves payload with byte-range support: 200 for full
// requests, 206 for satisfiable ranges and 416 once the offset reaches the
// end of the payload.
func newRangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(payload)

			return
		}

		var offset int64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-", &offset); err != nil {
			http.Error(w, "malformed range", http.StatusBadRequest)

			return
		}

		if offset >= int64(len(payload)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[offset:])
	}))
}

// fakeTransport scripts Open responses per call and records the offsets it
// was asked for.
type fakeTransport struct {
	offsets []int64
	open    func(call int, offset int64) (io.ReadCloser, int, error)
}

func (t *fakeTransport) Open(_ context.Context, _ string, offset int64) (io.ReadCloser, int, error) {
	t.offsets = append(t.offsets, offset)

	return t.open(len(t.offsets), offset)
}

// brokenBody serves its data and then fails with err, simulating a
// connection dropped mid-stream.
type brokenBody struct {
	data []byte
	err  error
	pos  int
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, b.err
	}

	n := copy(p, b.data[b.pos:])
	b.pos += n

	return n, nil
}

func (b *brokenBody) Close() error { return nil }

func TestHTTPTransport_RangeHeader(t *testing.T) {
	var gotRanges []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRanges = append(gotRanges, r.Header.Get("Range"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())

	body, status, err := tr.Open(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, http.StatusOK, status)

	body, _, err = tr.Open(context.Background(), srv.URL, 2048)
	require.NoError(t, err)
	body.Close()

	require.Len(t, gotRanges, 2)
	assert.Empty(t, gotRanges[0], "fresh download should not carry a Range header")
	assert.Equal(t, "bytes=2048-", gotRanges[1])
}

func TestFetcher_DownloadsFreshFile(t *testing.T) {
	payload := bytes.Repeat([]byte("course-archive-block-"), 64)
	srv := newRangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "export.imscc")
	f := NewFetcher(NewHTTPTransport(srv.Client()), 3, time.Millisecond, 10*time.Millisecond)

	require.NoError(t, f.Fetch(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetcher_ResumesFromPartialFile(t *testing.T) {
	payload := bytes.Repeat([]byte("course-archive-block-"), 64)
	srv := newRangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "export.imscc")
	require.NoError(t, os.WriteFile(dest+partSuffix, payload[:100], 0o644))

	f := NewFetcher(NewHTTPTransport(srv.Client()), 3, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, f.Fetch(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "resumed file should be byte-identical to the payload")

	_, err = os.Stat(dest + partSuffix)
	assert.True(t, os.IsNotExist(err), "partial file should have been renamed away")
}

func TestFetcher_ResumesAfterStreamError(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	ft := &fakeTransport{}
	ft.open = func(call int, offset int64) (io.ReadCloser, int, error) {
		if call == 1 {
			return &brokenBody{data: payload[:20], err: io.ErrUnexpectedEOF}, http.StatusOK, nil
		}

		return io.NopCloser(bytes.NewReader(payload[offset:])), http.StatusPartialContent, nil
	}

	dest := filepath.Join(t.TempDir(), "export.imscc")
	f := NewFetcher(ft, 3, time.Millisecond, 5*time.Millisecond)

	require.NoError(t, f.Fetch(context.Background(), "https://lms.example.edu/files/1/download", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, []int64{0, 20}, ft.offsets, "second attempt should resume from the bytes on disk")
}

func TestFetcher_CompleteFileVia416(t *testing.T) {
	payload := bytes.Repeat([]byte("course-archive-block-"), 16)
	srv := newRangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "export.imscc")
	require.NoError(t, os.WriteFile(dest+partSuffix, payload, 0o644))

	f := NewFetcher(NewHTTPTransport(srv.Client()), 3, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, f.Fetch(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "416 should finalize the file without rewriting it")
}

func TestFetcher_SkipsExistingDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "export.imscc")
	require.NoError(t, os.WriteFile(dest, []byte("already archived"), 0o644))

	ft := &fakeTransport{open: func(int, int64) (io.ReadCloser, int, error) {
		t.Error("transport should not be used when the destination exists")

		return nil, 0, errors.New("unexpected call")
	}}

	f := NewFetcher(ft, 3, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, f.Fetch(context.Background(), "https://lms.example.edu/files/1/download", dest))
	assert.Empty(t, ft.offsets)
}

func TestFetcher_RestartsWhenServerIgnoresRange(t *testing.T) {
	payload := []byte("the-complete-export-archive")

	ft := &fakeTransport{}
	ft.open = func(call int, offset int64) (io.ReadCloser, int, error) {
		// Plain 200 regardless of the requested offset.
		return io.NopCloser(bytes.NewReader(payload)), http.StatusOK, nil
	}

	dest := filepath.Join(t.TempDir(), "export.imscc")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("garbage!"), 0o644))

	f := NewFetcher(ft, 3, time.Millisecond, 5*time.Millisecond)
	require.NoError(t, f.Fetch(context.Background(), "https://lms.example.edu/files/1/download", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "a 200 response should replace stale partial bytes")
	assert.Equal(t, []int64{8}, ft.offsets)
}

func TestFetcher_RetryBudgetExhausted(t *testing.T) {
	ft := &fakeTransport{open: func(int, int64) (io.ReadCloser, int, error) {
		return io.NopCloser(bytes.NewReader(nil)), http.StatusBadGateway, nil
	}}

	dest := filepath.Join(t.TempDir(), "export.imscc")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("partial bytes"), 0o644))

	f := NewFetcher(ft, 3, time.Millisecond, 5*time.Millisecond)
	err := f.Fetch(context.Background(), "https://lms.example.edu/files/1/download", dest)

	var budgetErr *RetryBudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, 3, budgetErr.Attempts)

	var statusErr *UnexpectedStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	_, statErr := os.Stat(dest + partSuffix)
	assert.NoError(t, statErr, "partial file must survive a terminal failure")
}

func TestFetcher_ContextCancelledDuringBackoff(t *testing.T) {
	ft := &fakeTransport{open: func(int, int64) (io.ReadCloser, int, error) {
		return nil, 0, errors.New("connection refused")
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := NewFetcher(ft, 5, time.Hour, time.Hour)

	start := time.Now()
	err := f.Fetch(ctx, "https://lms.example.edu/files/1/download", filepath.Join(t.TempDir(), "export.imscc"))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancellation should interrupt the backoff sleep")
}

func TestFetcher_BackoffDoublesAndCaps(t *testing.T) {
	f := NewFetcher(nil, 5, time.Second, 4*time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, expected := range want {
		assert.Equal(t, expected, f.backoff(i+1), "attempt %d", i+1)
	}
}
