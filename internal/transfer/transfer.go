// Package transfer downloads a single remote object to a local file,
// resuming interrupted transfers from whatever bytes already reached disk.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/campusops/course_archiver/internal/logctx"
	"github.com/campusops/course_archiver/internal/transfer/progress"
)

// partSuffix marks files still being written. The final name only ever
// appears through a rename, so its presence is a reliable completion signal.
const partSuffix = ".part"

// progressLogInterval is how many bytes pass between progress log lines.
const progressLogInterval = 8 << 20

// Transport opens a byte stream for a remote object at a given offset.
// Implementations report the protocol status code alongside the stream and
// leave interpretation of that status to the caller.
type Transport interface {
	Open(ctx context.Context, url string, offset int64) (io.ReadCloser, int, error)
}

// HTTPTransport fetches objects over HTTP. Authentication and tracing are
// the injected client's concern.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPTransport{client: client}
}

// Open issues a GET for url. A Range header is only attached when offset is
// positive, so servers that reject range requests still serve fresh
// downloads normally.
func (t *HTTPTransport) Open(ctx context.Context, url string, offset int64) (io.ReadCloser, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build download request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open download stream: %w", err)
	}

	return resp.Body, resp.StatusCode, nil
}

// Fetcher downloads remote objects with bounded retries. Attempt state lives
// entirely on disk: every attempt re-derives its resume offset from the size
// of the partial file, so a fetcher can be shared across goroutines and
// interrupted processes alike.
type Fetcher struct {
	transport   Transport
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewFetcher(transport Transport, maxAttempts int, backoffBase, backoffCap time.Duration) *Fetcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if backoffBase <= 0 {
		backoffBase = time.Second
	}

	if backoffCap < backoffBase {
		backoffCap = backoffBase
	}

	return &Fetcher{
		transport:   transport,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Fetch downloads url into dest. Bytes accumulate in dest + ".part" and the
// partial file is renamed to dest only once the object is complete. If dest
// already exists Fetch returns immediately without touching the network.
//
// Transient failures are retried with capped exponential backoff. Once the
// attempt budget is exhausted Fetch returns a *RetryBudgetError; the partial
// file is kept so a later run can resume where this one stopped.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	logger := logctx.LoggerFromContext(ctx).With("dest", dest)

	if _, err := os.Stat(dest); err == nil {
		logger.DebugContext(ctx, "destination already exists, skipping transfer")

		return nil
	}

	part := dest + partSuffix

	var lastErr error

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		err := f.attempt(ctx, url, part)
		if err == nil {
			if err := os.Rename(part, dest); err != nil {
				return &DestinationError{Path: dest, Err: err}
			}

			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("transfer aborted: %w", ctx.Err())
		}

		lastErr = err

		if attempt == f.maxAttempts {
			break
		}

		wait := f.backoff(attempt)
		logger.WarnContext(ctx, "transfer attempt failed, backing off",
			"attempt", attempt,
			"backoff", wait.String(),
			"err", err)

		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("transfer aborted: %w", err)
		}
	}

	return &RetryBudgetError{URL: url, Attempts: f.maxAttempts, Err: lastErr}
}

// attempt performs one download pass against the partial file. The resume
// offset is stated fresh from disk here and nowhere else.
func (f *Fetcher) attempt(ctx context.Context, url, part string) error {
	offset := partSize(part)

	body, status, err := f.transport.Open(ctx, url, offset)
	if err != nil {
		return err
	}
	defer body.Close()

	switch status {
	case http.StatusOK:
		// Full body, either because no range was requested or because the
		// server ignored it. Start the partial file over.
		return f.write(ctx, body, part, 0)
	case http.StatusPartialContent:
		return f.write(ctx, body, part, offset)
	case http.StatusRequestedRangeNotSatisfiable:
		// The offset is already at or past end of object: everything is on
		// disk and nothing more needs to be written.
		return nil
	default:
		return &UnexpectedStatusError{URL: url, StatusCode: status}
	}
}

func (f *Fetcher) write(ctx context.Context, body io.Reader, part string, offset int64) error {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return &DestinationError{Path: part, Err: err}
	}

	logger := logctx.LoggerFromContext(ctx)
	reader := progress.NewReader(body, progressLogInterval, func(read int64) {
		logger.DebugContext(ctx, "transfer progress",
			"received", humanize.Bytes(uint64(read+offset)))
	})

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()

		return fmt.Errorf("failed to stream to %s: %w", part, err)
	}

	if err := out.Close(); err != nil {
		return &DestinationError{Path: part, Err: err}
	}

	return nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := f.backoffBase << (attempt - 1)
	if d <= 0 || d > f.backoffCap {
		return f.backoffCap
	}

	return d
}

// partSize reports how many bytes of the partial file are on disk. A missing
// file means the transfer starts from zero.
func partSize(part string) int64 {
	info, err := os.Stat(part)
	if err != nil {
		return 0
	}

	return info.Size()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
