package export

import (
	"context"
	"time"

	"github.com/campusops/course_archiver/internal/telemetry"
)

// InstrumentedAPI wraps API with telemetry.
type InstrumentedAPI struct {
	api       API
	telemetry *telemetry.Telemetry
}

// NewInstrumentedAPI creates a new instrumented export API.
func NewInstrumentedAPI(api API, tel *telemetry.Telemetry) *InstrumentedAPI {
	return &InstrumentedAPI{
		api:       api,
		telemetry: tel,
	}
}

// ListExports lists export jobs with telemetry.
func (c *InstrumentedAPI) ListExports(ctx context.Context, courseID int64) ([]Job, error) {
	var result []Job

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "lms", "list_exports", func(ctx context.Context) error {
		var err error
		result, err = c.api.ListExports(ctx, courseID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// CreateExport requests an export with telemetry.
func (c *InstrumentedAPI) CreateExport(ctx context.Context, courseID int64) (*Job, error) {
	var result *Job

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "lms", "create_export", func(ctx context.Context) error {
		var err error
		result, err = c.api.CreateExport(ctx, courseID)

		return err
	})

	status := "success"
	if instrumentedErr != nil {
		status = "error"
	}

	c.telemetry.RecordExportRequest(status)

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch downloads an artifact with telemetry.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, url, dest string) error {
	start := time.Now()

	f.telemetry.IncrementActiveDownloads()
	defer f.telemetry.DecrementActiveDownloads()

	err := f.telemetry.InstrumentOperation(ctx, "download_artifact", "transfer", func(ctx context.Context) error {
		return f.fetcher.Fetch(ctx, url, dest)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	f.telemetry.RecordDownload(status, time.Since(start), fileSize(dest))

	return err
}
