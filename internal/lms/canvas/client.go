// Package canvas is a thin client for the Canvas LMS REST API, covering the
// course and content export surface the archiver needs.
package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/logctx"
)

const (
	defaultPageSize   = 50
	defaultExportType = "common_cartridge"
)

// nextLinkPattern pulls the rel="next" target out of a paginated Link
// response header.
var nextLinkPattern = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// Client talks to the Canvas REST API. Authentication is the injected
// http.Client's job; requests built here carry no credentials of their own.
type Client struct {
	BaseURL              string
	PageSize             int
	ExportType           string
	SkipNotifications    bool
	IncludeQuizQuestions bool

	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		BaseURL:              strings.TrimRight(baseURL, "/"),
		PageSize:             defaultPageSize,
		ExportType:           defaultExportType,
		SkipNotifications:    true,
		IncludeQuizQuestions: true,
		httpClient:           httpClient,
	}
}

var _ export.API = (*Client)(nil)

// APIError carries a non-2xx answer from Canvas.
type APIError struct {
	// StatusCode is the HTTP status Canvas answered with.
	StatusCode int
	// Body is the response body, kept for operator debugging.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("canvas API returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap surfaces export.ErrUnauthorized for credential failures so callers
// can stop retrying with a token the API already rejected.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return export.ErrUnauthorized
	}

	return nil
}

// Wire types. Canvas reports timestamps in RFC 3339, which encoding/json
// handles natively.
type courseResource struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	StartAt *time.Time `json:"start_at"`
}

type exportResource struct {
	ID            int64              `json:"id"`
	ExportType    string             `json:"export_type"`
	WorkflowState string             `json:"workflow_state"`
	CreatedAt     time.Time          `json:"created_at"`
	Attachment    *export.Attachment `json:"attachment"`
}

func (r exportResource) toJob() export.Job {
	return export.Job{
		ID:            r.ID,
		ExportType:    r.ExportType,
		WorkflowState: r.WorkflowState,
		CreatedAt:     r.CreatedAt,
		Attachment:    r.Attachment,
	}
}

// ListCourses returns every course visible to the token, following the Link
// header across pages.
func (c *Client) ListCourses(ctx context.Context) ([]export.Course, error) {
	logger := logctx.LoggerFromContext(ctx)

	url := fmt.Sprintf("%s/api/v1/courses?per_page=%d", c.BaseURL, c.PageSize)

	var courses []export.Course

	for url != "" {
		var page []courseResource

		next, err := c.getJSON(ctx, url, &page)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list courses", "err", err)

			return nil, fmt.Errorf("failed to list courses: %w", err)
		}

		for _, r := range page {
			courses = append(courses, export.Course{ID: r.ID, Name: r.Name, StartAt: r.StartAt})
		}

		url = next
	}

	logger.DebugContext(ctx, "listed courses", "course_count", len(courses))

	return courses, nil
}

// ListExports returns the content export jobs recorded for a course, newest
// and oldest alike, following pagination.
func (c *Client) ListExports(ctx context.Context, courseID int64) ([]export.Job, error) {
	url := fmt.Sprintf("%s/api/v1/courses/%d/content_exports?per_page=%d", c.BaseURL, courseID, c.PageSize)

	var jobs []export.Job

	for url != "" {
		var page []exportResource

		next, err := c.getJSON(ctx, url, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to list content exports for course %d: %w", courseID, err)
		}

		for _, r := range page {
			jobs = append(jobs, r.toJob())
		}

		url = next
	}

	return jobs, nil
}

// CreateExport asks Canvas to start a fresh content export for a course. The
// returned job is normally still queued; later listings report its progress.
func (c *Client) CreateExport(ctx context.Context, courseID int64) (*export.Job, error) {
	logger := logctx.LoggerFromContext(ctx).With("course_id", courseID)

	url := fmt.Sprintf("%s/api/v1/courses/%d/content_exports", c.BaseURL, courseID)
	payload := map[string]any{
		"export_type":            c.ExportType,
		"skip_notifications":     c.SkipNotifications,
		"include_quiz_questions": c.IncludeQuizQuestions,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to request content export", "err", err)

		return nil, fmt.Errorf("failed to request content export: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		logger.ErrorContext(ctx, "content export request rejected", "err", err)

		return nil, err
	}

	var r exportResource
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode content export: %w", err)
	}

	job := r.toJob()

	logger.InfoContext(ctx, "content export requested", "export_id", job.ID, "export_type", job.ExportType)

	return &job, nil
}

// getJSON performs a GET, decodes the body into v and returns the rel="next"
// pagination target, empty once the last page was reached.
func (c *Client) getJSON(ctx context.Context, url string, v any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return nextLink(resp.Header.Get("Link")), nil
}

func nextLink(header string) string {
	m := nextLinkPattern.FindStringSubmatch(header)
	if m == nil {
		return ""
	}

	return m[1]
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	b, _ := io.ReadAll(resp.Body)

	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
