package canvas_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/lms/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewClient_Defaults(t *testing.T) {
	client := canvas.NewClient("https://canvas.example.edu/", nil)

	assert.Equal(t, "https://canvas.example.edu", client.BaseURL)
	assert.Equal(t, 50, client.PageSize)
	assert.Equal(t, "common_cartridge", client.ExportType)
	assert.True(t, client.SkipNotifications)
	assert.True(t, client.IncludeQuizQuestions)
}

func TestListCourses_FollowsNextLinks(t *testing.T) {
	var requests []string

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/api/v1/courses", func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(
				`<%s/api/v1/courses?page=2&per_page=2>; rel="next", <%s/api/v1/courses?page=2&per_page=2>; rel="last"`,
				ts.URL, ts.URL,
			))
			fmt.Fprint(w, `[
				{"id": 101, "name": "Intro to Biology", "start_at": "2023-08-21T00:00:00Z"},
				{"id": 102, "name": "Linear Algebra", "start_at": null}
			]`)
		case "2":
			fmt.Fprint(w, `[{"id": 103, "name": "World History", "start_at": "2024-01-08T00:00:00Z"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	client := canvas.NewClient(ts.URL, nil)
	client.PageSize = 2

	courses, err := client.ListCourses(context.Background())
	require.NoError(t, err)
	require.Len(t, courses, 3)

	assert.Equal(t, []string{"/api/v1/courses?per_page=2", "/api/v1/courses?page=2&per_page=2"}, requests)

	assert.Equal(t, int64(101), courses[0].ID)
	assert.Equal(t, "Intro to Biology", courses[0].Name)
	require.NotNil(t, courses[0].StartAt)
	assert.Equal(t, 2023, courses[0].StartAt.Year())

	assert.Equal(t, "Linear Algebra", courses[1].Name)
	assert.Nil(t, courses[1].StartAt)

	assert.Equal(t, int64(103), courses[2].ID)
}

func TestListExports_DecodesJobs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/courses/42/content_exports", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{
				"id": 9001,
				"export_type": "common_cartridge",
				"workflow_state": "exported",
				"created_at": "2024-05-01T10:30:00Z",
				"attachment": {"url": "https://files.example.edu/9001.imscc", "filename": "biology.imscc"}
			},
			{
				"id": 9002,
				"export_type": "common_cartridge",
				"workflow_state": "exporting",
				"created_at": "2024-05-02T08:00:00Z",
				"attachment": null
			}
		]`)
	}))
	defer ts.Close()

	client := canvas.NewClient(ts.URL, nil)

	jobs, err := client.ListExports(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, int64(9001), jobs[0].ID)
	assert.Equal(t, "exported", jobs[0].WorkflowState)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), jobs[0].CreatedAt)
	require.NotNil(t, jobs[0].Attachment)
	assert.Equal(t, "https://files.example.edu/9001.imscc", jobs[0].Attachment.URL)
	assert.Equal(t, "biology.imscc", jobs[0].Attachment.Filename)

	assert.Nil(t, jobs[1].Attachment)
	assert.False(t, jobs[1].Ready())
}

func TestCreateExport_SendsSettings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/courses/7/content_exports", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "common_cartridge", payload["export_type"])
		assert.Equal(t, true, payload["skip_notifications"])
		assert.Equal(t, false, payload["include_quiz_questions"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 55, "export_type": "common_cartridge", "workflow_state": "created", "created_at": "2024-06-01T00:00:00Z"}`)
	}))
	defer ts.Close()

	client := canvas.NewClient(ts.URL, nil)
	client.IncludeQuizQuestions = false

	job, err := client.CreateExport(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(55), job.ID)
	assert.Equal(t, "created", job.WorkflowState)
	assert.Nil(t, job.Attachment)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name             string
		statusCode       int
		body             string
		wantUnauthorized bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"errors": [{"message": "Invalid access token."}]}`, true},
		{"forbidden", http.StatusForbidden, `{"status": "unauthorized"}`, true},
		{"server error", http.StatusInternalServerError, "boom", false},
		{"not found", http.StatusNotFound, `{"errors": [{"message": "not found"}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			client := canvas.NewClient(ts.URL, nil)

			_, err := client.ListExports(context.Background(), 1)
			require.Error(t, err)

			var apiErr *canvas.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.statusCode, apiErr.StatusCode)
			assert.Equal(t, tt.wantUnauthorized, errors.Is(err, export.ErrUnauthorized))
		})
	}
}

func TestListExports_BearerAuthViaInjectedClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))
	defer ts.Close()

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "sekret-token"})
	client := canvas.NewClient(ts.URL, oauth2.NewClient(context.Background(), tokenSource))

	jobs, err := client.ListExports(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateExport_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errors": [{"message": "Invalid access token."}]}`)
	}))
	defer ts.Close()

	client := canvas.NewClient(ts.URL, nil)

	_, err := client.CreateExport(context.Background(), 1)
	assert.ErrorIs(t, err, export.ErrUnauthorized)
}
