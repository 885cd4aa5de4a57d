package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/logctx"
	"github.com/campusops/course_archiver/internal/storage"
	"github.com/go-chi/chi/v5"
)

const recentLimit = 20

// ProgressSource reports run progress for the status endpoint.
type ProgressSource interface {
	Snapshot() export.Snapshot
}

// SlotSource reports transfer slot occupancy.
type SlotSource interface {
	Stats() (active, queued int)
}

// StatusHandler serves the operational endpoints of a running archiver.
type StatusHandler struct {
	progress ProgressSource
	slots    SlotSource
	history  storage.ArchiveReader
	started  time.Time
}

// NewStatusHandler creates a new status handler. history may be nil when run
// history is disabled.
func NewStatusHandler(progress ProgressSource, slots SlotSource, history storage.ArchiveReader) *StatusHandler {
	return &StatusHandler{
		progress: progress,
		slots:    slots,
		history:  history,
		started:  time.Now(),
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Get("/status", h.HandleStatus)

	return r
}

type transferStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type archiveEntry struct {
	CourseID     int64     `json:"course_id"`
	CourseName   string    `json:"course_name"`
	Status       string    `json:"status"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

type statusResponse struct {
	Uptime    string          `json:"uptime"`
	Run       export.Snapshot `json:"run"`
	Transfers transferStats   `json:"transfers"`
	Recent    []archiveEntry  `json:"recent,omitempty"`
}

// HandleHealth reports liveness.
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// HandleStatus reports run progress, transfer occupancy and recent history.
// History failures degrade the response instead of failing it: the run state
// is still worth serving when the database is not.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	active, queued := h.slots.Stats()

	resp := statusResponse{
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Run:       h.progress.Snapshot(),
		Transfers: transferStats{Active: active, Queued: queued},
	}

	if h.history != nil {
		records, err := h.history.RecentArchives(r.Context(), recentLimit)
		if err != nil {
			logger.WarnContext(r.Context(), "failed to load recent archives", "err", err)
		}

		for _, rec := range records {
			resp.Recent = append(resp.Recent, archiveEntry{
				CourseID:     rec.CourseID,
				CourseName:   rec.CourseName,
				Status:       rec.Status,
				ArtifactPath: rec.ArtifactPath,
				Bytes:        rec.Bytes,
				FinishedAt:   rec.FinishedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.ErrorContext(r.Context(), "failed to encode status response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
