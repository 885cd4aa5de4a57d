package telemetry

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/campusops/course_archiver/internal/logctx"
)

// RequestIDHeader carries the request id between client and server.
const RequestIDHeader = "X-Request-ID"

// RequestID middleware attaches a request_id to each request. An incoming
// X-Request-ID header wins over a freshly generated one so upstream proxies
// can correlate. The id is echoed back as a response header and bound to the
// context logger, so every log line emitted while serving the request
// carries it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(logctx.With(r.Context(), "request_id", id)))
	})
}
