package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sandvfs/sandvfs/internal/logging"
)

// statusRecorder captures the status and body size of a response so the
// access record can report them.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status != 0 {
		return
	}
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// accessMiddleware tags every request with an id and emits one access
// record per request. Pool-scoped requests carry the pool name and the
// management operation so operators can line protocol activity up with
// pool lifecycle events in the same log stream.
func accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logging.WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)

		// The websocket upgrade hijacks the connection; it needs the
		// raw writer, and its lifecycle is logged by the hub instead.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", getClientIP(r),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if pool, op := poolOperation(r); pool != "" {
			attrs = append(attrs, "pool", pool, "operation", op)
		}
		logging.InfoContext(ctx, "api_request", attrs...)
	})
}

// poolOperation names the pool and the management operation a request
// addresses. Both are empty for requests outside /pools/.
func poolOperation(r *http.Request) (pool, op string) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/pools/")
	if !ok || rest == "" {
		return "", ""
	}
	pool, tail, _ := strings.Cut(rest, "/")
	switch {
	case tail == "":
		if r.Method == http.MethodDelete {
			return pool, "remove"
		}
		return pool, "stat"
	case tail == "files":
		return pool, "list"
	case strings.HasPrefix(tail, "files/"):
		switch r.Method {
		case http.MethodPut:
			return pool, "import"
		case http.MethodDelete:
			return pool, "release"
		default:
			return pool, "export"
		}
	default:
		return pool, tail
	}
}
