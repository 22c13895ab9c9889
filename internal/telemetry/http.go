package telemetry

import (
	"net/http"
	"time"
)

// statusWriter captures the status code a handler wrote so the access log
// can report it after the fact — http.ResponseWriter itself never exposes it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTP logs one http_request event per request: method, path, status,
// latency, and the request id stamped by httpserver's request-id
// middleware, so an access log line can be correlated with the matching
// api_error event internal/httpx emits on failure.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		Event("http_request", map[string]any{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    sw.status,
			"ms":        time.Since(start).Milliseconds(),
			"requestId": r.Header.Get("X-Request-ID"),
		})
	})
}
