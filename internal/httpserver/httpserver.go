// Package httpserver assembles one node's HTTP surface: the client API, the
// wire API, or both, depending on role, behind a common middleware stack.
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"frameshift/internal/telemetry"
)

// Options selects which route groups this node mounts, as closures over
// whatever dependencies each group needs. A standalone node sets only
// MountClientAPI; a leader sets both; a follower sets only MountWireAPI.
// Closures (rather than pre-built http.Handlers) let both groups register
// directly onto one shared chi.Router, since client and wire routes overlap
// under /api/jobs and cannot be composed via two separate chi.Mount calls.
type Options struct {
	MountClientAPI func(chi.Router)
	MountWireAPI   func(chi.Router)
}

// New assembles the root router: request-id and baseline security headers
// for every request, telemetry logging, then the role-appropriate routes.
func New(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(securityHeaders)
	r.Use(telemetry.HTTP)

	if opts.MountClientAPI != nil {
		opts.MountClientAPI(r)
	}
	if opts.MountWireAPI != nil {
		opts.MountWireAPI(r)
	}

	r.Get("/healthz", healthHandler)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requestIDMiddleware assigns a request id (preserving one already supplied
// by an upstream proxy), stamping it on the header internal/httpx reads
// when it renders an error body.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}
		w.Header().Set("X-Request-ID", r.Header.Get("X-Request-ID"))
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets a baseline appropriate to a pure JSON+WebSocket API
// with no embedded frontend: no inline script/style allowances are needed
// because this server never renders HTML.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}
