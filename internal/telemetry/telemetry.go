// Package telemetry emits structured operational events — the HTTP access
// log (http_request) and httpx's api_error event — through one zerolog
// sink so every event carries the same shape.
package telemetry

import "github.com/rs/zerolog/log"

// Event logs a named telemetry event with arbitrary typed fields attached.
// Callers are responsible for never passing a secret value (internal/logx
// handles redaction for the request/response path; this is for everything
// else — job ids, follower ids, durations).
func Event(name string, fields map[string]any) {
	e := log.Info().Str("event", name)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(name)
}
