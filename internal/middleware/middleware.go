// Package middleware provides the HTTP middleware stack shared across the
// call engine's carrier webhook, media-stream, and operator-dashboard
// routes: structured request logging, panic recovery, security headers,
// CORS, per-IP rate limiting, and JWT bearer auth for the dashboard's SSE
// and API endpoints.
//
// Adapted from the teacher's internal/api/middleware package: the
// logging/recovery/security/CORS/rate-limit middleware are carried over
// nearly verbatim (they have nothing PBX-specific about them), while the
// teacher's cookie-session admin auth and mobile-app JWT auth are replaced
// by a single operator JWT scheme scoped to a provider ID rather than an
// admin user or phone extension.
package middleware

// errorEnvelope matches the dispatcher/API JSON error response shape used
// elsewhere in this module.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}
