// Package middleware adapts authcore.Engine checks to net/http.
//
// # Guards
//
//   - [RequireSession] accepts "Authorization: Bearer <token>" and validates
//     it with Engine.ValidateSession.
//   - [RequireAPIKey] accepts "X-API-Key: <prefix.secret>" (or
//     "Authorization: ApiKey <key>") and requires one permission.
//   - [RequestContext] copies the client IP, User-Agent and request id onto
//     the request context for rate limiting, session labels and audit.
//
// Guards answer 401 for missing or rejected credentials, 403 for a key
// without the permission and 503 when a backing store is unavailable. The
// reason is never written to the response.
package middleware
