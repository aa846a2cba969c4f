package middleware

import (
	"net/http"

	"github.com/MrEthical07/authcore"
)

// RequestContext attaches the request's remote address, User-Agent and
// X-Request-ID header (or a fresh id) to its context. The id is echoed in
// the X-Request-ID response header.
//
// RemoteAddr is used as is; put a proxy-aware handler in front of this one
// when running behind a load balancer.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := authcore.WithClientIP(r.Context(), r.RemoteAddr)
		ctx = authcore.WithUserAgent(ctx, r.UserAgent())
		ctx = authcore.WithRequestID(ctx, r.Header.Get("X-Request-ID"))

		w.Header().Set("X-Request-ID", authcore.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
