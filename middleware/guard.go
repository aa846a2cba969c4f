package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

// SessionValidator is the part of *authcore.Engine RequireSession needs.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*authcore.Session, error)
}

// APIKeyVerifier is the part of *authcore.Engine RequireAPIKey needs.
type APIKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, fullKey string) *authcore.APIKey
}

type sessionContextKey struct{}
type apiKeyContextKey struct{}

// SessionFromContext returns the session RequireSession validated.
func SessionFromContext(ctx context.Context) (*authcore.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*authcore.Session)
	return s, ok
}

// APIKeyFromContext returns the key RequireAPIKey accepted.
func APIKeyFromContext(ctx context.Context) (*authcore.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey{}).(*authcore.APIKey)
	return k, ok
}

func RequireSession(v SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := credential(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sess, err := v.ValidateSession(r.Context(), token)
			if err != nil {
				if errors.Is(err, authcore.ErrStoreUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey admits requests carrying a valid, unexpired, unrevoked key
// that grants perm.
func RequireAPIKey(v APIKeyVerifier, perm authcore.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			raw := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if raw == "" {
				raw, _ = credential(r.Header.Get("Authorization"), "ApiKey ")
			}
			if raw == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			key := v.VerifyAPIKey(r.Context(), raw)
			if key == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !key.HasPermission(perm) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func credential(value, scheme string) (string, bool) {
	if !strings.HasPrefix(value, scheme) {
		return "", false
	}

	token := strings.TrimSpace(value[len(scheme):])
	if token == "" {
		return "", false
	}

	return token, true
}
