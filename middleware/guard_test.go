package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrEthical07/authcore"
)

type stubSessions struct {
	token string
	err   error
}

func (s stubSessions) ValidateSession(_ context.Context, token string) (*authcore.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if token != s.token {
		return nil, authcore.ErrInvalidToken
	}
	return &authcore.Session{ID: "s1", AccountID: "u1"}, nil
}

type stubKeys map[string]*authcore.APIKey

func (s stubKeys) VerifyAPIKey(_ context.Context, key string) *authcore.APIKey {
	return s[key]
}

func okHandler(t *testing.T, check func(*http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, header, value string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireSession(t *testing.T) {
	var seen *authcore.Session
	h := RequireSession(stubSessions{token: "good"})(okHandler(t, func(r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"rejected", "Bearer bad", http.StatusUnauthorized},
		{"valid", "Bearer good", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(h, "Authorization", tc.header); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
		})
	}

	if seen == nil || seen.AccountID != "u1" {
		t.Fatalf("session not attached to context: %+v", seen)
	}
}

func TestRequireSessionStoreUnavailable(t *testing.T) {
	down := fmt.Errorf("%w: dial tcp: refused", authcore.ErrStoreUnavailable)
	h := RequireSession(stubSessions{err: down})(okHandler(t, nil))
	if got := serve(h, "Authorization", "Bearer x"); got != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", got)
	}
}

func TestRequireSessionNilEngine(t *testing.T) {
	h := RequireSession(nil)(okHandler(t, nil))
	if got := serve(h, "Authorization", "Bearer x"); got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}

func TestRequireAPIKey(t *testing.T) {
	keys := stubKeys{
		"ak_reader.s1": {ID: "k1", Permissions: []authcore.Permission{authcore.PermissionRead}},
		"ak_admin.s2":  {ID: "k2", Permissions: []authcore.Permission{authcore.PermissionAdmin}},
	}
	var seen *authcore.APIKey
	h := RequireAPIKey(keys, authcore.PermissionWrite)(okHandler(t, func(r *http.Request) {
		seen, _ = APIKeyFromContext(r.Context())
	}))

	if got := serve(h, "", ""); got != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", got)
	}
	if got := serve(h, "X-API-Key", "ak_unknown.s"); got != http.StatusUnauthorized {
		t.Fatalf("unknown key: status = %d", got)
	}
	if got := serve(h, "X-API-Key", "ak_reader.s1"); got != http.StatusForbidden {
		t.Fatalf("read-only key: status = %d", got)
	}
	if got := serve(h, "Authorization", "ApiKey ak_admin.s2"); got != http.StatusNoContent {
		t.Fatalf("admin key: status = %d", got)
	}
	if seen == nil || seen.ID != "k2" {
		t.Fatalf("key not attached to context: %+v", seen)
	}
}

func TestRequestContext(t *testing.T) {
	var ip, reqID string
	h := RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID = authcore.RequestIDFromContext(r.Context())
		ip = r.RemoteAddr
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "198.51.100.4:4431"
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if reqID != "req-7" || rec.Header().Get("X-Request-ID") != "req-7" {
		t.Fatalf("request id = %q, header %q", reqID, rec.Header().Get("X-Request-ID"))
	}
	if ip != "198.51.100.4:4431" {
		t.Fatalf("remote addr changed: %q", ip)
	}

	req = httptest.NewRequest(http.MethodPost, "/login", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if reqID == "" || reqID == "req-7" {
		t.Fatalf("expected generated request id, got %q", reqID)
	}
}
