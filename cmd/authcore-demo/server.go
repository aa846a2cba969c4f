package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/metrics/export/prometheus"
	"github.com/MrEthical07/authcore/middleware"
	"github.com/MrEthical07/authcore/password"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type accountCreator interface {
	CreateAccount(ctx context.Context, identifier, email, passwordHash string, now time.Time) (*authcore.Account, error)
}

type server struct {
	engine   *authcore.Engine
	accounts accountCreator
	hasher   authcore.CredentialStore
	logger   *zap.Logger
	metrics  *prometheus.Exporter
}

func newServer(engine *authcore.Engine, accounts accountCreator, hasher authcore.CredentialStore, logger *zap.Logger) *server {
	return &server{
		engine:   engine,
		accounts: accounts,
		hasher:   hasher,
		logger:   logger.Named("http"),
		metrics:  prometheus.NewExporter(engine),
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestContext)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/register", s.register).Methods(http.MethodPost)
	r.HandleFunc("/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/password-reset/request", s.requestReset).Methods(http.MethodPost)
	r.HandleFunc("/password-reset/confirm", s.confirmReset).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(middleware.RequireSession(s.engine))
	authed.HandleFunc("/me", s.me).Methods(http.MethodGet)
	authed.HandleFunc("/logout", s.logout).Methods(http.MethodPost)
	authed.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/others", s.revokeOtherSessions).Methods(http.MethodDelete)
	authed.HandleFunc("/sessions/{id}", s.revokeSession).Methods(http.MethodDelete)
	authed.HandleFunc("/totp/setup", s.setupTOTP).Methods(http.MethodPost)
	authed.HandleFunc("/totp/confirm", s.confirmTOTP).Methods(http.MethodPost)
	authed.HandleFunc("/totp/disable", s.disableTOTP).Methods(http.MethodPost)
	authed.HandleFunc("/recovery-codes", s.issueRecoveryCodes).Methods(http.MethodPost)
	authed.HandleFunc("/api-keys", s.generateAPIKey).Methods(http.MethodPost)
	authed.HandleFunc("/api-keys", s.listAPIKeys).Methods(http.MethodGet)
	authed.HandleFunc("/api-keys/{id}", s.revokeAPIKey).Methods(http.MethodDelete)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/data", middleware.RequireAPIKey(s.engine, authcore.PermissionRead)(http.HandlerFunc(s.apiData))).Methods(http.MethodGet)

	return r
}

/*
====================================
PUBLIC
====================================
*/

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	status := http.StatusOK
	if !h.RedisAvailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"redis":         h.RedisAvailable,
		"redis_latency": h.RedisLatency.String(),
		"audit_dropped": h.AuditDropped,
	})
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if !decode(w, r, &body) {
		return
	}
	hash, err := s.hasher.Hash(body.Password)
	if err != nil {
		if errors.Is(err, password.ErrPolicy) {
			writeError(w, authcore.ErrWeakPassword)
			return
		}
		s.fail(w, "hash password", err)
		return
	}
	acct, err := s.accounts.CreateAccount(r.Context(), body.Identifier, body.Email, hash, time.Now())
	if err != nil {
		s.fail(w, "create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account_id": acct.ID})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier   string `json:"identifier"`
		Password     string `json:"password"`
		TOTPCode     string `json:"totp_code"`
		RecoveryCode string `json:"recovery_code"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.Login(r.Context(), authcore.LoginRequest{
		Identifier:   body.Identifier,
		Password:     body.Password,
		TOTPCode:     body.TOTPCode,
		RecoveryCode: body.RecoveryCode,
	})
	if err != nil {
		s.fail(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":         res.AccountID,
		"session_id":         res.SessionID,
		"token":              res.Token,
		"expires_at":         res.ExpiresAt,
		"used_recovery_code": res.UsedRecoveryCode,
	})
}

func (s *server) requestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
	}
	if !decode(w, r, &body) {
		return
	}
	_ = s.engine.RequestPasswordReset(r.Context(), body.Identifier)
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) confirmReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		s.fail(w, "reset password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
SESSION-AUTHENTICATED
====================================
*/

func current(r *http.Request) *authcore.Session {
	sess, _ := middleware.SessionFromContext(r.Context())
	return sess
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	sess := current(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": sess.AccountID,
		"session_id": sess.ID,
		"expires_at": sess.ExpiresAt,
	})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	sess := current(r)
	if err := s.engine.Logout(r.Context(), sess.AccountID, sess.ID); err != nil {
		s.fail(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	IP         string    `json:"ip"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListSessions(r.Context(), current(r).AccountID)
	if err != nil {
		s.fail(w, "list sessions", err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			ID:         sess.ID,
			Device:     sess.Device,
			IP:         sess.IP,
			CreatedAt:  sess.CreatedAt,
			LastActive: sess.LastActive,
			ExpiresAt:  sess.ExpiresAt,
			Current:    sess.IsCurrent,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) revokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeSession(r.Context(), mux.Vars(r)["id"], current(r).AccountID); err != nil {
		s.fail(w, "revoke session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) revokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	sess := current(r)
	n, err := s.engine.RevokeAllOtherSessions(r.Context(), sess.AccountID, sess.ID)
	if err != nil {
		s.fail(w, "revoke other sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type codeBody struct {
	Code string `json:"code"`
}

func (s *server) setupTOTP(w http.ResponseWriter, r *http.Request) {
	setup, err := s.engine.SetupTOTP(r.Context(), current(r).AccountID)
	if err != nil {
		s.fail(w, "setup totp", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

func (s *server) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.ConfirmTOTP(r.Context(), current(r).AccountID, body.Code); err != nil {
		s.fail(w, "confirm totp", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) disableTOTP(w http.ResponseWriter, r *http.Request) {
	var body codeBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.DisableTOTP(r.Context(), current(r).AccountID, body.Code); err != nil {
		s.fail(w, "disable totp", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) issueRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.engine.IssueRecoveryCodes(r.Context(), current(r).AccountID, 0)
	if err != nil {
		s.fail(w, "issue recovery codes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"codes": codes})
}

type apiKeyView struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Prefix      string                `json:"prefix"`
	Permissions []authcore.Permission `json:"permissions"`
	ExpiresAt   time.Time             `json:"expires_at"`
	Revoked     bool                  `json:"revoked"`
	LastUsed    time.Time             `json:"last_used,omitempty"`
	Key         string                `json:"key,omitempty"`
}

func viewAPIKey(k authcore.APIKey) apiKeyView {
	return apiKeyView{
		ID:          k.ID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		Permissions: k.Permissions,
		ExpiresAt:   k.ExpiresAt,
		Revoked:     k.Revoked,
		LastUsed:    k.LastUsed,
	}
}

func (s *server) generateAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string                `json:"name"`
		Permissions []authcore.Permission `json:"permissions"`
		ExpiryDays  int                   `json:"expiry_days"`
	}
	if !decode(w, r, &body) {
		return
	}
	key, err := s.engine.GenerateAPIKey(r.Context(), current(r).AccountID, body.Name, body.Permissions, body.ExpiryDays)
	if err != nil {
		s.fail(w, "generate api key", err)
		return
	}
	view := viewAPIKey(key.APIKey)
	view.Key = key.Key
	writeJSON(w, http.StatusCreated, view)
}

func (s *server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.engine.ListAPIKeys(r.Context(), current(r).AccountID)
	if err != nil {
		s.fail(w, "list api keys", err)
		return
	}
	out := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, viewAPIKey(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeAPIKey(r.Context(), current(r).AccountID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, "revoke api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
API-KEY-AUTHENTICATED
====================================
*/

func (s *server) apiData(w http.ResponseWriter, r *http.Request) {
	key, _ := middleware.APIKeyFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": key.AccountID,
		"key_id":     key.ID,
	})
}

/*
====================================
HELPERS
====================================
*/

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return false
	}
	return true
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status, _ := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, map[string]string{"error": code})
}

// classify maps engine errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, authcore.ErrMFARequired):
		return http.StatusUnauthorized, "mfa_required"
	case errors.Is(err, authcore.ErrInvalidCredentials),
		errors.Is(err, authcore.ErrUnauthorized),
		errors.Is(err, authcore.ErrInvalidRecoveryCode):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, authcore.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token"
	case errors.Is(err, authcore.ErrExpiredToken):
		return http.StatusBadRequest, "expired_token"
	case errors.Is(err, authcore.ErrAccountLocked):
		return http.StatusLocked, "account_locked"
	case errors.Is(err, authcore.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, authcore.ErrQuotaExceeded):
		return http.StatusConflict, "quota_exceeded"
	case errors.Is(err, authcore.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, authcore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, authcore.ErrWeakPassword):
		return http.StatusBadRequest, "weak_password"
	case errors.Is(err, authcore.ErrPasswordReuse):
		return http.StatusBadRequest, "password_reuse"
	case errors.Is(err, authcore.ErrInvalidPermission):
		return http.StatusBadRequest, "invalid_permission"
	case errors.Is(err, authcore.ErrTOTPNotConfigured):
		return http.StatusConflict, "totp_not_configured"
	case errors.Is(err, authcore.ErrTOTPAlreadyEnabled):
		return http.StatusConflict, "totp_already_enabled"
	case errors.Is(err, authcore.ErrInvalidOperation):
		return http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, authcore.ErrStoreUnavailable), errors.Is(err, authcore.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
