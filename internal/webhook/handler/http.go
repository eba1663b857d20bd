// Package handler exposes the webhook service over HTTP for IdP actions.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	profiledomain "idp-user-sync/internal/profile/domain"
	"idp-user-sync/internal/security"
	userdomain "idp-user-sync/internal/user/domain"
	"idp-user-sync/internal/webhook/service"
)

const maxBodyBytes = 64 << 10

// Routes served by API.
const (
	PathRegister   = "/api/idp/user"
	PathLastLogin  = "/api/idp/user/last-login"
	PathDeactivate = "/api/idp/user/deactivate"
	PathProfile    = "/api/idp/user/profile"
)

type webhookService interface {
	Register(ctx context.Context, in service.RegisterInput) (*userdomain.User, error)
	RecordLogin(ctx context.Context, in service.LoginInput) (*userdomain.User, error)
	Deactivate(ctx context.Context, in service.DeactivateInput) (*userdomain.User, error)
	UpdateProfile(ctx context.Context, in service.ProfileInput) (*profiledomain.Profile, error)
}

// TokenVerifier validates the bearer token sent by IdP actions.
type TokenVerifier interface {
	Verify(token string) (*security.WebhookClaims, error)
}

// API serves the inbound webhooks. Every response is {"success":bool}; failures are logged, not described.
type API struct {
	srv      webhookService
	verifier TokenVerifier
	mux      *http.ServeMux
}

// NewAPI returns an API. verifier may be nil to accept unauthenticated calls (local development only).
func NewAPI(srv webhookService, verifier TokenVerifier) *API {
	a := &API{srv: srv, verifier: verifier, mux: http.NewServeMux()}
	a.mount()
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) mount() {
	a.mux.Handle("POST "+PathRegister, a.authenticated(handle(a.srv.Register)))
	a.mux.Handle("POST "+PathLastLogin, a.authenticated(handle(a.srv.RecordLogin)))
	a.mux.Handle("POST "+PathDeactivate, a.authenticated(handle(a.srv.Deactivate)))
	a.mux.Handle("POST "+PathProfile, a.authenticated(handle(a.srv.UpdateProfile)))
}

type result struct {
	Success bool `json:"success"`
}

func (a *API) authenticated(next http.Handler) http.Handler {
	if a.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeResult(w, http.StatusUnauthorized, false)
			return
		}
		if _, err := a.verifier.Verify(strings.TrimSpace(raw)); err != nil {
			slog.Warn("webhook: rejected token", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
			writeResult(w, http.StatusUnauthorized, false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle decodes the JSON body into In and calls fn. Service errors answer 200 {"success":false}
// so IdP actions do not retry a request that will never succeed.
func handle[In, Out any](fn func(context.Context, In) (Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in In
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&in); err != nil {
			slog.Info("webhook: malformed body", "path", r.URL.Path, "error", err)
			writeResult(w, http.StatusBadRequest, false)
			return
		}
		if _, err := fn(r.Context(), in); err != nil {
			logFailure(r, err)
			writeResult(w, http.StatusOK, false)
			return
		}
		writeResult(w, http.StatusOK, true)
	})
}

func logFailure(r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrUnknownClient),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrProfileMissing):
		slog.Info("webhook: request rejected", "path", r.URL.Path, "error", err)
	default:
		slog.Error("webhook: request failed", "path", r.URL.Path, "error", err)
	}
}

func writeResult(w http.ResponseWriter, status int, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result{Success: ok})
}
