package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/stream"
)

const serviceName = "bastion-api"

// IdentityService is the part of auth.Service the HTTP layer drives.
type IdentityService interface {
	Login(ctx context.Context, tenantID, username, secret, ip, userAgent string) (auth.LoginResult, error)
	ValidateSession(ctx context.Context, tenantID, token string) (auth.SessionResult, error)
	RevokeSession(ctx context.Context, tenantID, token string) (auth.RevokeResult, error)
	AdminUnlock(ctx context.Context, tenantID, username, actor string) (auth.UnlockResult, error)
	ChangeSecret(ctx context.Context, tenantID, username, oldSecret, newSecret string) (auth.ChangeResult, error)

	CreateTenant(ctx context.Context, tenantID, displayName string) error
	SetPolicy(ctx context.Context, tenantID string, p auth.SecurityPolicy) (auth.SecurityPolicy, error)
	Policy(ctx context.Context, tenantID string) (auth.SecurityPolicy, error)
	CreateIdentity(ctx context.Context, tenantID string, in auth.NewIdentity) (ids.Key, error)
	DeactivateIdentity(ctx context.Context, tenantID, username string) (int, error)
	CredentialHistory(ctx context.Context, tenantID, username string) ([]auth.CredentialVersion, error)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	svc        IdentityService
	readiness  readinessChecker
	version    string
	adminToken string
	maxBody    int64
	limiter    *ipLimiter
	broker     *stream.Broker
	now        func() time.Time
}

// Option configures API.
type Option func(*API)

// WithAdminToken enables the admin routes. Without a token they answer 403.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithRateLimit sets the per-client token bucket of the public tenant routes.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.limiter = newIPLimiter(perSecond, burst)
		}
	}
}

// WithEventStream enables the admin audit event feed.
func WithEventStream(b *stream.Broker) Option {
	return func(a *API) { a.broker = b }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(svc IdentityService, rc readinessChecker, version string, opts ...Option) *API {
	a := &API{
		router:    mux.NewRouter(),
		svc:       svc,
		readiness: rc,
		version:   version,
		maxBody:   64 << 10,
		limiter:   newIPLimiter(5, 10),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// Admin and public routes share the /v1/tenants prefix; they stay on one
	// router so a method mismatch answers 405.
	admin := func(path string, h http.HandlerFunc, method string) {
		r.Handle(path, a.requireAdmin(h)).Methods(method)
	}
	public := func(path string, h http.HandlerFunc, method string) {
		r.Handle(path, a.rateLimit(h)).Methods(method)
	}

	admin("/v1/tenants", a.createTenant, http.MethodPost)
	admin("/v1/tenants/{tenant}/policy", a.getPolicy, http.MethodGet)
	admin("/v1/tenants/{tenant}/policy", a.setPolicy, http.MethodPut)
	admin("/v1/tenants/{tenant}/identities", a.createIdentity, http.MethodPost)
	admin("/v1/tenants/{tenant}/identities/{username}", a.deactivateIdentity, http.MethodDelete)
	admin("/v1/tenants/{tenant}/identities/{username}/unlock", a.unlock, http.MethodPost)
	admin("/v1/tenants/{tenant}/identities/{username}/history", a.history, http.MethodGet)
	admin("/v1/tenants/{tenant}/events", a.eventStream, http.MethodGet)

	public("/v1/tenants/{tenant}/login", a.login, http.MethodPost)
	public("/v1/tenants/{tenant}/sessions/validate", a.validateSession, http.MethodPost)
	public("/v1/tenants/{tenant}/sessions/revoke", a.revokeSession, http.MethodPost)
	public("/v1/tenants/{tenant}/identities/{username}/secret", a.changeSecret, http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps service errors to status codes. Internal details
// stay in the logs and the audit trail.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), auth.ErrValidation.Error()+": "))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, "concurrent update, retry")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
