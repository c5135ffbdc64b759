package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/guard"
	"coursegate.org/internal/obs"
)

// ReadyProbe checks backing services for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Limit is a per-user sliding-window budget for one action.
type Limit struct {
	Max    int
	Window time.Duration
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Roles  *auth.RoleManager
	Claims *auth.ClaimsManager
	Guard  *guard.Guard
	Audit  auth.AuditSink
	Tokens *auth.TokenIssuer
	// Identities backs the development token endpoint. Leave nil to disable it.
	Identities auth.IdentityStore
	Ready      ReadyProbe
}

// API is the HTTP surface of the authorization service.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	version    string
	validate   *validator.Validate
	limits     map[string]Limit
	rateBurst  int
	ratePerSec int
	adminIPs   []string
	now        func() time.Time
}

// Option configures API.
type Option func(*API)

// WithActionLimit overrides the sliding-window budget of action.
func WithActionLimit(action string, l Limit) Option {
	return func(a *API) { a.limits[action] = l }
}

// WithIPRate sets the per-IP token bucket in front of every route.
func WithIPRate(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithAdminIPs restricts batch, cleanup and audit-log endpoints to callers
// from ips. An empty list allows any address.
func WithAdminIPs(ips []string) Option {
	return func(a *API) { a.adminIPs = append([]string(nil), ips...) }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New wires the routes.
func New(deps Deps, version string, opts ...Option) (*API, error) {
	if deps.Roles == nil || deps.Claims == nil || deps.Guard == nil {
		return nil, errors.New("httpapi: role manager, claims manager and guard are required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("httpapi: token issuer is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		version:    version,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		limits:     defaultLimits(),
		rateBurst:  20,
		ratePerSec: 10,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("GET /v1/me", a.handleMe)

	a.mux.HandleFunc("POST /v1/roles/assign", a.handleAssignRole)
	a.mux.HandleFunc("POST /v1/roles/batch", a.handleBatchRoles)
	a.mux.HandleFunc("POST /v1/roles/promote", a.handlePromote)
	a.mux.HandleFunc("GET /v1/organizations/{orgId}/users", a.handleOrganizationUsers)
	a.mux.HandleFunc("GET /v1/users/{uid}/role", a.handleGetUserRole)
	a.mux.HandleFunc("POST /v1/permissions/check", a.handleCheckPermission)

	a.mux.HandleFunc("GET /v1/users/{uid}/claims", a.handleGetClaims)
	a.mux.HandleFunc("PATCH /v1/users/{uid}/claims", a.handleUpdateClaims)
	a.mux.HandleFunc("DELETE /v1/users/{uid}/claims", a.handleRemoveClaims)
	a.mux.HandleFunc("POST /v1/users/{uid}/claims/refresh", a.handleRefreshClaims)
	a.mux.HandleFunc("GET /v1/users/{uid}/claims/consistency", a.handleClaimsConsistency)
	a.mux.HandleFunc("GET /v1/users/{uid}/claims/audit", a.handleClaimsAudit)
	a.mux.HandleFunc("POST /v1/claims/batch", a.handleBatchClaims)
	a.mux.HandleFunc("POST /v1/claims/cleanup", a.handleCleanupClaims)

	a.mux.HandleFunc("GET /v1/audit/security", a.handleSecurityLog)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "coursegate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "coursegate-api",
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
		"roles":   auth.Roles(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
