// Package guard is the request-time gate in front of every callable action.
// It authenticates the caller, resolves their user context and enforces role,
// permission, organization-scope and rate-limit requirements. Every denial is
// written to the security audit log.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/obs"
	"coursegate.org/internal/ratelimit"
)

// Security events written by the guard.
const (
	EventAccessDenied      = "access_denied"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventIPDenied          = "ip_denied"
)

// Defaults applied by CheckRateLimit when max or window is zero.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// ContextResolver loads the canonical user context of a uid.
type ContextResolver interface {
	GetUserContext(ctx context.Context, uid string) *auth.UserContext
}

// PermissionRequirement names a resource/action pair the caller must hold.
type PermissionRequirement struct {
	Resource string
	Action   string
}

// Requirements describes what CheckAuth enforces. Zero values skip a check.
type Requirements struct {
	Roles      []auth.Role
	Permission *PermissionRequirement
	// OrganizationID restricts org admins and instructors to resources of
	// their own organization.
	OrganizationID string
}

// Guard enforces authorization requirements on incoming calls.
type Guard struct {
	users   ContextResolver
	limiter ratelimit.Store
	audit   auth.AuditSink
	logger  zerolog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

// Option configures a Guard.
type Option func(*Guard)

// WithRateLimiter sets the sliding-window store used by CheckRateLimit.
func WithRateLimiter(store ratelimit.Store) Option {
	return func(g *Guard) { g.limiter = store }
}

// WithAudit routes security events to sink.
func WithAudit(sink auth.AuditSink) Option {
	return func(g *Guard) { g.audit = sink }
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New constructs a Guard resolving user contexts through users.
func New(users ContextResolver, opts ...Option) (*Guard, error) {
	if users == nil {
		return nil, errors.New("guard: context resolver is required")
	}
	g := &Guard{
		users:   users,
		limiter: ratelimit.NewMemory(),
		logger:  zerolog.Nop(),
		now:     time.Now,
		tracer:  obs.Tracer("guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// VerifyAuth returns the uid of the authenticated caller.
func (g *Guard) VerifyAuth(ctx context.Context) (string, error) {
	uid, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return "", auth.Unauthenticated("User must be authenticated to perform this action")
	}
	return uid, nil
}

// CheckAuth authenticates the caller, resolves their user context and applies
// req. Token claims are used when they are fresh and carry a role; otherwise
// the canonical record is consulted.
func (g *Guard) CheckAuth(ctx context.Context, req Requirements) (*auth.UserContext, error) {
	ctx, span := g.tracer.Start(ctx, "guard.check_auth")
	defer span.End()

	uid, err := g.VerifyAuth(ctx)
	if err != nil {
		obs.AuthzDecision("unauthenticated")
		span.SetStatus(codes.Error, "unauthenticated")
		return nil, err
	}
	span.SetAttributes(attribute.String("uid", uid))

	user := g.resolve(ctx, uid)
	if user == nil {
		obs.AuthzDecision("not_found")
		span.SetStatus(codes.Error, "user context not found")
		return nil, auth.NotFound("User context not found")
	}
	span.SetAttributes(attribute.String("role", string(user.Role)))

	if err := enforce(user, req); err != nil {
		obs.AuthzDecision("denied")
		span.SetStatus(codes.Error, "denied")
		g.LogSecurityEvent(ctx, EventAccessDenied, denialDetails(user, req, err))
		return nil, err
	}
	obs.AuthzDecision("allowed")
	return user, nil
}

func (g *Guard) resolve(ctx context.Context, uid string) *auth.UserContext {
	call, _ := auth.CallFromContext(ctx)
	if call.Auth != nil && call.Auth.Claims != nil {
		if user := fromClaims(uid, *call.Auth.Claims, g.now()); user != nil {
			return user
		}
	}
	return g.users.GetUserContext(ctx, uid)
}

// fromClaims builds a user context from token claims, or nil when the claims
// are stale or carry no usable role.
func fromClaims(uid string, claims auth.CustomClaims, now time.Time) *auth.UserContext {
	if !claims.Role.Valid() || claims.LastUpdated == 0 {
		return nil
	}
	if now.Sub(claims.UpdatedAt()) > auth.StaleAfter {
		return nil
	}
	return &auth.UserContext{
		UID:            uid,
		Role:           claims.Role,
		OrganizationID: claims.OrganizationID,
		DepartmentID:   claims.DepartmentID,
		Permissions:    auth.RolePermissions(claims.Role),
	}
}

func enforce(user *auth.UserContext, req Requirements) error {
	if len(req.Roles) > 0 && !user.HasAnyRole(req.Roles...) {
		names := make([]string, len(req.Roles))
		for i, r := range req.Roles {
			names[i] = string(r)
		}
		return auth.PermissionDenied("Required role: %s, current role: %s", strings.Join(names, " or "), user.Role)
	}
	if p := req.Permission; p != nil && !user.HasPermission(p.Resource, p.Action) {
		return auth.PermissionDenied("Insufficient permissions for %s on %s", p.Action, p.Resource)
	}
	if req.OrganizationID != "" && (user.Role == auth.RoleOrgAdmin || user.Role == auth.RoleInstructor) {
		if user.OrganizationID != req.OrganizationID {
			return auth.PermissionDenied("Access restricted to your university scope")
		}
	}
	return nil
}

func denialDetails(user *auth.UserContext, req Requirements, err error) map[string]any {
	details := map[string]any{
		"reason": err.Error(),
		"role":   string(user.Role),
	}
	if len(req.Roles) > 0 {
		roles := make([]string, len(req.Roles))
		for i, r := range req.Roles {
			roles[i] = string(r)
		}
		details["requiredRoles"] = roles
	}
	if req.Permission != nil {
		details["resource"] = req.Permission.Resource
		details["action"] = req.Permission.Action
	}
	if req.OrganizationID != "" {
		details["organizationId"] = req.OrganizationID
	}
	return details
}

// CheckRateLimit admits at most max calls of action by uid per sliding window.
// Backend failures are logged and the call is admitted.
func (g *Guard) CheckRateLimit(ctx context.Context, uid, action string, max int, window time.Duration) error {
	if max <= 0 {
		max = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	d, err := g.limiter.Hit(ctx, ratelimit.Key(uid, action), g.now(), window, max)
	if err != nil {
		g.logger.Error().Err(err).Str("uid", uid).Str("action", action).Msg("rate limiting error")
		return nil
	}
	if d.Allowed {
		return nil
	}
	obs.RateLimitRejected(action)
	g.LogSecurityEvent(ctx, EventRateLimitExceeded, map[string]any{
		"action":  action,
		"limit":   max,
		"window":  window.String(),
		"resetAt": d.ResetAt,
	})
	return auth.RateLimited("Rate limit exceeded. Maximum %d requests per %s.", max, describeWindow(window))
}

func describeWindow(window time.Duration) string {
	switch window {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	}
	return window.String()
}

// CheckIPAccess rejects calls whose client IP is not in allowed. An empty
// list allows everything.
func (g *Guard) CheckIPAccess(ctx context.Context, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	call, _ := auth.CallFromContext(ctx)
	if call.IP == "" {
		return auth.PermissionDenied("Unable to verify client IP")
	}
	for _, ip := range allowed {
		if ip == call.IP {
			return nil
		}
	}
	g.LogSecurityEvent(ctx, EventIPDenied, map[string]any{"ip": call.IP})
	return auth.PermissionDenied("Access denied from this IP address")
}

// LogSecurityEvent appends a security audit entry for the current call.
// Failures are logged and swallowed.
func (g *Guard) LogSecurityEvent(ctx context.Context, event string, details map[string]any) {
	if g.audit == nil {
		return
	}
	call, _ := auth.CallFromContext(ctx)
	entry := auth.AuditEntry{
		Category:  auth.AuditCategorySecurity,
		Event:     event,
		ActorUID:  call.UID(),
		TargetUID: targetOf(details),
		IP:        call.IP,
		UserAgent: call.UserAgent,
		Details:   details,
	}
	if err := g.audit.Record(ctx, entry); err != nil {
		g.logger.Error().Err(fmt.Errorf("record %s: %w", event, err)).Msg("failed to log security event")
	}
}

func targetOf(details map[string]any) string {
	for _, key := range []string{"targetUserId", "targetUid", "userId"} {
		if v, ok := details[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
