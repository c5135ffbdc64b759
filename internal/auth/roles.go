package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// EventRoleChange is the audit event written by SetUserRole.
const EventRoleChange = "role_change"

// Organization listing page sizes.
const (
	DefaultOrganizationPage = 50
	MaxOrganizationPage     = 100
)

// AssignmentValidation is the outcome of a scoped role assignment check.
type AssignmentValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RoleAssignment is one entry of a batch role update.
type RoleAssignment struct {
	UID   string
	Role  Role
	Scope Scope
}

// RoleManager owns the canonical role record of every user.
type RoleManager struct {
	identities IdentityStore
	users      UserStore
	claims     *ClaimsManager
	settings
}

// NewRoleManager constructs a RoleManager that resynchronizes claims through claims.
func NewRoleManager(identities IdentityStore, users UserStore, claims *ClaimsManager, opts ...Option) (*RoleManager, error) {
	if identities == nil || users == nil {
		return nil, errors.New("auth: identity and user stores are required")
	}
	if claims == nil {
		return nil, errors.New("auth: claims manager is required")
	}
	return &RoleManager{
		identities: identities,
		users:      users,
		claims:     claims,
		settings:   newSettings(opts),
	}, nil
}

// GetUserRole returns the canonical role of uid. Missing records and backend
// failures both report false; failures are logged.
func (m *RoleManager) GetUserRole(ctx context.Context, uid string) (Role, bool) {
	doc, err := m.users.GetDocument(ctx, uid)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("uid", uid).Msg("get user role failed")
		}
		return "", false
	}
	if doc.Record == nil || !doc.Record.Role.Valid() {
		return "", false
	}
	return doc.Record.Role, true
}

// GetUserContext resolves the authorization identity of uid from the
// canonical record, or nil when none exists.
func (m *RoleManager) GetUserContext(ctx context.Context, uid string) *UserContext {
	return resolveUserContext(ctx, m.identities, m.users, m.logger, uid)
}

// SetUserRole writes the role claims and the canonical record of an existing
// identity. Callers must have authorized actingUID already; only data
// integrity is checked here.
func (m *RoleManager) SetUserRole(ctx context.Context, targetUID string, role Role, scope Scope, actingUID string) error {
	return m.setRole(ctx, targetUID, role, scope, actingUID, nil)
}

// AssignRole is SetUserRole for an acting user whose assignment already passed
// ValidateScopedRoleAssignment. It also checks the target's current record:
// organization admins may not touch admins, other organization admins or
// users of another organization.
func (m *RoleManager) AssignRole(ctx context.Context, acting UserContext, targetUID string, role Role, scope Scope) error {
	var check RecordCheck
	if acting.Role != RoleAdmin {
		check = func(current *RoleRecord) error {
			if current == nil {
				return nil
			}
			if !CanChangeRole(acting.Role, current.Role) {
				return PermissionDenied("Cannot change the role of a user with role %s", current.Role)
			}
			if current.OrganizationID != "" && current.OrganizationID != acting.OrganizationID {
				return PermissionDenied("Cannot change roles of users outside your organization")
			}
			return nil
		}
	}
	return m.setRole(ctx, targetUID, role, scope, acting.UID, check)
}

// PromoteToOrgAdmin makes an instructor the organization admin of scope.
func (m *RoleManager) PromoteToOrgAdmin(ctx context.Context, targetUID string, scope Scope, actingUID string) error {
	return m.setRole(ctx, targetUID, RoleOrgAdmin, scope, actingUID, func(current *RoleRecord) error {
		if current == nil {
			return NotFound("Target user not found")
		}
		if current.Role != RoleInstructor {
			return Conflict("Can only promote instructors to organization admin")
		}
		return nil
	})
}

func (m *RoleManager) setRole(ctx context.Context, targetUID string, role Role, scope Scope, actingUID string, check RecordCheck) error {
	ctx, span := m.tracer.Start(ctx, "roles.set", trace.WithAttributes(
		attribute.String("roles.target_uid", targetUID),
		attribute.String("roles.role", string(role)),
	))
	defer span.End()

	targetUID = strings.TrimSpace(targetUID)
	scope.OrganizationID = strings.TrimSpace(scope.OrganizationID)
	scope.DepartmentID = strings.TrimSpace(scope.DepartmentID)
	if err := validateAssignmentData(targetUID, role, scope); err != nil {
		return err
	}

	rec := RoleRecord{
		Role:           role,
		OrganizationID: scope.OrganizationID,
		DepartmentID:   scope.DepartmentID,
		UpdatedAt:      m.now().UTC(),
		UpdatedBy:      actorOrSystem(actingUID),
	}
	if _, err := m.claims.syncRole(ctx, targetUID, rec, actingUID, check); err != nil {
		span.RecordError(err)
		return err
	}

	if m.audit != nil {
		err := m.audit.Record(ctx, AuditEntry{
			Category:  AuditCategoryRole,
			Event:     EventRoleChange,
			ActorUID:  actorOrSystem(actingUID),
			TargetUID: targetUID,
			Details: map[string]any{
				"newRole":        string(role),
				"organizationId": scope.OrganizationID,
				"departmentId":   scope.DepartmentID,
			},
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("uid", targetUID).Msg("role audit write failed")
		}
	}
	return nil
}

// ListOrganizationUsers returns the users holding a role in orgID, ordered by
// uid.
func (m *RoleManager) ListOrganizationUsers(ctx context.Context, orgID string, limit, offset int) ([]UserContext, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, InvalidInput("organizationId is required")
	}
	switch {
	case limit <= 0:
		limit = DefaultOrganizationPage
	case limit > MaxOrganizationPage:
		limit = MaxOrganizationPage
	}
	if offset < 0 {
		offset = 0
	}
	docs, err := m.users.ListByOrganization(ctx, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list organization users: %w", err)
	}
	out := make([]UserContext, 0, len(docs))
	for _, doc := range docs {
		if doc.Record == nil || !doc.Record.Role.Valid() {
			continue
		}
		out = append(out, UserContext{
			UID:            doc.UID,
			Role:           doc.Record.Role,
			OrganizationID: doc.Record.OrganizationID,
			DepartmentID:   doc.Record.DepartmentID,
			Permissions:    RolePermissions(doc.Record.Role),
		})
	}
	return out, nil
}

// BatchSetUserRoles applies each assignment independently.
func (m *RoleManager) BatchSetUserRoles(ctx context.Context, assignments []RoleAssignment, actingUID string) BatchResult {
	result := BatchResult{Errors: []BatchError{}}
	for _, a := range assignments {
		if err := m.SetUserRole(ctx, a.UID, a.Role, a.Scope, actingUID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchError{UID: a.UID, Error: err.Error()})
			continue
		}
		result.Success++
	}
	return result
}

// ValidateScopedRoleAssignment checks whether acting may assign targetRole
// within target. Admins are unrestricted; organization admins may hand out
// student and instructor roles inside their own organization only.
func (m *RoleManager) ValidateScopedRoleAssignment(acting UserContext, targetRole Role, target Scope) AssignmentValidation {
	if !targetRole.Valid() {
		return AssignmentValidation{Reason: fmt.Sprintf("Unknown role: %s", targetRole)}
	}
	if !CanChangeRole(acting.Role, targetRole) {
		if acting.Role == RoleOrgAdmin {
			return AssignmentValidation{Reason: "Organization admins can only assign student or instructor roles"}
		}
		return AssignmentValidation{Reason: "Insufficient permissions to assign this role"}
	}
	if acting.Role == RoleOrgAdmin {
		if acting.OrganizationID == "" {
			return AssignmentValidation{Reason: "Organization admin has no organization scope"}
		}
		if target.OrganizationID != acting.OrganizationID {
			return AssignmentValidation{Reason: "Cannot assign roles outside your organization"}
		}
	}
	return AssignmentValidation{Valid: true}
}

// HasPermission reports whether role may perform action on resource.
func (m *RoleManager) HasPermission(role Role, resource, action string) bool {
	return HasPermission(role, resource, action)
}

// CanChangeRole reports whether actor may assign target at all, ignoring scope.
func CanChangeRole(actor, target Role) bool {
	switch actor {
	case RoleAdmin:
		return true
	case RoleOrgAdmin:
		return target == RoleStudent || target == RoleInstructor
	default:
		return false
	}
}

func validateAssignmentData(uid string, role Role, scope Scope) error {
	if uid == "" {
		return InvalidInput("target uid is required")
	}
	if !role.Valid() {
		return InvalidInput("unknown role %q", role)
	}
	if scope.DepartmentID != "" && scope.OrganizationID == "" {
		return InvalidInput("departmentId requires organizationId")
	}
	if role == RoleOrgAdmin && scope.OrganizationID == "" {
		return InvalidInput("org_admin role requires organizationId")
	}
	return nil
}

func resolveUserContext(ctx context.Context, identities IdentityStore, users UserStore, logger zerolog.Logger, uid string) *UserContext {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil
	}
	var (
		doc      *UserDocument
		identity *Identity
		docErr   error
		idErr    error
	)
	var g errgroup.Group
	g.Go(func() error {
		doc, docErr = users.GetDocument(ctx, uid)
		return nil
	})
	g.Go(func() error {
		identity, idErr = identities.GetUser(ctx, uid)
		return nil
	})
	_ = g.Wait()

	if docErr != nil {
		if !errors.Is(docErr, ErrNotFound) {
			logger.Warn().Err(docErr).Str("uid", uid).Msg("read role record failed")
		}
		return nil
	}
	if doc.Record == nil || !doc.Record.Role.Valid() {
		return nil
	}
	if idErr != nil && !errors.Is(idErr, ErrNotFound) {
		logger.Warn().Err(idErr).Str("uid", uid).Msg("read identity failed")
	}

	rec := doc.Record
	uc := &UserContext{
		UID:            uid,
		Role:           rec.Role,
		OrganizationID: rec.OrganizationID,
		DepartmentID:   rec.DepartmentID,
		Permissions:    RolePermissions(rec.Role),
	}
	if identity != nil {
		uc.Email = identity.Email
		uc.EmailVerified = identity.EmailVerified
	}
	return uc
}
