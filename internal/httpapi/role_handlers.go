package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/guard"
)

// EventRoleAssigned is the security event written after a role assignment.
const EventRoleAssigned = "role_assigned"

type assignRoleRequest struct {
	UserID         string `json:"userId" validate:"required,max=128"`
	Role           string `json:"role" validate:"required,oneof=student instructor org_admin admin"`
	OrganizationID string `json:"organizationId" validate:"omitempty,max=128"`
	DepartmentID   string `json:"departmentId" validate:"omitempty,max=128"`
}

type promoteRequest struct {
	UserID         string `json:"userId" validate:"required,max=128"`
	OrganizationID string `json:"organizationId" validate:"required,max=128"`
	DepartmentID   string `json:"departmentId" validate:"omitempty,max=128"`
}

type batchRolesRequest struct {
	Assignments []assignRoleRequest `json:"assignments" validate:"required,min=1,max=100,dive"`
}

type checkPermissionRequest struct {
	Resource       string `json:"resource" validate:"required"`
	Action         string `json:"action" validate:"required"`
	TargetUserID   string `json:"targetUserId"`
	OrganizationID string `json:"organizationId"`
}

type userView struct {
	UID            string    `json:"uid"`
	Role           auth.Role `json:"role"`
	OrganizationID string    `json:"organizationId,omitempty"`
	DepartmentID   string    `json:"departmentId,omitempty"`
	Email          string    `json:"email,omitempty"`
	EmailVerified  bool      `json:"emailVerified"`
}

func viewOf(u *auth.UserContext) userView {
	return userView{
		UID:            u.UID,
		Role:           u.Role,
		OrganizationID: u.OrganizationID,
		DepartmentID:   u.DepartmentID,
		Email:          u.Email,
		EmailVerified:  u.EmailVerified,
	}
}

var roleAdmins = []auth.Role{auth.RoleAdmin, auth.RoleOrgAdmin}

func (a *API) rateLimit(w http.ResponseWriter, r *http.Request, uid, action string) bool {
	l := a.limits[action]
	if err := a.deps.Guard.CheckRateLimit(r.Context(), uid, action, l.Max, l.Window); err != nil {
		handleError(w, r, err)
		return false
	}
	return true
}

func (a *API) adminIP(w http.ResponseWriter, r *http.Request) bool {
	if err := a.deps.Guard.CheckIPAccess(r.Context(), a.adminIPs); err != nil {
		handleError(w, r, err)
		return false
	}
	return true
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: roleAdmins})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.rateLimit(w, r, acting.UID, actionAssignRole) {
		return
	}
	var req assignRoleRequest
	if !a.bind(w, r, &req) {
		return
	}

	role := auth.Role(req.Role)
	scope := auth.Scope{
		OrganizationID: strings.TrimSpace(req.OrganizationID),
		DepartmentID:   strings.TrimSpace(req.DepartmentID),
	}
	if scope.OrganizationID == "" && acting.Role == auth.RoleOrgAdmin {
		scope.OrganizationID = acting.OrganizationID
	}
	if v := a.deps.Roles.ValidateScopedRoleAssignment(*acting, role, scope); !v.Valid {
		a.deps.Guard.LogSecurityEvent(ctx, guard.EventAccessDenied, map[string]any{
			"targetUserId": req.UserID,
			"newRole":      req.Role,
			"reason":       v.Reason,
		})
		handleError(w, r, auth.PermissionDenied("%s", v.Reason))
		return
	}

	if err := a.deps.Roles.AssignRole(ctx, *acting, req.UserID, role, scope); err != nil {
		if errors.Is(err, auth.ErrPermissionDenied) {
			a.deps.Guard.LogSecurityEvent(ctx, guard.EventAccessDenied, map[string]any{
				"targetUserId": req.UserID,
				"newRole":      req.Role,
				"reason":       err.Error(),
			})
		}
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, EventRoleAssigned, map[string]any{
		"targetUserId":   req.UserID,
		"newRole":        req.Role,
		"assignedBy":     acting.UID,
		"organizationId": scope.OrganizationID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Role " + req.Role + " assigned successfully",
		"userId":  req.UserID,
		"role":    req.Role,
	})
}

// EventInstructorPromoted is the security event written after a promotion.
const EventInstructorPromoted = "instructor_promoted"

func (a *API) handlePromote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.rateLimit(w, r, acting.UID, actionAssignRole) {
		return
	}
	var req promoteRequest
	if !a.bind(w, r, &req) {
		return
	}
	scope := auth.Scope{
		OrganizationID: strings.TrimSpace(req.OrganizationID),
		DepartmentID:   strings.TrimSpace(req.DepartmentID),
	}
	if err := a.deps.Roles.PromoteToOrgAdmin(ctx, req.UserID, scope, acting.UID); err != nil {
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, EventInstructorPromoted, map[string]any{
		"promotedUserId": req.UserID,
		"fromRole":       string(auth.RoleInstructor),
		"toRole":         string(auth.RoleOrgAdmin),
		"organizationId": scope.OrganizationID,
		"promotedBy":     acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Instructor promoted to organization admin successfully",
		"userId":  req.UserID,
		"newRole": auth.RoleOrgAdmin,
	})
}

func (a *API) handleOrganizationUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: roleAdmins})
	if err != nil {
		handleError(w, r, err)
		return
	}
	orgID := strings.TrimSpace(r.PathValue("orgId"))
	if acting.Role == auth.RoleOrgAdmin && acting.OrganizationID != orgID {
		handleError(w, r, auth.PermissionDenied("Can only access users from your organization"))
		return
	}
	q := r.URL.Query()
	limit, err := parseBoundedInt("limit", q.Get("limit"), auth.DefaultOrganizationPage, 1, auth.MaxOrganizationPage)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseBoundedInt("offset", q.Get("offset"), 0, 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	users, err := a.deps.Roles.ListOrganizationUsers(ctx, orgID, limit, offset)
	if err != nil {
		handleError(w, r, err)
		return
	}
	views := make([]userView, len(users))
	for i := range users {
		views[i] = viewOf(&users[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"users":          views,
		"total":          len(views),
		"organizationId": orgID,
	})
}

func (a *API) handleBatchRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.adminIP(w, r) || !a.rateLimit(w, r, acting.UID, actionBatch) {
		return
	}
	var req batchRolesRequest
	if !a.bind(w, r, &req) {
		return
	}
	assignments := make([]auth.RoleAssignment, len(req.Assignments))
	for i, item := range req.Assignments {
		assignments[i] = auth.RoleAssignment{
			UID:   item.UserID,
			Role:  auth.Role(item.Role),
			Scope: auth.Scope{OrganizationID: item.OrganizationID, DepartmentID: item.DepartmentID},
		}
	}
	result := a.deps.Roles.BatchSetUserRoles(ctx, assignments, acting.UID)
	a.deps.Guard.LogSecurityEvent(ctx, "batch_role_update", map[string]any{
		"updatesCount": len(assignments),
		"successCount": result.Success,
		"failedCount":  result.Failed,
		"performedBy":  acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": map[string]any{
			"totalRequested": len(assignments),
			"successful":     result.Success,
			"failed":         result.Failed,
			"errors":         result.Errors,
		},
	})
}

func (a *API) handleGetUserRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{})
	if err != nil {
		handleError(w, r, err)
		return
	}
	target := r.PathValue("uid")
	if caller.UID != target && !caller.HasPermission("users", "read") {
		handleError(w, r, auth.PermissionDenied("Can only view own role or requires admin privileges"))
		return
	}
	user := a.deps.Roles.GetUserContext(ctx, target)
	if user == nil {
		writeError(w, r, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"user":        viewOf(user),
		"permissions": auth.SerializePermissions(user.Permissions),
	})
}

func (a *API) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.rateLimit(w, r, caller.UID, actionCheck) {
		return
	}
	var req checkPermissionRequest
	if !a.bind(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.TargetUserID)
	if target == "" {
		target = caller.UID
	}
	if target != caller.UID && !caller.HasPermission("users", "read") {
		handleError(w, r, auth.PermissionDenied("Can only check own permissions or requires admin privileges"))
		return
	}

	user := caller
	if target != caller.UID {
		user = a.deps.Roles.GetUserContext(ctx, target)
	}
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       false,
			"hasPermission": false,
			"error":         "User not found",
		})
		return
	}
	allowed := a.deps.Roles.HasPermission(user.Role, req.Resource, req.Action)
	if allowed && req.OrganizationID != "" &&
		(user.Role == auth.RoleOrgAdmin || user.Role == auth.RoleInstructor) &&
		user.OrganizationID != req.OrganizationID {
		allowed = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"hasPermission": allowed,
		"userRole":      user.Role,
		"resource":      req.Resource,
		"action":        req.Action,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, err := a.deps.Guard.VerifyAuth(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := a.deps.Roles.GetUserContext(ctx, uid)
	if user == nil {
		handleError(w, r, auth.NotFound("User context not found"))
		return
	}
	hierarchy := make(map[auth.Role]int, len(auth.Roles()))
	for _, role := range auth.Roles() {
		hierarchy[role] = auth.RoleLevel(role)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"user":          viewOf(user),
		"permissions":   auth.SerializePermissions(user.Permissions),
		"roleHierarchy": hierarchy,
	})
}
