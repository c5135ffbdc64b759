package httpapi

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/guard"
)

const (
	defaultClaimsAuditLimit = 50
	defaultCleanupMaxAge    = 7 * 24 * time.Hour
)

type claimsPatch struct {
	Role           *string        `json:"role" validate:"omitempty,oneof=student instructor org_admin admin"`
	OrganizationID *string        `json:"organizationId" validate:"omitempty,max=128"`
	DepartmentID   *string        `json:"departmentId" validate:"omitempty,max=128"`
	Permissions    []string       `json:"permissions" validate:"omitempty,dive,contains=:"`
	Extra          map[string]any `json:"extra"`
}

func (p claimsPatch) update() auth.ClaimsUpdate {
	u := auth.ClaimsUpdate{
		OrganizationID: p.OrganizationID,
		DepartmentID:   p.DepartmentID,
		Permissions:    p.Permissions,
		Extra:          p.Extra,
	}
	if p.Role != nil {
		role := auth.Role(*p.Role)
		u.Role = &role
	}
	return u
}

type removeClaimsRequest struct {
	Claims []string `json:"claims" validate:"required,min=1,dive,required"`
}

type batchClaimsItem struct {
	UserID string      `json:"userId" validate:"required"`
	Claims claimsPatch `json:"claims"`
}

type batchClaimsRequest struct {
	Updates []batchClaimsItem `json:"updates" validate:"required,min=1,max=100,dive"`
}

type cleanupRequest struct {
	MaxAgeHours int `json:"maxAgeHours" validate:"omitempty,min=1,max=720"`
}

// selfOrAdmin resolves the caller and allows access to target when it is the
// caller or the caller administers users.
func (a *API) selfOrAdmin(w http.ResponseWriter, r *http.Request, target, denial string) (*auth.UserContext, bool) {
	caller, err := a.deps.Guard.CheckAuth(r.Context(), guard.Requirements{})
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	if caller.UID != target && !caller.HasAnyRole(roleAdmins...) {
		handleError(w, r, auth.PermissionDenied("%s", denial))
		return nil, false
	}
	return caller, true
}

func (a *API) handleGetClaims(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("uid")
	if _, ok := a.selfOrAdmin(w, r, target, "Can only view own claims or requires admin privileges"); !ok {
		return
	}
	claims := a.deps.Claims.GetCustomClaims(r.Context(), target)
	body := map[string]any{
		"success":         true,
		"userId":          target,
		"hasCustomClaims": claims != nil,
		"claims":          map[string]any{},
	}
	if claims != nil {
		body["claims"] = claims
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleUpdateClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: roleAdmins})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.rateLimit(w, r, acting.UID, actionUpdateClaims) {
		return
	}
	var patch claimsPatch
	if !a.bind(w, r, &patch) {
		return
	}
	if acting.Role == auth.RoleOrgAdmin {
		if patch.OrganizationID != nil && *patch.OrganizationID != "" && *patch.OrganizationID != acting.OrganizationID {
			handleError(w, r, auth.PermissionDenied("Can only update claims within your university"))
			return
		}
		if patch.Role != nil && slices.Contains(roleAdmins, auth.Role(*patch.Role)) {
			handleError(w, r, auth.PermissionDenied("Cannot assign admin roles"))
			return
		}
	}

	target := r.PathValue("uid")
	claims, err := a.deps.Claims.SetCustomClaims(ctx, target, patch.update(), acting.UID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, auth.EventClaimsUpdated, map[string]any{
		"targetUserId": target,
		"updatedBy":    acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Custom claims updated successfully",
		"userId":  target,
		"claims":  claims,
	})
}

func (a *API) handleRemoveClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req removeClaimsRequest
	if !a.bind(w, r, &req) {
		return
	}
	target := r.PathValue("uid")
	claims, err := a.deps.Claims.RemoveCustomClaims(ctx, target, req.Claims, acting.UID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, auth.EventClaimsRemoved, map[string]any{
		"targetUserId":  target,
		"removedClaims": req.Claims,
		"removedBy":     acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       "Custom claims removed successfully",
		"userId":        target,
		"removedClaims": req.Claims,
		"claims":        claims,
	})
}

func (a *API) handleRefreshClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	target := r.PathValue("uid")
	caller, ok := a.selfOrAdmin(w, r, target, "Can only refresh own claims or requires admin privileges")
	if !ok {
		return
	}
	if !a.rateLimit(w, r, caller.UID, actionRefresh) {
		return
	}
	claims, err := a.deps.Claims.RefreshUserClaims(ctx, target)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, auth.EventClaimsRefreshed, map[string]any{
		"targetUserId": target,
		"refreshedBy":  caller.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Custom claims refreshed successfully",
		"userId":  target,
		"claims":  claims,
	})
}

func (a *API) handleClaimsConsistency(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("uid")
	if _, ok := a.selfOrAdmin(w, r, target, "Can only validate own claims or requires admin privileges"); !ok {
		return
	}
	report := a.deps.Claims.ValidateClaimsConsistency(r.Context(), target)
	if report.Issues == nil {
		report.Issues = []string{}
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"userId":     target,
		"validation": report,
	})
}

func (a *API) handleClaimsAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := a.deps.Guard.CheckAuth(r.Context(), guard.Requirements{Roles: roleAdmins}); err != nil {
		handleError(w, r, err)
		return
	}
	limit, err := parseBoundedInt("limit", r.URL.Query().Get("limit"), defaultClaimsAuditLimit, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := r.PathValue("uid")
	entries := a.deps.Claims.GetClaimsAuditLog(r.Context(), target, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"userId":   target,
		"auditLog": entries,
		"total":    len(entries),
	})
}

func (a *API) handleBatchClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.adminIP(w, r) || !a.rateLimit(w, r, acting.UID, actionBatch) {
		return
	}
	var req batchClaimsRequest
	if !a.bind(w, r, &req) {
		return
	}
	items := make([]auth.ClaimsBatchItem, len(req.Updates))
	for i, u := range req.Updates {
		items[i] = auth.ClaimsBatchItem{UID: strings.TrimSpace(u.UserID), Claims: u.Claims.update()}
	}
	result := a.deps.Claims.BatchUpdateClaims(ctx, items, acting.UID)
	a.deps.Guard.LogSecurityEvent(ctx, "batch_claims_update", map[string]any{
		"updatesCount": len(items),
		"successCount": result.Success,
		"failedCount":  result.Failed,
		"performedBy":  acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": map[string]any{
			"totalRequested": len(items),
			"successful":     result.Success,
			"failed":         result.Failed,
			"errors":         result.Errors,
		},
	})
}

func (a *API) handleCleanupClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acting, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !a.adminIP(w, r) {
		return
	}
	var req cleanupRequest
	if r.ContentLength != 0 && !a.bind(w, r, &req) {
		return
	}
	maxAge := defaultCleanupMaxAge
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}
	result, err := a.deps.Claims.CleanupExpiredClaims(ctx, maxAge)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.deps.Guard.LogSecurityEvent(ctx, "claims_cleanup", map[string]any{
		"processed":   result.Processed,
		"updated":     result.Updated,
		"errors":      result.Errors,
		"maxAgeHours": int(maxAge / time.Hour),
		"performedBy": acting.UID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Claims cleanup completed",
		"results": result,
	})
}
