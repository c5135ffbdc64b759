package httpapi

import (
	"net/http"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/guard"
)

const defaultSecurityLogLimit = 50

func (a *API) handleSecurityLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := a.deps.Guard.CheckAuth(ctx, guard.Requirements{Roles: []auth.Role{auth.RoleAdmin}}); err != nil {
		handleError(w, r, err)
		return
	}
	if !a.adminIP(w, r) {
		return
	}
	if a.deps.Audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	q := r.URL.Query()
	limit, err := parseBoundedInt("limit", q.Get("limit"), defaultSecurityLogLimit, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	category := q.Get("category")
	if category == "" {
		category = auth.AuditCategorySecurity
	}
	entries, err := a.deps.Audit.List(ctx, auth.AuditFilter{
		Category: category,
		Event:    q.Get("event"),
		ActorUID: q.Get("userId"),
		Limit:    limit,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []auth.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    entries,
		"total":   len(entries),
		"hasMore": len(entries) == limit,
	})
}
