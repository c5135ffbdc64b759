package httpapi

import (
	"net/http"
	"strings"
	"time"

	"coursegate.org/internal/audit"
)

type tokenRequest struct {
	UID string `json:"uid" validate:"required,max=128"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken mints an identity token carrying the user's current claims.
// It stands in for the external identity provider in development.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.deps.Identities == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	var req tokenRequest
	if !a.bind(w, r, &req) {
		return
	}
	identity, err := a.deps.Identities.GetUser(r.Context(), strings.TrimSpace(req.UID))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if identity.Disabled {
		writeError(w, r, http.StatusForbidden, "user is disabled")
		return
	}
	token, expiresAt, err := a.deps.Tokens.Issue(identity)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"uid":        identity.UID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
