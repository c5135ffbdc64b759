package auth

import (
	"time"
)

// Role is an authorization tier. Roles are stored as flat tags.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleOrgAdmin   Role = "org_admin"
	RoleAdmin      Role = "admin"
)

// Permission grants actions on a resource. "*" matches anything in either field.
type Permission struct {
	Resource string   `json:"resource"`
	Actions  []string `json:"actions"`
}

// Scope is the organizational boundary attached to a role assignment.
type Scope struct {
	OrganizationID string `json:"organizationId,omitempty"`
	DepartmentID   string `json:"departmentId,omitempty"`
}

// UserContext is the resolved authorization identity of a user for a single operation.
type UserContext struct {
	UID            string       `json:"uid"`
	Role           Role         `json:"role"`
	OrganizationID string       `json:"organizationId,omitempty"`
	DepartmentID   string       `json:"departmentId,omitempty"`
	Email          string       `json:"email,omitempty"`
	Permissions    []Permission `json:"permissions"`
	EmailVerified  bool         `json:"emailVerified"`
}

// Scope returns the organizational scope of the user.
func (u UserContext) Scope() Scope {
	return Scope{OrganizationID: u.OrganizationID, DepartmentID: u.DepartmentID}
}

// CustomClaims mirrors a subset of UserContext inside identity tokens.
// Permissions use the compact "resource:action1,action2" form to keep token payloads small.
type CustomClaims struct {
	Role           Role           `json:"role,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	DepartmentID   string         `json:"departmentId,omitempty"`
	Permissions    []string       `json:"permissions,omitempty"`
	LastUpdated    int64          `json:"lastUpdated,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of the claims.
func (c CustomClaims) Clone() CustomClaims {
	out := c
	if c.Permissions != nil {
		out.Permissions = append([]string(nil), c.Permissions...)
	}
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// UpdatedAt converts LastUpdated to a time value.
func (c CustomClaims) UpdatedAt() time.Time {
	if c.LastUpdated == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.LastUpdated).UTC()
}

// RoleRecord is the canonical role assignment stored on the user document.
type RoleRecord struct {
	Role           Role      `json:"role"`
	OrganizationID string    `json:"organizationId,omitempty"`
	DepartmentID   string    `json:"departmentId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UpdatedBy      string    `json:"updatedBy"`
}

// Identity is a user as known to the identity-token backend.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Disabled      bool
	Claims        *CustomClaims
	CreatedAt     time.Time
}

// UserDocument is the persistent user document holding the canonical record
// and the mirrored claims.
type UserDocument struct {
	UID             string
	Record          *RoleRecord
	CustomClaims    *CustomClaims
	ClaimsUpdatedAt time.Time
	ClaimsUpdatedBy string
}

// Audit categories.
const (
	AuditCategorySecurity = "security"
	AuditCategoryClaims   = "claims"
	AuditCategoryRole     = "role"
)

// AuditEntry is an append-only record of a security-relevant action.
type AuditEntry struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Event     string         `json:"event"`
	ActorUID  string         `json:"actorUid,omitempty"`
	TargetUID string         `json:"targetUid,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details"`
}

// AuditFilter narrows audit log reads. Zero values match everything.
type AuditFilter struct {
	Category  string
	Event     string
	TargetUID string
	ActorUID  string
	Limit     int
}
