package auth

import (
	"fmt"
	"strings"
)

const wildcard = "*"

var registry = map[Role][]Permission{
	RoleStudent: {
		{Resource: "courses", Actions: []string{"read", "enroll"}},
		{Resource: "lessons", Actions: []string{"read"}},
		{Resource: "quizzes", Actions: []string{"read", "submit"}},
		{Resource: "profile", Actions: []string{"read", "update"}},
		{Resource: "certificates", Actions: []string{"read"}},
		{Resource: "progress", Actions: []string{"read", "update"}},
		{Resource: "enrollments", Actions: []string{"read", "create"}},
		{Resource: "reviews", Actions: []string{"read", "create"}},
		{Resource: "wishlist", Actions: []string{"read", "create", "delete"}},
	},
	RoleInstructor: {
		{Resource: "courses", Actions: []string{"read", "create", "update", "delete"}},
		{Resource: "lessons", Actions: []string{"read", "create", "update", "delete"}},
		{Resource: "quizzes", Actions: []string{"read", "create", "update", "delete"}},
		{Resource: "students", Actions: []string{"read"}},
		{Resource: "analytics", Actions: []string{"read"}},
		{Resource: "profile", Actions: []string{"read", "update"}},
		{Resource: "enrollments", Actions: []string{"read"}},
		{Resource: "progress", Actions: []string{"read"}},
		{Resource: "certificates", Actions: []string{"read", "create"}},
		{Resource: "reviews", Actions: []string{"read"}},
		{Resource: "modules", Actions: []string{"read", "create", "update", "delete"}},
		{Resource: "objectives", Actions: []string{"read", "create", "update", "delete"}},
	},
	RoleOrgAdmin: {
		{Resource: "university", Actions: []string{"read", "update"}},
		{Resource: "departments", Actions: []string{"read", "create", "update", "delete"}},
		{Resource: "instructors", Actions: []string{"read", "create", "update"}},
		{Resource: "courses", Actions: []string{"read", "approve", "update"}},
		{Resource: "students", Actions: []string{"read", "create", "update"}},
		{Resource: "reports", Actions: []string{"read", "create"}},
		{Resource: "analytics", Actions: []string{"read"}},
		{Resource: "enrollments", Actions: []string{"read", "create", "update"}},
		{Resource: "certificates", Actions: []string{"read"}},
		{Resource: "categories", Actions: []string{"read", "create", "update"}},
		{Resource: "profile", Actions: []string{"read", "update"}},
	},
	RoleAdmin: {
		{Resource: wildcard, Actions: []string{wildcard}},
	},
}

var levels = map[Role]int{
	RoleStudent:    1,
	RoleInstructor: 2,
	RoleOrgAdmin:   3,
	RoleAdmin:      4,
}

// Roles lists every known role from least to most privileged.
func Roles() []Role {
	return []Role{RoleStudent, RoleInstructor, RoleOrgAdmin, RoleAdmin}
}

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	_, ok := registry[r]
	return ok
}

func (r Role) String() string { return string(r) }

// ParseRole converts user input into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return role, nil
}

// RolePermissions returns the permissions registered for role. An unknown role
// is a programming error and panics.
func RolePermissions(role Role) []Permission {
	perms, ok := registry[role]
	if !ok {
		panic(fmt.Sprintf("auth: unknown role %q", role))
	}
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = Permission{Resource: p.Resource, Actions: append([]string(nil), p.Actions...)}
	}
	return out
}

// RoleLevel returns the privilege rank of role; unknown roles rank 0.
func RoleLevel(role Role) int {
	return levels[role]
}

// HasHigherPrivilege reports whether a outranks b.
func HasHigherPrivilege(a, b Role) bool {
	return RoleLevel(a) > RoleLevel(b)
}

// SerializePermissions encodes permissions as "resource:action1,action2".
func SerializePermissions(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Resource+":"+strings.Join(p.Actions, ","))
	}
	return out
}

// ParsePermission decodes a "resource:action1,action2" string.
func ParsePermission(raw string) (Permission, error) {
	resource, actions, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || resource == "" || actions == "" {
		return Permission{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, raw)
	}
	return Permission{Resource: resource, Actions: strings.Split(actions, ",")}, nil
}
