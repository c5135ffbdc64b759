package auth

import (
	"errors"
	"testing"
)

func TestHasPermissionListedPairs(t *testing.T) {
	for _, role := range Roles() {
		for _, perm := range RolePermissions(role) {
			for _, action := range perm.Actions {
				if !HasPermission(role, perm.Resource, action) {
					t.Fatalf("%s: expected %s on %s", role, action, perm.Resource)
				}
			}
		}
	}
}

func TestHasPermissionDenied(t *testing.T) {
	cases := []struct {
		role     Role
		resource string
		action   string
	}{
		{RoleStudent, "courses", "delete"},
		{RoleStudent, "analytics", "read"},
		{RoleInstructor, "courses", "approve"},
		{RoleOrgAdmin, "modules", "read"},
		{Role("guest"), "courses", "read"},
	}
	for _, tc := range cases {
		if HasPermission(tc.role, tc.resource, tc.action) {
			t.Fatalf("%s: unexpected %s on %s", tc.role, tc.action, tc.resource)
		}
	}
}

func TestHasPermissionWildcards(t *testing.T) {
	if !HasPermission(RoleAdmin, "anything", "whatever") {
		t.Fatalf("admin should match any resource and action")
	}

	uc := UserContext{Permissions: []Permission{{Resource: "courses", Actions: []string{"*"}}}}
	if !uc.HasPermission("courses", "archive") {
		t.Fatalf("action wildcard should match any action")
	}
	if uc.HasPermission("lessons", "read") {
		t.Fatalf("action wildcard must not widen the resource")
	}

	uc = UserContext{Permissions: []Permission{{Resource: "*", Actions: []string{"read"}}}}
	if !uc.HasPermission("reports", "read") {
		t.Fatalf("resource wildcard should match any resource")
	}
	if uc.HasPermission("reports", "delete") {
		t.Fatalf("resource wildcard must not widen actions")
	}
}

func TestRolePermissionsUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown role")
		}
	}()
	RolePermissions(Role("guest"))
}

func TestRolePermissionsReturnsCopy(t *testing.T) {
	perms := RolePermissions(RoleStudent)
	perms[0].Actions[0] = "delete"
	if HasPermission(RoleStudent, "courses", "delete") {
		t.Fatalf("registry mutated through returned slice")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Org_Admin ")
	if err != nil || role != RoleOrgAdmin {
		t.Fatalf("ParseRole: %v %q", err, role)
	}
	if _, err := ParseRole("owner"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRoleHierarchy(t *testing.T) {
	if !HasHigherPrivilege(RoleAdmin, RoleOrgAdmin) || !HasHigherPrivilege(RoleInstructor, RoleStudent) {
		t.Fatalf("unexpected hierarchy")
	}
	if HasHigherPrivilege(RoleStudent, RoleStudent) {
		t.Fatalf("a role does not outrank itself")
	}
	if RoleLevel(Role("guest")) != 0 {
		t.Fatalf("unknown roles rank 0")
	}
}

func TestCanChangeRole(t *testing.T) {
	if !CanChangeRole(RoleAdmin, RoleAdmin) {
		t.Fatalf("admin may assign any role")
	}
	if !CanChangeRole(RoleOrgAdmin, RoleInstructor) || CanChangeRole(RoleOrgAdmin, RoleOrgAdmin) {
		t.Fatalf("org admin limited to student and instructor")
	}
	if CanChangeRole(RoleInstructor, RoleStudent) {
		t.Fatalf("instructors may not assign roles")
	}
}

func TestPermissionEncoding(t *testing.T) {
	encoded := SerializePermissions([]Permission{{Resource: "courses", Actions: []string{"read", "create"}}})
	if len(encoded) != 1 || encoded[0] != "courses:read,create" {
		t.Fatalf("unexpected encoding %v", encoded)
	}
	perm, err := ParsePermission(encoded[0])
	if err != nil {
		t.Fatalf("ParsePermission: %v", err)
	}
	if perm.Resource != "courses" || len(perm.Actions) != 2 || perm.Actions[1] != "create" {
		t.Fatalf("unexpected permission %+v", perm)
	}
	if _, err := ParsePermission("courses"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected malformed permission error, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := PermissionDenied("Required role: %s, current role: %s", RoleAdmin, RoleStudent)
	if err.Error() != "Required role: admin, current role: student" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unexpected kind for %v", err)
	}
	if !errors.Is(RateLimited("slow down"), ErrRateLimited) {
		t.Fatalf("rate limited kind lost")
	}
}
