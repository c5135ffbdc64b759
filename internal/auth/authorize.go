package auth

import "slices"

// HasPermission reports whether role may perform action on resource.
func HasPermission(role Role, resource, action string) bool {
	if !role.Valid() {
		return false
	}
	return permits(registry[role], resource, action)
}

// HasPermission reports whether the user context grants action on resource.
func (u UserContext) HasPermission(resource, action string) bool {
	return permits(u.Permissions, resource, action)
}

// HasAnyRole reports whether the user holds one of roles.
func (u UserContext) HasAnyRole(roles ...Role) bool {
	return slices.Contains(roles, u.Role)
}

func permits(perms []Permission, resource, action string) bool {
	for _, p := range perms {
		if p.Resource != wildcard && p.Resource != resource {
			continue
		}
		if slices.Contains(p.Actions, wildcard) || slices.Contains(p.Actions, action) {
			return true
		}
	}
	return false
}
