package auth

import "context"

// Allowed reports whether any role in ctx grants perm.
func Allowed(ctx context.Context, perm string) bool {
	for _, role := range RolesFromContext(ctx) {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Authorize returns ErrForbidden unless ctx carries perm.
func Authorize(ctx context.Context, perm string) error {
	if !Allowed(ctx, perm) {
		return ErrForbidden
	}
	return nil
}
