package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/rs/zerolog/log"
)

// Permission represents an authorized action
type Permission string

const (
	PermTicketsManage  Permission = "tickets:manage"
	PermSessionsRead   Permission = "sessions:read"
	PermSessionsRemove Permission = "sessions:remove"
)

// Roles carried in operator tokens.
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleLogin   = "login"
)

var (
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

// RolePermissions maps roles to allowed permissions
var RolePermissions = map[string][]Permission{
	RoleAdmin: {
		PermTicketsManage,
		PermSessionsRead,
		PermSessionsRemove,
	},
	RoleAuditor: {
		PermSessionsRead,
	},
	// the login front end persists and resolves tickets only
	RoleLogin: {
		PermTicketsManage,
	},
}

// HasPermission checks if any of the roles grants a specific permission
func HasPermission(roles []string, perm Permission) bool {
	for _, role := range roles {
		if slices.Contains(RolePermissions[role], perm) {
			return true
		}
	}
	return false
}

// RequirePermission checks authorization and returns an error if not authorized
func RequirePermission(ctx context.Context, perm Permission) error {
	principal := PrincipalFromContext(ctx)
	if principal == nil {
		return ErrUnauthenticated
	}

	if !HasPermission(principal.Roles, perm) {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, principal.Subject, perm)
	}

	return nil
}

// Require wraps a handler with a permission check.
func Require(perm Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := RequirePermission(r.Context(), perm)
		switch {
		case errors.Is(err, ErrUnauthenticated):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		case err != nil:
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("request denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
