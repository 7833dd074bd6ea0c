package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name           string
		roles          []string
		permission     Permission
		expectedResult bool
	}{
		{
			name:           "admin can remove sessions",
			roles:          []string{RoleAdmin},
			permission:     PermSessionsRemove,
			expectedResult: true,
		},
		{
			name:           "admin can read sessions",
			roles:          []string{RoleAdmin},
			permission:     PermSessionsRead,
			expectedResult: true,
		},
		{
			name:           "auditor can read sessions",
			roles:          []string{RoleAuditor},
			permission:     PermSessionsRead,
			expectedResult: true,
		},
		{
			name:           "auditor cannot remove sessions",
			roles:          []string{RoleAuditor},
			permission:     PermSessionsRemove,
			expectedResult: false,
		},
		{
			name:           "login can manage tickets",
			roles:          []string{RoleLogin},
			permission:     PermTicketsManage,
			expectedResult: true,
		},
		{
			name:           "login cannot read sessions",
			roles:          []string{RoleLogin},
			permission:     PermSessionsRead,
			expectedResult: false,
		},
		{
			name:           "roles combine",
			roles:          []string{RoleLogin, RoleAuditor},
			permission:     PermSessionsRead,
			expectedResult: true,
		},
		{
			name:           "unknown role",
			roles:          []string{"intern"},
			permission:     PermSessionsRead,
			expectedResult: false,
		},
		{
			name:           "no roles",
			roles:          nil,
			permission:     PermTicketsManage,
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedResult, HasPermission(tt.roles, tt.permission))
		})
	}
}

func TestRequirePermission(t *testing.T) {
	t.Run("no principal", func(t *testing.T) {
		err := RequirePermission(context.Background(), PermSessionsRead)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("denied", func(t *testing.T) {
		ctx := WithPrincipal(context.Background(), &Principal{Subject: "bob", Roles: []string{RoleAuditor}})
		err := RequirePermission(ctx, PermSessionsRemove)
		require.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("allowed", func(t *testing.T) {
		ctx := WithPrincipal(context.Background(), &Principal{Subject: "bob", Roles: []string{RoleAdmin}})
		require.NoError(t, RequirePermission(ctx, PermSessionsRemove))
	})
}

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Require(PermSessionsRemove, ok)

	tests := []struct {
		name       string
		principal  *Principal
		wantStatus int
	}{
		{name: "anonymous", principal: nil, wantStatus: http.StatusUnauthorized},
		{name: "auditor", principal: &Principal{Subject: "a", Roles: []string{RoleAuditor}}, wantStatus: http.StatusForbidden},
		{name: "admin", principal: &Principal{Subject: "a", Roles: []string{RoleAdmin}}, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/remove", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
