package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sessiond/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{
			name:   "session key conflict",
			err:    &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "sessions_pkey"},
			target: store.ErrSessionAlreadyExists,
		},
		{
			name:   "subject session conflict",
			err:    &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idx_sessions_subject_session"},
			target: store.ErrSessionAlreadyExists,
		},
		{
			name:   "connection failure",
			err:    &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			target: store.ErrStoreUnavailable,
		},
		{
			name:   "admin shutdown",
			err:    &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			target: store.ErrStoreUnavailable,
		},
		{
			name:   "too many connections",
			err:    &pgconn.PgError{Code: pgerrcode.TooManyConnections},
			target: store.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, mapPostgresError(tt.err), tt.target)
		})
	}

	t.Run("nil", func(t *testing.T) {
		require.NoError(t, mapPostgresError(nil))
	})

	t.Run("non postgres error passes through", func(t *testing.T) {
		err := errors.New("boom")
		require.Equal(t, err, mapPostgresError(err))
	})

	t.Run("wrapError keeps sentinel unwrapped", func(t *testing.T) {
		err := wrapError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "sessions_pkey"}, "failed to add session")
		require.Equal(t, store.ErrSessionAlreadyExists, err)
	})

	t.Run("wrapError prefixes message", func(t *testing.T) {
		err := wrapError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure}, "failed to get session")
		require.ErrorIs(t, err, store.ErrStoreUnavailable)
		require.Contains(t, err.Error(), "failed to get session")
	})
}
