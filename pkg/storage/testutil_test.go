package storage

import (
	"context"
	"testing"

	"courier/pkg/types"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func newTestUser(t *testing.T, store *Store, nickname string) *types.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), nickname, "private-pem", "public-pem")
	require.NoError(t, err)
	return user
}
