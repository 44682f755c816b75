// Package storetest provides migrated per-test stores on a shared Postgres
// container.
package storetest

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doomscroll/backend/indexer/pkg/store"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

// New creates a fresh database on db, migrates it and returns a store over it.
func New(t *testing.T, db *doomtesting.PostgresDB) *store.Store {
	t.Helper()
	return NewWithMaxConns(t, db, 0)
}

// NewWithMaxConns is New with the pool capped at maxConns connections. Zero
// keeps the pgxpool default.
func NewWithMaxConns(t *testing.T, db *doomtesting.PostgresDB, maxConns int) *store.Store {
	t.Helper()

	connStr := doomtesting.NewDatabase(t, db)
	require.NoError(t, store.Migrate(t.Context(), doomtesting.NewLogger(), connStr))

	if maxConns > 0 {
		u, err := url.Parse(connStr)
		require.NoError(t, err)
		q := u.Query()
		q.Set("pool_max_conns", strconv.Itoa(maxConns))
		u.RawQuery = q.Encode()
		connStr = u.String()
	}

	s, err := store.New(store.Config{
		Logger: doomtesting.NewLogger(),
		Pool:   doomtesting.NewPool(t, connStr),
	})
	require.NoError(t, err)
	return s
}
