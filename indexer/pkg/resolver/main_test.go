package resolver

import (
	"context"
	"os"
	"testing"

	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/store/storetest"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

var sharedDB *doomtesting.PostgresDB

func TestMain(m *testing.M) {
	log := doomtesting.NewLogger()
	var err error
	sharedDB, err = doomtesting.NewPostgresDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testStore(t *testing.T) *store.Store {
	return storetest.New(t, sharedDB)
}
