//go:build integration

package ledger

import (
	"testing"

	"github.com/mbd888/slicepay/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}
