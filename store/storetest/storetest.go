// Package storetest opens migrated in-memory SQLite stores for tests.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/mohans/tallyx/store"
	_ "modernc.org/sqlite"
)

// Open returns a store backed by a private shared-cache memory database with
// foreign keys enforced. The database is closed when the test ends.
func Open(t testing.TB) *store.SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	s := store.NewSQLStore(db, store.DialectSQLite)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return s
}
