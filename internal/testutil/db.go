package testutil

import (
	"context"
	"fmt"
	"strings"

	"eventflow/internal/config"
	"eventflow/internal/platform/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// TB is the part of a test handle the helpers use. *testing.T and *rapid.T both
// satisfy it.
type TB interface {
	Helper()
	Name() string
	Cleanup(func())
	Errorf(format string, args ...any)
	FailNow()
}

// NewDB opens a private in-memory SQLite database, migrates models into it and
// closes it when the test completes.
func NewDB(t TB, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", name, uuid.NewString())

	gdb, err := db.Open(context.Background(), config.DialectSQLite, dsn)
	require.NoError(t, err, "open test database")
	t.Cleanup(func() { _ = db.Close(gdb) })

	if len(models) > 0 {
		require.NoError(t, db.Migrate(gdb, models...), "migrate test database")
	}
	return gdb
}

// Count returns the number of rows of model matching the optional where clause.
func Count(t TB, gdb *gorm.DB, model any, where ...any) int64 {
	t.Helper()
	var n int64
	q := gdb.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
