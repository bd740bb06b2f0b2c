// Package pgtest connects integration tests to a scratch PostgreSQL database
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/migrations"
	"github.com/stretchr/testify/require"
)

// DSNEnv names the variable holding the lib/pq connection string
const DSNEnv = "MEDIA_TEST_POSTGRES_DSN"

// migrateLock keeps test binaries of different packages from migrating at
// the same time
const migrateLock = 7345001

// Open connects to the database named by MEDIA_TEST_POSTGRES_DSN, applies the
// migrations and empties tables. The test is skipped when the variable is
// unset.
func Open(t testing.TB, tables ...string) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set", DSNEnv)
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrateLock)
	require.NoError(t, err)
	migrateErr := migrations.Up(db.DB)
	_, err = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, migrateLock)
	require.NoError(t, migrateErr)
	require.NoError(t, err)

	for _, table := range tables {
		_, err := db.ExecContext(ctx, `TRUNCATE `+table)
		require.NoError(t, err)
	}
	return db
}
