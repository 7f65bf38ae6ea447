package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "relay.db"),
		Logger: testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrate_FreshDB(t *testing.T) {
	s := newTestStore(t)

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
	assert.Equal(t, schemaVersion, LatestSchemaVersion())
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestMigrate_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	s, err := Open(ctx, Config{Driver: "sqlite", DSN: path, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, s.UpsertTenant(ctx, tenantFixture()))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: "sqlite", DSN: path, Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM tenants").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrate_ProviderColumnExists(t *testing.T) {
	s := newTestStore(t)
	_, err := s.db.Exec("SELECT provider_id FROM agents LIMIT 1")
	require.NoError(t, err)
}

func TestDDL_PerDialect(t *testing.T) {
	sqlite := &Store{dialect: SQLite}
	pg := &Store{dialect: Postgres}

	stmt := "id {{serial}}, at {{ts}}, t {{real}}, ok {{bool}} DEFAULT {{true}}"
	assert.Equal(t, "id INTEGER PRIMARY KEY AUTOINCREMENT, at DATETIME, t REAL, ok INTEGER DEFAULT 1", sqlite.ddl(stmt))
	assert.Equal(t, "id BIGSERIAL PRIMARY KEY, at TIMESTAMPTZ, t DOUBLE PRECISION, ok BOOLEAN DEFAULT TRUE", pg.ddl(stmt))
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM m WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT * FROM m WHERE a = ? AND b IN (?, ?)"))

	sqlite := &Store{dialect: SQLite}
	assert.Equal(t, "a = ?", sqlite.rebind("a = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
}
