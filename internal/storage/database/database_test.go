package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteRunsMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "agents.db")

	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Driver: DriverSQLite, DSN: path})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 1, count, "reopening must not reapply migrations")
}

func TestDuplicateKeyDetection(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO agents (id, address, signing_material, sealed, network, created_at, updated_at) VALUES (?, ?, ?, 0, ?, 1, 1)`
	_, err = db.ExecContext(ctx, insert, "alice", "0x01", "k", "testnet")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "alice", "0x02", "k", "mainnet")
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	assert.True(t, IsDuplicateKey(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicateKey(&mysql.MySQLError{Number: 1045}))
	assert.False(t, IsDuplicateKey(nil))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverSQLite})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "postgres", DSN: "x"})
	require.Error(t, err)
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT); CREATE INDEX ia ON a (id);")},
		"README.md":  {Data: []byte("ignored")},
		"0003_e.sql": {Data: []byte("  ;  ")},
	}
	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001", files[0].version)
	assert.Len(t, files[0].statements, 2)
	assert.Equal(t, "0002", files[1].version)
}
