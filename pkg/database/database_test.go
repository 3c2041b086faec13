package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", config.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, "./data/chatbridge.db", config.DatabasePath)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.NoError(t, config.Validate())
	assert.Contains(t, config.DSN(), "_foreign_keys=on")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplySQLiteOptimizations(db))

	manager := NewMigrationManager(db)
	require.NoError(t, manager.ApplyMigrations())

	// second run is a no-op
	require.NoError(t, manager.ApplyMigrations())

	versions, err := manager.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)

	assert.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrationManager_OrdersByVersion(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"migrations/002_add_index.sql": {Data: []byte("CREATE INDEX idx_things_name ON things(name);")},
		"migrations/001_things.sql":    {Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY, name TEXT);")},
		"migrations/README.md":         {Data: []byte("ignored")},
	}

	manager := NewMigrationManagerFS(db, source)
	require.NoError(t, manager.ApplyMigrations())

	versions, err := manager.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"migrations/001_broken.sql": {Data: []byte("CREATE TABLE ok (id TEXT); CREATE TABLE broken (")},
	}

	manager := NewMigrationManagerFS(db, source)
	assert.Error(t, manager.ApplyMigrations())

	versions, err := manager.AppliedVersions()
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestSchemaValidator_MissingTable(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec("CREATE TABLE users (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateTablesExist()
	assert.ErrorContains(t, err, "does not exist")
}

func TestSchema_ForeignKeysEnforced(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplySQLiteOptimizations(db))
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())

	_, err := db.Exec(`INSERT INTO messages (id, chat_id, user_id, content, created_at)
		VALUES ('m1', 'missing-chat', 'missing-user', 'hi', CURRENT_TIMESTAMP)`)
	assert.Error(t, err)

	_, err = db.Exec(`INSERT INTO chats (id, name, type) VALUES ('c1', 'x', 'channel')`)
	assert.Error(t, err, "chat type is constrained")
}
