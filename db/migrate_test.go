package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "ai_model_usage", "vectors"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Len(t, versions, len(names))
	assert.Equal(t, "000", versions[0])
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	names, _ := migrationNames()
	assert.Equal(t, len(names), n)
}

func TestMigrate_VectorDistance(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	var d float64
	err = db.QueryRow("SELECT vec_distance_cosine(vec_f32('[1, 0]'), vec_f32('[1, 0]'))").Scan(&d)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-6)
}
