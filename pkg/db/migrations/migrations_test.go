package migrations_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jingkaihe/skillet/pkg/db"
	"github.com/jingkaihe/skillet/pkg/db/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenMigrated(ctx, filepath.Join(t.TempDir(), "history.db"), migrations.All())
	require.NoError(t, err)
	defer conn.Close()

	var tables []string
	require.NoError(t, conn.Select(&tables, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name LIKE 'skill_%'
		ORDER BY name
	`))
	assert.Equal(t, []string{"skill_events", "skill_executions"}, tables)

	runner := db.NewMigrationRunner(conn)
	for range migrations.All() {
		require.NoError(t, runner.Rollback(ctx, migrations.All()))
	}

	versions, err := runner.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)
}
