package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	applied, err := Migrate(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_project_snapshots.sql"}, applied)

	applied, err = Migrate(context.Background(), conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM project_snapshots`).Scan(&n))
	assert.Zero(t, n)
}
