package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"crewdeck/internal/db"
	"crewdeck/internal/domain"
	"crewdeck/internal/migrate"
)

func sampleSnapshot(id string, created time.Time) domain.Snapshot {
	agent := domain.NewAgent(domain.RosterEntry{ID: "pm", Name: "Project Manager"}, created)
	return domain.Snapshot{
		Project: domain.Project{
			ID:            id,
			Name:          "Demo " + id,
			Type:          "web",
			RootPath:      "/tmp/" + id,
			CreatedAt:     created,
			UpdatedAt:     created,
			RunStatus:     domain.RunCompleted,
			LastRunAt:     domain.Ptr(created.Add(time.Minute)),
			LastRunResult: domain.Ptr("ok"),
		},
		Agents: []domain.Agent{agent},
		Tasks: []domain.Task{{
			ID: "t1", AgentID: "pm", Description: "plan", Status: domain.TaskCompleted,
			CreatedAt: created, TokensUsed: 42,
		}},
		Logs:       []domain.LogEntry{{ID: "l1", AgentID: "pm", Timestamp: created, Message: "hello"}},
		TokenUsage: map[string]int64{"pm": 10},
	}
}

func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleSnapshot("bbb", base.Add(time.Hour))))
	require.NoError(t, s.Save(ctx, sampleSnapshot("aaa", base)))

	updated := sampleSnapshot("aaa", base)
	updated.Project.Name = "Renamed"
	require.NoError(t, s.Save(ctx, updated))

	snaps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "aaa", snaps[0].Project.ID)
	assert.Equal(t, "Renamed", snaps[0].Project.Name)
	assert.Equal(t, "bbb", snaps[1].Project.ID)
	assert.Equal(t, "ok", domain.Deref(snaps[1].Project.LastRunResult))
	assert.True(t, snaps[1].Project.LastRunAt.Equal(base.Add(time.Hour+time.Minute)))
	assert.Equal(t, int64(42), snaps[0].Tasks[0].TokensUsed)
	assert.Equal(t, int64(10), snaps[0].TokenUsage["pm"])

	require.ErrorIs(t, s.Save(ctx, domain.Snapshot{}), domain.ErrInvalidInput)
}

func TestFileStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	roundTrip(t, FileStore{Root: root})

	_, err := os.Stat(filepath.Join(root, "aaa", StateFile))
	require.NoError(t, err)
	leftovers, err := filepath.Glob(filepath.Join(root, "aaa", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileStoreMissingRoot(t *testing.T) {
	snaps, err := FileStore{Root: filepath.Join(t.TempDir(), "nope")}.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestFileStoreSkipsDirsWithoutState(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	snaps, err := FileStore{Root: root}.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	conn, err := db.Open(db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	roundTrip(t, SQLiteStore{DB: conn})
}

func TestFileStoreSkipsCorruptSnapshot(t *testing.T) {
	root := t.TempDir()
	healthy := FileStore{Root: root}
	require.NoError(t, healthy.Save(context.Background(), sampleSnapshot("aaa", time.Now().UTC())))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "zzbroken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "zzbroken", StateFile), []byte("{trunc"), 0o644))

	core, logs := observer.New(zapcore.WarnLevel)
	snaps, err := FileStore{Root: root, Log: zap.New(core)}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "aaa", snaps[0].Project.ID)
	require.Equal(t, 1, logs.FilterMessage("skip corrupt snapshot").Len())
}

func TestSQLiteStoreSkipsCorruptSnapshot(t *testing.T) {
	conn, err := db.Open(db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	s := SQLiteStore{DB: conn, Log: zap.New(core)}
	require.NoError(t, s.Save(ctx, sampleSnapshot("aaa", time.Now().UTC())))
	_, err = conn.ExecContext(ctx, `INSERT INTO project_snapshots(id, body, created_at, updated_at) VALUES ('zzbroken', '{trunc', '2024-01-01', '2024-01-01')`)
	require.NoError(t, err)

	snaps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "aaa", snaps[0].Project.ID)
	assert.Equal(t, 1, logs.FilterMessage("skip corrupt snapshot").Len())
}
