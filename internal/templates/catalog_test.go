package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/domain"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestListSortedWithTitles(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "b.md", "\n\n## Build the API\nbody")
	write(t, dir, "a.MD", "# Plan\n")
	write(t, dir, "empty.md", "")
	write(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.md"), 0o755))

	c := New(dir, nil)
	assert.Equal(t, []Template{
		{Name: "a.MD", Title: "Plan"},
		{Name: "b.md", Title: "Build the API"},
		{Name: "empty.md", Title: "empty.md"},
	}, c.List())
}

func TestMissingRootIsEmpty(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "none"), nil)
	assert.Empty(t, c.List())
}

func TestPathAndRead(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "task.md", "# Task\nDo it")
	c := New(dir, nil)

	path, err := c.Path("task.md")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))

	tmpl, content, err := c.Read("../" + filepath.Base(dir) + "/task.md")
	require.NoError(t, err)
	assert.Equal(t, "Task", tmpl.Title)
	assert.Equal(t, "# Task\nDo it", content)

	_, err = c.Path("missing.md")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.Path("")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx)

	require.Eventually(t, func() bool {
		write(t, dir, "late.md", "# Late\n")
		return len(c.List()) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "Late", c.List()[0].Title)
}
