package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/logging"
)

// FileStore keeps <root>/<project>/state.json. Unreadable snapshots are
// skipped on Load and reported to Log.
type FileStore struct {
	Root string
	Log  *zap.Logger
}

func (s FileStore) path(projectID string) string {
	return filepath.Join(s.Root, projectID, StateFile)
}

func (s FileStore) Load(ctx context.Context) ([]domain.Snapshot, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects root: %w", err)
	}
	var out []domain.Snapshot
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.path(entry.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			logging.OrNop(s.Log).Warn("skip unreadable snapshot", zap.String("path", s.path(entry.Name())), zap.Error(err))
			continue
		}
		var snap domain.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			logging.OrNop(s.Log).Warn("skip corrupt snapshot", zap.String("path", s.path(entry.Name())), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project.CreatedAt.Before(out[j].Project.CreatedAt) })
	return out, nil
}

func (s FileStore) Save(_ context.Context, snap domain.Snapshot) error {
	if snap.Project.ID == "" {
		return fmt.Errorf("snapshot without project id: %w", domain.ErrInvalidInput)
	}
	return writeJSONAtomic(s.path(snap.Project.ID), snap)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
