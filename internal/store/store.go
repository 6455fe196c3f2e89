package store

import (
	"context"

	"crewdeck/internal/domain"
)

// StateFile is the snapshot file name inside a project root.
const StateFile = "state.json"

// Store persists one snapshot per project. Callers serialize Save per project.
type Store interface {
	Load(ctx context.Context) ([]domain.Snapshot, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}
