package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/logging"
)

// SQLiteStore keeps snapshots as JSON rows in project_snapshots. Rows that
// do not decode are skipped on Load and reported to Log.
type SQLiteStore struct {
	DB  *sql.DB
	Log *zap.Logger
}

func (s SQLiteStore) Load(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, body FROM project_snapshots ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var (
			id   string
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			logging.OrNop(s.Log).Warn("skip corrupt snapshot", zap.String("project_id", id), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s SQLiteStore) Save(ctx context.Context, snap domain.Snapshot) error {
	if snap.Project.ID == "" {
		return fmt.Errorf("snapshot without project id: %w", domain.ErrInvalidInput)
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO project_snapshots(id, body, created_at, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		snap.Project.ID, string(body), snap.Project.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	return err
}
