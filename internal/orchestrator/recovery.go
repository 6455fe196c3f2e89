package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"crewdeck/internal/artifacts"
	"crewdeck/internal/domain"
)

const (
	defaultProjectName = "Local Dashboard"
	staleRunResult     = "stale-run"
)

// Load restores every persisted project. Nothing survives a restart as
// running: runs become idle with a stale-run result and in-flight work is
// paused. With no projects on record a default one is created.
func (o *Orchestrator) Load(ctx context.Context) error {
	snaps, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	for _, snap := range snaps {
		if snap.Project.ID == "" {
			continue
		}
		if snap.Project.RootPath == "" {
			root, err := filepath.Abs(filepath.Join(o.cfg.Data.ProjectsRoot, snap.Project.ID))
			if err != nil {
				return err
			}
			snap.Project.RootPath = root
		}
		changed := Recover(&snap, o.timestamp(), o.cfg.Data.LogTail)
		p := &project{snap: snap, dir: artifacts.Dir{Root: snap.Project.RootPath}}
		if err := p.dir.Ensure(snap.Agents); err != nil {
			o.log.Warn("ensure project files", zap.String("project_id", snap.Project.ID), zap.Error(err))
		}
		if changed {
			if err := o.store.Save(ctx, p.snap); err != nil {
				o.log.Error("persist recovered project", zap.String("project_id", snap.Project.ID), zap.Error(err))
			}
		}
		o.register(p)
		o.log.Info("project loaded", zap.String("project_id", snap.Project.ID), zap.Bool("recovered", changed))
	}
	if len(o.list()) == 0 {
		if _, err := o.CreateProject(ctx, defaultProjectName, "web"); err != nil {
			return err
		}
	}
	return nil
}

// Recover normalizes a snapshot loaded after a restart and reports whether
// anything changed.
func Recover(snap *domain.Snapshot, now time.Time, logTail int) bool {
	changed := false
	if snap.TokenUsage == nil {
		snap.TokenUsage = map[string]int64{}
	}
	if snap.Tasks == nil {
		snap.Tasks = []domain.Task{}
	}
	if snap.Approvals == nil {
		snap.Approvals = []domain.Approval{}
	}
	if snap.Logs == nil {
		snap.Logs = []domain.LogEntry{}
	}
	if logTail > 0 && len(snap.Logs) > logTail {
		snap.Logs = snap.Logs[len(snap.Logs)-logTail:]
		changed = true
	}

	running := map[string]bool{}
	for i := range snap.Tasks {
		t := &snap.Tasks[i]
		if t.Status == domain.TaskRunning {
			_ = t.SetStatus(domain.TaskPaused)
			changed = true
		}
		running[t.ID] = t.Status == domain.TaskRunning
	}

	for i := range snap.Agents {
		a := &snap.Agents[i]
		if a.Status == domain.AgentRunning || a.Status == domain.AgentWaitingApproval {
			a.Status = domain.AgentPaused
			a.CurrentStep = "Paused after restart"
			a.UpdatedAt = now
			changed = true
		}
		if a.CurrentTaskID != nil && !running[*a.CurrentTaskID] {
			a.LastTaskID = a.CurrentTaskID
			a.CurrentTaskID = nil
			changed = true
		}
	}

	for _, entry := range domain.DefaultRoster() {
		found := false
		for _, a := range snap.Agents {
			if a.ID == entry.ID {
				found = true
				break
			}
		}
		if !found {
			snap.Agents = append(snap.Agents, domain.NewAgent(entry, now))
			changed = true
		}
	}

	switch snap.Project.RunStatus {
	case domain.RunRunning, domain.RunWaitingApproval:
		_ = snap.Project.SetRunStatus(domain.RunIdle)
		snap.Project.LastRunResult = domain.Ptr(staleRunResult)
		changed = true
	case "":
		snap.Project.RunStatus = domain.RunIdle
		changed = true
	}
	if snap.Project.Type == "" {
		snap.Project.Type = "web"
		changed = true
	}
	return changed
}
