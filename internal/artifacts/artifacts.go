// Package artifacts maintains the human-readable files kept in a project
// root next to its snapshot: the agents document, per-agent diaries, the
// approvals audit log and the decision files read by the workflow process.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crewdeck/internal/domain"
)

const (
	AgentsDocName = "AGENTS.md"
	auditHeader   = "# Approvals Log\n\n"
)

// Dir is a project root on disk.
type Dir struct {
	Root string
}

func (d Dir) AgentsDocPath() string { return filepath.Join(d.Root, AgentsDocName) }

func (d Dir) DiaryPath(agentID string) string {
	return filepath.Join(d.Root, "diaries", filepath.Base(agentID)+".md")
}

func (d Dir) DecisionPath(approvalID string) string {
	return filepath.Join(d.Root, "approvals", filepath.Base(approvalID)+".json")
}

func (d Dir) AuditPath() string { return filepath.Join(d.Root, "logs", "APPROVALS.md") }

// Ensure creates the project layout. Existing files are left untouched.
func (d Dir) Ensure(agents []domain.Agent) error {
	for _, sub := range []string{"diaries", "approvals", "logs"} {
		if err := os.MkdirAll(filepath.Join(d.Root, sub), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	if err := writeIfMissing(d.AgentsDocPath(), defaultAgentsDoc(agents)); err != nil {
		return err
	}
	for _, a := range agents {
		header := fmt.Sprintf("# Diary: %s (%s)\n\n", a.Name, a.ID)
		if err := writeIfMissing(d.DiaryPath(a.ID), header); err != nil {
			return err
		}
	}
	return nil
}

func defaultAgentsDoc(agents []domain.Agent) string {
	var b strings.Builder
	b.WriteString("# Agents\n\nThis file tracks agent roles and responsibilities for this project.\n\n## Agents\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Name)
	}
	b.WriteString("\n## Notes\n- Update this file as the team evolves.\n")
	return b.String()
}

func (d Dir) ReadAgentsDoc() (string, error) {
	data, err := os.ReadFile(d.AgentsDocPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

func (d Dir) WriteAgentsDoc(content string) error {
	if err := os.MkdirAll(d.Root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.AgentsDocPath(), []byte(content), 0o644)
}

func (d Dir) ReadDiary(agentID string) (string, error) {
	data, err := os.ReadFile(d.DiaryPath(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("diary %s: %w", agentID, domain.ErrNotFound)
	}
	return string(data), err
}

// AppendDiary adds "- [<RFC3339>] <message>" to the agent diary.
func (d Dir) AppendDiary(agentID string, at time.Time, message string) error {
	return appendLine(d.DiaryPath(agentID), "", fmt.Sprintf("- [%s] %s\n", stamp(at), message))
}

// AppendAudit records one approval decision in logs/APPROVALS.md.
func (d Dir) AppendAudit(a domain.Approval, at time.Time) error {
	step := domain.Deref(a.StepName)
	if step == "" {
		step = "Approval"
	}
	line := fmt.Sprintf("- [%s] %s • %s • %s • %s\n", stamp(at), strings.ToUpper(string(a.Status)), a.AgentID, step, a.ID)
	return appendLine(d.AuditPath(), auditHeader, line)
}

type decision struct {
	ID        string                `json:"id"`
	Status    domain.ApprovalStatus `json:"status"`
	DecidedAt *time.Time            `json:"decidedAt"`
	AgentID   string                `json:"agentId"`
	StepName  *string               `json:"stepName"`
}

// WriteDecision writes approvals/<id>.json for the workflow process to pick up.
func (d Dir) WriteDecision(a domain.Approval) error {
	data, err := json.MarshalIndent(decision{
		ID:        a.ID,
		Status:    a.Status,
		DecidedAt: a.DecidedAt,
		AgentID:   a.AgentID,
		StepName:  a.StepName,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	path := d.DecisionPath(a.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeIfMissing(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendLine(path, header, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if header != "" {
		if err := writeIfMissing(path, header); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
