package orchestrator

import (
	"time"

	"crewdeck/internal/domain"
	"crewdeck/internal/metrics"
)

type ProjectSummary struct {
	domain.Project
	AgentCount int `json:"agentCount"`
}

type ProjectDetail struct {
	Project domain.Project `json:"project"`
	Agents  []domain.Agent `json:"agents"`
}

type AgentView struct {
	domain.Agent
	Metrics metrics.TaskMetrics `json:"metrics"`
	Costs   metrics.AgentCost   `json:"costs"`
}

type AgentDetail struct {
	AgentView
	Tasks     []domain.Task     `json:"tasks"`
	Logs      []domain.LogEntry `json:"logs"`
	Approvals []domain.Approval `json:"approvals"`
}

// RunStatus is the project_run_status payload.
type RunStatus struct {
	Status         domain.RunStatus `json:"status"`
	LastRunAt      *time.Time       `json:"lastRunAt"`
	LastRunResult  *string          `json:"lastRunResult"`
	ActiveTaskFile *string          `json:"activeTaskFile"`
}

func runStatusOf(p domain.Project) RunStatus {
	return RunStatus{
		Status:         p.RunStatus,
		LastRunAt:      p.LastRunAt,
		LastRunResult:  p.LastRunResult,
		ActiveTaskFile: p.ActiveTaskFile,
	}
}

func (o *Orchestrator) Project(projectID string) (ProjectDetail, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return ProjectDetail{}, err
	}
	return ProjectDetail{Project: snap.Project, Agents: snap.Agents}, nil
}

func (o *Orchestrator) RunStatus(projectID string) (RunStatus, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return RunStatus{}, err
	}
	return runStatusOf(snap.Project), nil
}

func (o *Orchestrator) Agents(projectID string) ([]AgentView, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	m := metrics.Compute(snap.Agents, snap.Tasks)
	c := o.costsOf(snap)
	out := make([]AgentView, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		out = append(out, agentView(a, m, c))
	}
	return out, nil
}

func (o *Orchestrator) Agent(projectID, agentID string) (AgentDetail, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return AgentDetail{}, err
	}
	var agent *domain.Agent
	for i := range snap.Agents {
		if snap.Agents[i].ID == agentID {
			agent = &snap.Agents[i]
		}
	}
	if agent == nil {
		return AgentDetail{}, agentNotFound(agentID)
	}
	d := AgentDetail{
		AgentView: agentView(*agent, metrics.Compute(snap.Agents, snap.Tasks), o.costsOf(snap)),
		Tasks:     []domain.Task{},
		Logs:      []domain.LogEntry{},
		Approvals: []domain.Approval{},
	}
	for _, t := range snap.Tasks {
		if t.AgentID == agentID {
			d.Tasks = append(d.Tasks, t)
		}
	}
	for _, l := range snap.Logs {
		if l.AgentID == agentID {
			d.Logs = append(d.Logs, l)
		}
	}
	for _, a := range snap.Approvals {
		if a.AgentID == agentID {
			d.Approvals = append(d.Approvals, a)
		}
	}
	return d, nil
}

func agentView(a domain.Agent, m metrics.Metrics, c metrics.Costs) AgentView {
	tm, ok := m.PerAgent[a.ID]
	if !ok {
		tm = metrics.TaskMetrics{AgentID: a.ID, ByStatus: map[domain.TaskStatus]int{}}
	}
	ac, ok := c.PerAgent[a.ID]
	if !ok {
		ac = metrics.AgentCost{AgentID: a.ID}
	}
	return AgentView{Agent: a, Metrics: tm, Costs: ac}
}

func (o *Orchestrator) Tasks(projectID string) ([]domain.Task, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	return snap.Tasks, nil
}

func (o *Orchestrator) Approvals(projectID string) ([]domain.Approval, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	return snap.Approvals, nil
}

func (o *Orchestrator) Metrics(projectID string) (metrics.Metrics, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return metrics.Metrics{}, err
	}
	return metrics.Compute(snap.Agents, snap.Tasks), nil
}

func (o *Orchestrator) Costs(projectID string) (metrics.Costs, error) {
	snap, err := o.Snapshot(projectID)
	if err != nil {
		return metrics.Costs{}, err
	}
	return o.costsOf(snap), nil
}

func (o *Orchestrator) costsOf(snap domain.Snapshot) metrics.Costs {
	return metrics.ComputeCosts(snap.Tasks, snap.TokenUsage, o.cfg.Pricing.TokenCostPer1K)
}

func (o *Orchestrator) AgentsDoc(projectID string) (string, error) {
	p, err := o.get(projectID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir.ReadAgentsDoc()
}

func (o *Orchestrator) SetAgentsDoc(projectID, content string) error {
	p, err := o.get(projectID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dir.WriteAgentsDoc(content); err != nil {
		return err
	}
	o.saveLocked(p)
	return nil
}

func (o *Orchestrator) Diary(projectID, agentID string) (string, error) {
	p, err := o.get(projectID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir.ReadDiary(agentID)
}
