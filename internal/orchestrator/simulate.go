package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewdeck/internal/domain"
	"crewdeck/internal/events"
	"crewdeck/internal/metrics"
	"crewdeck/internal/protocol"
)

const genericTaskDescription = "Generic work cycle"

type scheduled struct {
	after time.Duration
	fn    func()
}

func (o *Orchestrator) schedule(steps []scheduled) {
	for _, s := range steps {
		o.sched.After(s.after, s.fn)
	}
}

func agentNotFound(agentID string) error {
	return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
}

func approvalNotFound(approvalID string) error {
	return fmt.Errorf("approval %s: %w", approvalID, domain.ErrNotFound)
}

func (o *Orchestrator) lockedAgent(projectID, agentID string) (*project, *domain.Agent, error) {
	p, err := o.get(projectID)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	a := p.agent(agentID)
	if a == nil {
		p.mu.Unlock()
		return nil, nil, agentNotFound(agentID)
	}
	return p, a, nil
}

func (o *Orchestrator) newTaskLocked(p *project, agentID, description string) domain.Task {
	t := domain.Task{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: description,
		Status:      domain.TaskPending,
		CreatedAt:   o.timestamp(),
	}
	p.snap.Tasks = append(p.snap.Tasks, t)
	return t
}

// AssignTask queues a pending task for an agent.
func (o *Orchestrator) AssignTask(projectID, agentID, description string) (domain.Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.Task{}, fmt.Errorf("task description is required: %w", domain.ErrInvalidInput)
	}
	p, a, err := o.lockedAgent(projectID, agentID)
	if err != nil {
		return domain.Task{}, err
	}
	defer p.mu.Unlock()

	t := o.newTaskLocked(p, a.ID, description)
	a.LastTaskID = domain.Ptr(t.ID)
	a.UpdatedAt = o.timestamp()
	o.publishLocked(p, events.TaskCreated, t)
	o.publishLocked(p, events.AgentUpdated, *a)
	o.appendLogLocked(p, a.ID, domain.Ptr(t.ID), "New task assigned: "+description)
	o.saveLocked(p)
	return t, nil
}

// StartAgent runs the agent's most recent task if it is still pending,
// otherwise a generic work cycle, through the simulated lifecycle.
func (o *Orchestrator) StartAgent(projectID, agentID string) (domain.Task, error) {
	p, a, err := o.lockedAgent(projectID, agentID)
	if err != nil {
		return domain.Task{}, err
	}
	if busy(a) {
		p.mu.Unlock()
		return domain.Task{}, agentBusy(a)
	}
	var recent *domain.Task
	for i := range p.snap.Tasks {
		t := &p.snap.Tasks[i]
		if t.AgentID == a.ID && (recent == nil || !t.CreatedAt.Before(recent.CreatedAt)) {
			recent = t
		}
	}
	var taskID string
	if recent != nil && recent.Status == domain.TaskPending {
		taskID = recent.ID
	} else {
		t := o.newTaskLocked(p, a.ID, genericTaskDescription)
		o.publishLocked(p, events.TaskCreated, t)
		taskID = t.ID
	}
	task, steps := o.beginSimulationLocked(p, taskID)
	p.mu.Unlock()
	o.schedule(steps)
	return task, nil
}

// StopAgent halts the simulated lifecycle of a running agent.
func (o *Orchestrator) StopAgent(projectID, agentID string) error {
	p, a, err := o.lockedAgent(projectID, agentID)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()
	if !busy(a) {
		return &domain.TransitionError{Entity: "agent", ID: a.ID, From: string(a.Status), To: string(domain.AgentPaused)}
	}
	now := o.timestamp()
	var taskID *string
	if a.CurrentTaskID != nil {
		if t := p.task(*a.CurrentTaskID); t != nil && t.SetStatus(domain.TaskStopped) == nil {
			t.EndedAt = &now
			t.Error = domain.Ptr("Stopped by user")
			o.publishLocked(p, events.TaskUpdated, *t)
			taskID = domain.Ptr(t.ID)
		}
		a.LastTaskID = a.CurrentTaskID
	}
	a.CurrentTaskID = nil
	o.updateAgentLocked(p, a, domain.AgentPaused, "Stopped by user")
	o.appendLogLocked(p, a.ID, taskID, "Agent stopped by user.")
	o.saveLocked(p)
	return nil
}

// RetryAgent copies the agent's last task into a new pending task and
// simulates it.
func (o *Orchestrator) RetryAgent(projectID, agentID string) (domain.Task, error) {
	p, a, err := o.lockedAgent(projectID, agentID)
	if err != nil {
		return domain.Task{}, err
	}
	if busy(a) {
		p.mu.Unlock()
		return domain.Task{}, agentBusy(a)
	}
	var last *domain.Task
	if a.LastTaskID != nil {
		last = p.task(*a.LastTaskID)
	}
	if last == nil {
		p.mu.Unlock()
		return domain.Task{}, fmt.Errorf("agent %s has no previous task to retry: %w", agentID, domain.ErrPreconditionFailed)
	}
	retry := o.newTaskLocked(p, a.ID, last.Description)
	a.LastTaskID = domain.Ptr(retry.ID)
	a.UpdatedAt = o.timestamp()
	o.publishLocked(p, events.TaskCreated, retry)
	o.publishLocked(p, events.AgentUpdated, *a)
	o.appendLogLocked(p, a.ID, domain.Ptr(retry.ID), "Retrying last task.")
	task, steps := o.beginSimulationLocked(p, retry.ID)
	p.mu.Unlock()
	o.schedule(steps)
	return task, nil
}

// taskLog is a log event attributed to a simulated task and its agent.
func taskLog(t *domain.Task, message string) protocol.Log {
	return protocol.Log{AgentID: t.AgentID, TaskID: domain.Ptr(t.ID), Message: message}
}

func busy(a *domain.Agent) bool {
	return a.Status == domain.AgentRunning || a.Status == domain.AgentWaitingApproval
}

func agentBusy(a *domain.Agent) error {
	return &domain.TransitionError{Entity: "agent", ID: a.ID, From: string(a.Status), To: string(domain.AgentRunning)}
}

func (o *Orchestrator) beginSimulationLocked(p *project, taskID string) (domain.Task, []scheduled) {
	t := p.task(taskID)
	a := p.agent(t.AgentID)
	now := o.timestamp()
	_ = t.SetStatus(domain.TaskRunning)
	t.StartedAt = &now
	t.Error = nil
	a.CurrentTaskID = domain.Ptr(t.ID)
	a.LastTaskID = domain.Ptr(t.ID)
	o.applyEventLocked(p, protocol.Status{AgentID: a.ID, Status: string(domain.AgentRunning), Step: "Starting task"})
	o.publishLocked(p, events.TaskUpdated, *t)
	o.applyEventLocked(p, taskLog(t, "Task started: "+t.Description))
	o.saveLocked(p)

	projectID, id := p.id(), t.ID
	sim := o.cfg.Simulation
	return *t, []scheduled{
		{after: sim.StepDelay, fn: func() { o.simulateProgress(projectID, id) }},
		{after: sim.ApprovalDelay, fn: func() { o.simulateApprovalGate(projectID, id) }},
	}
}

// simulatedLocked returns the task and its agent while the simulation still
// owns them.
func (o *Orchestrator) simulatedLocked(p *project, taskID string) (*domain.Task, *domain.Agent) {
	t := p.task(taskID)
	if t == nil || t.Status != domain.TaskRunning {
		return nil, nil
	}
	a := p.agent(t.AgentID)
	if a == nil || a.CurrentTaskID == nil || *a.CurrentTaskID != taskID {
		return nil, nil
	}
	return t, a
}

func (o *Orchestrator) simulateProgress(projectID, taskID string) {
	p, err := o.get(projectID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, a := o.simulatedLocked(p, taskID)
	if t == nil {
		return
	}
	o.applyEventLocked(p, protocol.Status{AgentID: a.ID, Status: string(a.Status), Step: "Processing step 1/2"})
	o.applyEventLocked(p, taskLog(t, "Processing data (step 1/2)..."))
	o.saveLocked(p)
}

func (o *Orchestrator) simulateApprovalGate(projectID, taskID string) {
	p, err := o.get(projectID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, a := o.simulatedLocked(p, taskID)
	if t == nil {
		return
	}
	o.applyEventLocked(p, protocol.Status{AgentID: a.ID, Status: string(domain.AgentWaitingApproval), Step: "Waiting for approval"})
	o.applyEventLocked(p, protocol.ApprovalRequest{
		ID:      uuid.NewString(),
		AgentID: a.ID,
		TaskID:  domain.Ptr(t.ID),
		Summary: fmt.Sprintf("Proposed output for task %q", t.Description),
	})
	o.applyEventLocked(p, taskLog(t, "Reached approval gate. Waiting for user decision..."))
	o.saveLocked(p)
}

// finalizeAfterApprovalLocked continues a simulated task whose approval was
// granted. It returns nil when the approval does not belong to one.
func (o *Orchestrator) finalizeAfterApprovalLocked(p *project, ap domain.Approval) []scheduled {
	if ap.TaskID == nil {
		return nil
	}
	t, a := o.simulatedLocked(p, *ap.TaskID)
	if t == nil || a.ID != ap.AgentID {
		return nil
	}
	o.applyEventLocked(p, protocol.Status{AgentID: a.ID, Status: string(domain.AgentRunning), Step: "Finalizing after approval"})
	o.applyEventLocked(p, taskLog(t, "Approval granted. Finalizing task..."))
	projectID, taskID := p.id(), t.ID
	return []scheduled{{
		after: o.cfg.Simulation.FinalizeDelay,
		fn:    func() { o.completeSimulation(projectID, taskID) },
	}}
}

func (o *Orchestrator) completeSimulation(projectID, taskID string) {
	p, err := o.get(projectID)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, a := o.simulatedLocked(p, taskID)
	if t == nil {
		return
	}
	now := o.timestamp()
	tokens := o.tokens()
	_ = t.SetStatus(domain.TaskCompleted)
	t.TokensUsed = tokens
	t.EndedAt = &now
	a.CurrentTaskID = nil
	a.LastTaskID = domain.Ptr(t.ID)
	o.publishLocked(p, events.TaskUpdated, *t)
	o.applyEventLocked(p, protocol.Status{AgentID: a.ID, Status: string(domain.AgentIdle), Step: "Idle"})
	o.publishLocked(p, events.MetricsUpdated, metrics.Compute(p.snap.Agents, p.snap.Tasks))
	o.publishLocked(p, events.CostsUpdated, o.costsOf(p.snap).Global)
	o.applyEventLocked(p, taskLog(t, fmt.Sprintf("Task completed. Tokens used: %d.", tokens)))
	o.saveLocked(p)
}
