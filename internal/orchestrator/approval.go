package orchestrator

import (
	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/events"
)

// createApprovalLocked records a pending approval and holds a running
// project at the gate. A pending approval with the same id is replaced in
// place; callers must not pass the id of a decided one.
func (o *Orchestrator) createApprovalLocked(p *project, a domain.Approval, message string) {
	if existing := p.approval(a.ID); existing != nil {
		*existing = a
		o.publishLocked(p, events.ApprovalUpdated, a)
	} else {
		p.snap.Approvals = append(p.snap.Approvals, a)
		o.publishLocked(p, events.ApprovalCreated, a)
	}
	o.appendLogLocked(p, a.AgentID, a.TaskID, message)
	if p.snap.Project.RunStatus == domain.RunRunning && o.setRunStatusLocked(p, domain.RunWaitingApproval) {
		o.publishRunStatusLocked(p)
	}
}

// Approve grants a pending approval.
func (o *Orchestrator) Approve(projectID, approvalID string) (domain.Approval, error) {
	return o.decide(projectID, approvalID, domain.ApprovalApproved)
}

// Reject refuses a pending approval and fails the task it gates.
func (o *Orchestrator) Reject(projectID, approvalID string) (domain.Approval, error) {
	return o.decide(projectID, approvalID, domain.ApprovalRejected)
}

func (o *Orchestrator) decide(projectID, approvalID string, to domain.ApprovalStatus) (domain.Approval, error) {
	p, err := o.get(projectID)
	if err != nil {
		return domain.Approval{}, err
	}
	p.mu.Lock()
	ap := p.approval(approvalID)
	if ap == nil {
		p.mu.Unlock()
		return domain.Approval{}, approvalNotFound(approvalID)
	}
	if err := ap.Decide(to); err != nil {
		p.mu.Unlock()
		return domain.Approval{}, err
	}
	now := o.timestamp()
	ap.DecidedAt = &now
	decided := *ap

	o.publishLocked(p, events.ApprovalUpdated, decided)
	msg := "Approval granted."
	if to == domain.ApprovalRejected {
		msg = "Approval rejected."
	}
	o.appendLogLocked(p, decided.AgentID, decided.TaskID, msg)
	if err := p.dir.AppendAudit(decided, now); err != nil {
		o.log.Warn("append approval audit", zap.String("project_id", projectID), zap.Error(err))
	}
	if err := p.dir.WriteDecision(decided); err != nil {
		o.log.Warn("write approval decision", zap.String("project_id", projectID), zap.Error(err))
	}

	if o.sup.Running(projectID) && p.snap.Project.RunStatus == domain.RunWaitingApproval && p.pendingApprovals() == 0 {
		if o.setRunStatusLocked(p, domain.RunRunning) {
			o.publishRunStatusLocked(p)
		}
	}

	var steps []scheduled
	if to == domain.ApprovalRejected {
		o.rejectTaskLocked(p, decided)
	} else {
		steps = o.finalizeAfterApprovalLocked(p, decided)
	}
	o.saveLocked(p)
	p.mu.Unlock()

	o.rec.ApprovalDecided(string(to))
	o.schedule(steps)
	return decided, nil
}

func (o *Orchestrator) rejectTaskLocked(p *project, ap domain.Approval) {
	if ap.TaskID == nil {
		return
	}
	t := p.task(*ap.TaskID)
	if t == nil || t.Status != domain.TaskRunning {
		return
	}
	now := o.timestamp()
	_ = t.SetStatus(domain.TaskFailed)
	t.EndedAt = &now
	t.Error = domain.Ptr("Rejected by user")
	o.publishLocked(p, events.TaskUpdated, *t)
	if a := p.agent(t.AgentID); a != nil {
		if a.CurrentTaskID != nil && *a.CurrentTaskID == t.ID {
			a.CurrentTaskID = nil
		}
		a.LastTaskID = domain.Ptr(t.ID)
		o.updateAgentLocked(p, a, domain.AgentFailed, "Failed after rejection")
	}
}
