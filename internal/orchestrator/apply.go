package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/events"
	"crewdeck/internal/protocol"
)

// applyLine decodes one stdout line of a workflow process and folds it into
// project state.
func (o *Orchestrator) applyLine(p *project, line string) {
	ev, ok := protocol.Decode(line)
	if !ok {
		return
	}
	o.rec.ProtocolLine(ev.Kind())

	p.mu.Lock()
	defer p.mu.Unlock()
	o.applyEventLocked(p, ev)
	o.saveLocked(p)
}

// applyEventLocked folds one progress event into project state. Workflow
// output and the simulated lifecycle both drive agents through it.
func (o *Orchestrator) applyEventLocked(p *project, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.Status:
		a := p.agent(ev.AgentID)
		if a == nil {
			o.log.Debug("status for unknown agent", zap.String("project_id", p.id()), zap.String("agent_id", ev.AgentID))
			return
		}
		status, ok := domain.ParseAgentStatus(ev.Status)
		if !ok {
			o.runnerLog(p, fmt.Sprintf("[protocol] unknown status %q for %s", ev.Status, ev.AgentID))
			return
		}
		o.updateAgentLocked(p, a, status, ev.Step)
	case protocol.Tokens:
		if p.agent(ev.AgentID) == nil {
			o.log.Debug("tokens for unknown agent", zap.String("project_id", p.id()), zap.String("agent_id", ev.AgentID))
			return
		}
		p.snap.TokenUsage[ev.AgentID] += ev.Count
		o.publishLocked(p, events.CostsUpdated, o.costsOf(p.snap).Global)
	case protocol.Log:
		if p.agent(ev.AgentID) == nil {
			o.log.Debug("log for unknown agent", zap.String("project_id", p.id()), zap.String("agent_id", ev.AgentID))
			return
		}
		o.appendLogLocked(p, ev.AgentID, ev.TaskID, ev.Message)
	case protocol.ApprovalRequest:
		o.approvalFromProtocolLocked(p, ev)
	case protocol.InvalidApproval:
		o.runnerLog(p, "Invalid approval payload: "+ev.Payload)
	case protocol.Raw:
		o.runnerLog(p, ev.Text)
	}
}

func (o *Orchestrator) applyStderr(p *project, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o.runnerLog(p, "[stderr] "+line)
	o.saveLocked(p)
}

func (o *Orchestrator) approvalFromProtocolLocked(p *project, req protocol.ApprovalRequest) {
	a := domain.Approval{
		ID:            req.ID,
		AgentID:       req.AgentID,
		TaskID:        req.TaskID,
		Status:        domain.ApprovalPending,
		OutputSummary: req.Summary,
		Files:         req.Files,
		StepName:      req.StepName,
		CreatedAt:     o.timestamp(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if existing := p.approval(a.ID); existing != nil && existing.Status != domain.ApprovalPending {
		o.runnerLog(p, fmt.Sprintf("Ignored approval request %s: already %s.", a.ID, existing.Status))
		return
	}
	if a.AgentID == "" {
		a.AgentID = domain.RunnerAgentID
	}
	if a.OutputSummary == "" && len(a.Files) > 0 {
		a.OutputSummary = "Files:\n- " + strings.Join(a.Files, "\n- ")
	}
	label := domain.Deref(a.StepName)
	if label == "" {
		label = a.ID
	}
	o.createApprovalLocked(p, a, fmt.Sprintf("Approval requested for %s.", label))
}
