package domain

import (
	"fmt"
	"strings"
)

type RunStatus string

const (
	RunIdle            RunStatus = "idle"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
)

type AgentStatus string

const (
	AgentIdle            AgentStatus = "idle"
	AgentRunning         AgentStatus = "running"
	AgentWaitingApproval AgentStatus = "waiting_approval"
	AgentPaused          AgentStatus = "paused"
	AgentCompleted       AgentStatus = "completed"
	AgentFailed          AgentStatus = "failed"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStopped   TaskStatus = "stopped"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunIdle: {
		RunRunning: {},
		RunFailed:  {},
	},
	RunRunning: {
		RunWaitingApproval: {},
		RunCompleted:       {},
		RunFailed:          {},
		RunIdle:            {},
	},
	RunWaitingApproval: {
		RunRunning:   {},
		RunCompleted: {},
		RunFailed:    {},
		RunIdle:      {},
	},
	RunCompleted: {
		RunRunning: {},
		RunFailed:  {},
	},
	RunFailed: {
		RunRunning: {},
	},
}

// Paused only arises from restart recovery; it can still be closed out.
var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskRunning: {},
	},
	TaskRunning: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskStopped:   {},
		TaskPaused:    {},
	},
	TaskPaused: {
		TaskFailed:  {},
		TaskStopped: {},
	},
	TaskCompleted: {},
	TaskFailed:    {},
	TaskStopped:   {},
}

var approvalTransitions = map[ApprovalStatus]map[ApprovalStatus]struct{}{
	ApprovalPending: {
		ApprovalApproved: {},
		ApprovalRejected: {},
	},
	ApprovalApproved: {},
	ApprovalRejected: {},
}

var agentStatuses = map[AgentStatus]struct{}{
	AgentIdle:            {},
	AgentRunning:         {},
	AgentWaitingApproval: {},
	AgentPaused:          {},
	AgentCompleted:       {},
	AgentFailed:          {},
}

// TransitionError reports a lifecycle move the state machine does not allow.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func checkTransition[S ~string](table map[S]map[S]struct{}, entity, id string, from, to S) error {
	if _, ok := table[from][to]; !ok {
		return &TransitionError{Entity: entity, ID: id, From: string(from), To: string(to)}
	}
	return nil
}

// Terminal reports whether no further task transitions are possible.
func (s TaskStatus) Terminal() bool {
	return len(taskTransitions[s]) == 0
}

// ParseAgentStatus accepts the status tokens of the progress protocol.
func ParseAgentStatus(raw string) (AgentStatus, bool) {
	s := AgentStatus(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := agentStatuses[s]
	return s, ok
}

// SetRunStatus moves the project run status; same-state moves are no-ops.
func (p *Project) SetRunStatus(to RunStatus) error {
	if p.RunStatus == to {
		return nil
	}
	if err := checkTransition(runTransitions, "run", p.ID, p.RunStatus, to); err != nil {
		return err
	}
	p.RunStatus = to
	return nil
}

// SetStatus moves a task along pending -> running -> terminal.
func (t *Task) SetStatus(to TaskStatus) error {
	if err := checkTransition(taskTransitions, "task", t.ID, t.Status, to); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// Decide resolves a pending approval exactly once.
func (a *Approval) Decide(to ApprovalStatus) error {
	if a.Status != ApprovalPending {
		return fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrAlreadyDecided)
	}
	if err := checkTransition(approvalTransitions, "approval", a.ID, a.Status, to); err != nil {
		return err
	}
	a.Status = to
	return nil
}
