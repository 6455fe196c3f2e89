package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	task := Task{ID: "t1", Status: TaskPending}
	require.NoError(t, task.SetStatus(TaskRunning))
	require.NoError(t, task.SetStatus(TaskCompleted))
	assert.True(t, task.Status.Terminal())

	err := task.SetStatus(TaskRunning)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "completed", te.From)
	assert.Equal(t, "running", te.To)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, TaskCompleted, task.Status)

	pending := Task{ID: "t2", Status: TaskPending}
	assert.ErrorIs(t, pending.SetStatus(TaskCompleted), ErrInvalidTransition)

	paused := Task{ID: "t3", Status: TaskPaused}
	assert.False(t, paused.Status.Terminal())
	assert.ErrorIs(t, paused.SetStatus(TaskRunning), ErrInvalidTransition)
	require.NoError(t, paused.SetStatus(TaskStopped))
}

func TestRunTransitions(t *testing.T) {
	p := Project{ID: "p1", RunStatus: RunIdle}
	require.NoError(t, p.SetRunStatus(RunIdle))
	require.NoError(t, p.SetRunStatus(RunRunning))
	require.NoError(t, p.SetRunStatus(RunWaitingApproval))
	require.NoError(t, p.SetRunStatus(RunRunning))
	require.NoError(t, p.SetRunStatus(RunCompleted))

	assert.ErrorIs(t, p.SetRunStatus(RunWaitingApproval), ErrInvalidTransition)
	assert.Equal(t, RunCompleted, p.RunStatus)

	failed := Project{ID: "p2", RunStatus: RunFailed}
	assert.ErrorIs(t, failed.SetRunStatus(RunIdle), ErrInvalidTransition)
	require.NoError(t, failed.SetRunStatus(RunRunning))
}

func TestDecideOnce(t *testing.T) {
	a := Approval{ID: "a1", Status: ApprovalPending}
	require.NoError(t, a.Decide(ApprovalApproved))

	assert.ErrorIs(t, a.Decide(ApprovalRejected), ErrAlreadyDecided)
	assert.ErrorIs(t, a.Decide(ApprovalApproved), ErrAlreadyDecided)
	assert.Equal(t, ApprovalApproved, a.Status)

	b := Approval{ID: "a2", Status: ApprovalPending}
	assert.ErrorIs(t, b.Decide(ApprovalPending), ErrInvalidTransition)
}

func TestParseAgentStatus(t *testing.T) {
	s, ok := ParseAgentStatus(" Running ")
	assert.True(t, ok)
	assert.Equal(t, AgentRunning, s)

	_, ok = ParseAgentStatus("dancing")
	assert.False(t, ok)
}

func TestDefaultRoster(t *testing.T) {
	roster := DefaultRoster()
	require.Len(t, roster, 9)
	assert.Equal(t, RunnerAgentID, roster[len(roster)-1].ID)

	a := NewAgent(roster[0], Project{}.CreatedAt)
	assert.Equal(t, AgentIdle, a.Status)
	assert.Equal(t, "Ready", a.CurrentStep)
	assert.Nil(t, a.CurrentTaskID)
}
