package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/domain"
)

func at(sec int) *time.Time {
	t := time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
	return &t
}

func fixture() ([]domain.Agent, []domain.Task) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agents := []domain.Agent{
		domain.NewAgent(domain.RosterEntry{ID: "pm", Name: "PM"}, now),
		domain.NewAgent(domain.RosterEntry{ID: "tester", Name: "Tester"}, now),
	}
	tasks := []domain.Task{
		{ID: "1", AgentID: "pm", Status: domain.TaskCompleted, StartedAt: at(0), EndedAt: at(2), TokensUsed: 1000},
		{ID: "2", AgentID: "pm", Status: domain.TaskFailed, StartedAt: at(0), EndedAt: at(4), TokensUsed: 500},
		{ID: "3", AgentID: "pm", Status: domain.TaskRunning, StartedAt: at(0)},
		{ID: "4", AgentID: "ghost", Status: domain.TaskStopped, StartedAt: at(5), EndedAt: at(1)},
	}
	return agents, tasks
}

func TestCompute(t *testing.T) {
	agents, tasks := fixture()
	m := Compute(agents, tasks)

	assert.Equal(t, 4, m.Global.TotalTasks)
	assert.Equal(t, 1, m.Global.SuccessCount)
	assert.Equal(t, 1, m.Global.FailureCount)
	assert.Equal(t, 1, m.Global.ByStatus[domain.TaskStopped])
	assert.InDelta(t, 3000, m.Global.AverageTaskDurationMs, 0.001)

	pm := m.PerAgent["pm"]
	assert.Equal(t, 3, pm.TotalTasks)
	assert.InDelta(t, 3000, pm.AverageTaskDurationMs, 0.001)

	tester, ok := m.PerAgent["tester"]
	require.True(t, ok)
	assert.Zero(t, tester.TotalTasks)
	assert.Zero(t, tester.AverageTaskDurationMs)

	ghost := m.PerAgent["ghost"]
	assert.Equal(t, 1, ghost.TotalTasks)
	assert.Zero(t, ghost.AverageTaskDurationMs, "ended before started is excluded")
}

func TestComputeCosts(t *testing.T) {
	_, tasks := fixture()
	c := ComputeCosts(tasks, map[string]int64{"pm": 500, "backend": 2000}, 0.002)

	assert.Equal(t, int64(4000), c.Global.TotalTokens)
	assert.InDelta(t, 0.008, c.Global.TotalCost, 1e-12)
	assert.Equal(t, int64(2000), c.PerAgent["pm"].TokensUsed)
	assert.InDelta(t, 0.004, c.PerAgent["pm"].Cost, 1e-12)
	assert.Equal(t, int64(2000), c.PerAgent["backend"].TokensUsed)
}

func TestIdempotent(t *testing.T) {
	agents, tasks := fixture()
	usage := map[string]int64{"pm": 7}
	assert.Equal(t, Compute(agents, tasks), Compute(agents, tasks))
	assert.Equal(t, ComputeCosts(tasks, usage, 0.002), ComputeCosts(tasks, usage, 0.002))
}
