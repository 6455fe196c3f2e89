// Package metrics derives task metrics and token costs from a snapshot.
// Every function is pure: equal input gives equal output.
package metrics

import "crewdeck/internal/domain"

type TaskMetrics struct {
	AgentID               string                    `json:"agentId,omitempty"`
	TotalTasks            int                       `json:"totalTasks"`
	SuccessCount          int                       `json:"successCount"`
	FailureCount          int                       `json:"failureCount"`
	ByStatus              map[domain.TaskStatus]int `json:"byStatus"`
	AverageTaskDurationMs float64                   `json:"averageTaskDurationMs"`
}

type Metrics struct {
	Global   TaskMetrics            `json:"global"`
	PerAgent map[string]TaskMetrics `json:"perAgent"`
}

type AgentCost struct {
	AgentID    string  `json:"agentId"`
	TokensUsed int64   `json:"tokensUsed"`
	Cost       float64 `json:"cost"`
}

type GlobalCost struct {
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

type Costs struct {
	Global   GlobalCost           `json:"global"`
	PerAgent map[string]AgentCost `json:"perAgent"`
}

type durationAcc struct {
	totalMs float64
	n       int
}

func (d durationAcc) mean() float64 {
	if d.n == 0 {
		return 0
	}
	return d.totalMs / float64(d.n)
}

func newTaskMetrics(agentID string) TaskMetrics {
	return TaskMetrics{AgentID: agentID, ByStatus: map[domain.TaskStatus]int{}}
}

func (m *TaskMetrics) add(t domain.Task) {
	m.TotalTasks++
	m.ByStatus[t.Status]++
	switch t.Status {
	case domain.TaskCompleted:
		m.SuccessCount++
	case domain.TaskFailed:
		m.FailureCount++
	}
}

// Compute aggregates task metrics for the whole project and per agent.
// Every roster agent gets an entry even without tasks.
func Compute(agents []domain.Agent, tasks []domain.Task) Metrics {
	out := Metrics{Global: newTaskMetrics(""), PerAgent: map[string]TaskMetrics{}}
	for _, a := range agents {
		out.PerAgent[a.ID] = newTaskMetrics(a.ID)
	}
	var global durationAcc
	perAgent := map[string]durationAcc{}
	for _, t := range tasks {
		m, ok := out.PerAgent[t.AgentID]
		if !ok {
			m = newTaskMetrics(t.AgentID)
		}
		m.add(t)
		out.Global.add(t)
		if t.StartedAt != nil && t.EndedAt != nil && !t.EndedAt.Before(*t.StartedAt) {
			ms := float64(t.EndedAt.Sub(*t.StartedAt).Milliseconds())
			acc := perAgent[t.AgentID]
			acc.totalMs += ms
			acc.n++
			perAgent[t.AgentID] = acc
			global.totalMs += ms
			global.n++
		}
		out.PerAgent[t.AgentID] = m
	}
	for id, m := range out.PerAgent {
		m.AverageTaskDurationMs = perAgent[id].mean()
		out.PerAgent[id] = m
	}
	out.Global.AverageTaskDurationMs = global.mean()
	return out
}

// ComputeCosts sums task tokens and protocol token usage per agent and
// prices them at costPer1K.
func ComputeCosts(tasks []domain.Task, usage map[string]int64, costPer1K float64) Costs {
	out := Costs{PerAgent: map[string]AgentCost{}}
	tokens := map[string]int64{}
	for _, t := range tasks {
		tokens[t.AgentID] += t.TokensUsed
	}
	for id, n := range usage {
		tokens[id] += n
	}
	for id, n := range tokens {
		out.PerAgent[id] = AgentCost{AgentID: id, TokensUsed: n, Cost: price(n, costPer1K)}
		out.Global.TotalTokens += n
	}
	out.Global.TotalCost = price(out.Global.TotalTokens, costPer1K)
	return out
}

func price(tokens int64, costPer1K float64) float64 {
	return float64(tokens) / 1000 * costPer1K
}
