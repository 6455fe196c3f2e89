package domain

import "time"

// RunnerAgentID is the roster entry the orchestrator reports its own progress under.
const RunnerAgentID = "runner"

type Project struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	RootPath       string     `json:"rootPath"`
	CreatedAt      time.Time  `json:"createdAt" format:"date-time"`
	UpdatedAt      time.Time  `json:"updatedAt" format:"date-time"`
	RunStatus      RunStatus  `json:"runStatus" enum:"idle,running,waiting_approval,completed,failed"`
	LastRunAt      *time.Time `json:"lastRunAt" format:"date-time"`
	LastRunResult  *string    `json:"lastRunResult"`
	ActiveTaskFile *string    `json:"activeTaskFile"`
}

type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status" enum:"idle,running,waiting_approval,paused,completed,failed"`
	CurrentTaskID *string     `json:"currentTaskId"`
	LastTaskID    *string     `json:"lastTaskId"`
	CurrentStep   string      `json:"currentStep"`
	UpdatedAt     time.Time   `json:"updatedAt" format:"date-time"`
}

type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status" enum:"pending,running,paused,completed,failed,stopped"`
	CreatedAt   time.Time  `json:"createdAt" format:"date-time"`
	StartedAt   *time.Time `json:"startedAt" format:"date-time"`
	EndedAt     *time.Time `json:"endedAt" format:"date-time"`
	TokensUsed  int64      `json:"tokensUsed"`
	Error       *string    `json:"error"`
}

type Approval struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agentId"`
	TaskID        *string        `json:"taskId"`
	Status        ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	OutputSummary string         `json:"outputSummary"`
	Files         []string       `json:"files,omitempty"`
	StepName      *string        `json:"stepName"`
	CreatedAt     time.Time      `json:"createdAt" format:"date-time"`
	DecidedAt     *time.Time     `json:"decidedAt" format:"date-time"`
}

type LogEntry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	TaskID    *string   `json:"taskId"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Message   string    `json:"message"`
}

// Snapshot is the persisted form of one project.
type Snapshot struct {
	Project    Project          `json:"project"`
	Agents     []Agent          `json:"agents"`
	Tasks      []Task           `json:"tasks"`
	Approvals  []Approval       `json:"approvals"`
	Logs       []LogEntry       `json:"logs"`
	TokenUsage map[string]int64 `json:"tokenUsage"`
}

// RosterEntry names one agent of the default roster.
type RosterEntry struct {
	ID   string
	Name string
}

// DefaultRoster is created for every new project and backfilled on load.
func DefaultRoster() []RosterEntry {
	return []RosterEntry{
		{ID: "pm", Name: "Project Manager"},
		{ID: "doc", Name: "Documentation Curator"},
		{ID: "domain", Name: "Domain Expert"},
		{ID: "data", Name: "Data Modeler"},
		{ID: "designer", Name: "Designer"},
		{ID: "frontend", Name: "Frontend Developer"},
		{ID: "backend", Name: "Backend Developer"},
		{ID: "tester", Name: "Tester"},
		{ID: RunnerAgentID, Name: "Orchestrator"},
	}
}

// NewAgent returns an idle agent for a roster entry.
func NewAgent(entry RosterEntry, now time.Time) Agent {
	return Agent{
		ID:          entry.ID,
		Name:        entry.Name,
		Status:      AgentIdle,
		CurrentStep: "Ready",
		UpdatedAt:   now,
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the pointed-to value or the zero value.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
