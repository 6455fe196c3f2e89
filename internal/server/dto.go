package server

import "crewdeck/internal/templates"

// Request payloads

type CreateProjectRequest struct {
	Name string `json:"name" minLength:"1"`
	Type string `json:"type,omitempty" example:"web"`
}

type RunRequest struct {
	TaskFile string `json:"taskFile,omitempty" example:"001-plan.md"`
}

type AgentsDocRequest struct {
	Content string `json:"content"`
}

type AssignTaskRequest struct {
	Description string `json:"description"`
}

// Response payloads

type AgentsDocResponse struct {
	Content string `json:"content"`
}

type DiaryResponse struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

type TemplateResponse struct {
	templates.Template
	Content string `json:"content"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type agentPath struct {
	ProjectID string `path:"project_id"`
	AgentID   string `path:"agent_id"`
}

type approvalPath struct {
	ProjectID  string `path:"project_id"`
	ApprovalID string `path:"approval_id"`
}

type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
