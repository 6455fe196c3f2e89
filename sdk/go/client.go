package crewdecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal crewdeck HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	RootPath       string     `json:"rootPath"`
	RunStatus      string     `json:"runStatus"`
	LastRunAt      *time.Time `json:"lastRunAt"`
	LastRunResult  *string    `json:"lastRunResult"`
	ActiveTaskFile *string    `json:"activeTaskFile"`
	AgentCount     int        `json:"agentCount"`
}

// RunStatus is the run state returned by run and run-all.
type RunStatus struct {
	Status         string     `json:"status"`
	LastRunAt      *time.Time `json:"lastRunAt"`
	LastRunResult  *string    `json:"lastRunResult"`
	ActiveTaskFile *string    `json:"activeTaskFile"`
}

// Approval represents a gate awaiting or carrying a decision.
type Approval struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agentId"`
	TaskID        *string    `json:"taskId"`
	Status        string     `json:"status"`
	OutputSummary string     `json:"outputSummary"`
	Files         []string   `json:"files"`
	StepName      *string    `json:"stepName"`
	CreatedAt     time.Time  `json:"createdAt"`
	DecidedAt     *time.Time `json:"decidedAt"`
}

// TaskMetrics mirrors one metrics bucket.
type TaskMetrics struct {
	AgentID               string         `json:"agentId"`
	TotalTasks            int            `json:"totalTasks"`
	SuccessCount          int            `json:"successCount"`
	FailureCount          int            `json:"failureCount"`
	ByStatus              map[string]int `json:"byStatus"`
	AverageTaskDurationMs float64        `json:"averageTaskDurationMs"`
}

type Metrics struct {
	Global   TaskMetrics            `json:"global"`
	PerAgent map[string]TaskMetrics `json:"perAgent"`
}

type Costs struct {
	Global struct {
		TotalTokens int64   `json:"totalTokens"`
		TotalCost   float64 `json:"totalCost"`
	} `json:"global"`
	PerAgent map[string]struct {
		AgentID    string  `json:"agentId"`
		TokensUsed int64   `json:"tokensUsed"`
		Cost       float64 `json:"cost"`
	} `json:"perAgent"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Projects lists every project.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// CreateProject creates a project of the given type ("web" when empty).
func (c *Client) CreateProject(ctx context.Context, name, projectType string) (Project, error) {
	body := map[string]any{"name": name}
	if projectType != "" {
		body["type"] = projectType
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// Run starts the workflow, optionally for one task template.
func (c *Client) Run(ctx context.Context, projectID, taskFile string) (RunStatus, error) {
	var body any
	if taskFile != "" {
		body = map[string]any{"taskFile": taskFile}
	}
	var resp RunStatus
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "run"), body, &resp)
	return resp, err
}

// RunAll runs every task template in order.
func (c *Client) RunAll(ctx context.Context, projectID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "run-all"), nil, &resp)
	return resp, err
}

// Approvals lists a project's approvals.
func (c *Client) Approvals(ctx context.Context, projectID string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "approvals"), nil, &resp)
	return resp, err
}

// Approve grants a pending approval.
func (c *Client) Approve(ctx context.Context, projectID, approvalID string) (Approval, error) {
	return c.decide(ctx, projectID, approvalID, "approve")
}

// Reject refuses a pending approval.
func (c *Client) Reject(ctx context.Context, projectID, approvalID string) (Approval, error) {
	return c.decide(ctx, projectID, approvalID, "reject")
}

func (c *Client) decide(ctx context.Context, projectID, approvalID, verb string) (Approval, error) {
	var resp Approval
	endpoint := projectPath(projectID, fmt.Sprintf("approvals/%s/%s", url.PathEscape(approvalID), verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Metrics returns task metrics for a project.
func (c *Client) Metrics(ctx context.Context, projectID string) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "metrics"), nil, &resp)
	return resp, err
}

// Costs returns token costs for a project.
func (c *Client) Costs(ctx context.Context, projectID string) (Costs, error) {
	var resp Costs
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "costs"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	return fmt.Sprintf("projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
