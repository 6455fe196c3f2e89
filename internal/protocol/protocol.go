// Package protocol decodes the line-oriented progress protocol written by
// workflow processes on stdout.
//
//	AGENT_STATUS|<agent>|<status>|<step...>
//	AGENT_TOKENS|<agent>|<count>
//	AGENT_LOG|<agent>|<message...>
//	APPROVAL_REQUEST|<json>
//
// Any other non-blank line is surfaced as Raw.
package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	prefixStatus   = "AGENT_STATUS|"
	prefixTokens   = "AGENT_TOKENS|"
	prefixLog      = "AGENT_LOG|"
	prefixApproval = "APPROVAL_REQUEST|"

	DefaultStep    = "Working"
	DefaultAgentID = "runner"
)

// Event is one decoded protocol line.
type Event interface {
	// Kind names the variant for logging and metrics.
	Kind() string
}

type Status struct {
	AgentID string
	Status  string
	Step    string
}

type Tokens struct {
	AgentID string
	Count   int64
}

// Log is an agent log line. TaskID is never set by Decode; in-process
// drivers use it to attribute the line to a task.
type Log struct {
	AgentID string
	TaskID  *string
	Message string
}

type ApprovalRequest struct {
	ID       string
	AgentID  string
	TaskID   *string
	Summary  string
	Files    []string
	StepName *string
}

// InvalidApproval carries an APPROVAL_REQUEST payload that is not a JSON object.
type InvalidApproval struct {
	Payload string
}

type Raw struct {
	Text string
}

func (Status) Kind() string          { return "status" }
func (Tokens) Kind() string          { return "tokens" }
func (Log) Kind() string             { return "log" }
func (ApprovalRequest) Kind() string { return "approval" }
func (InvalidApproval) Kind() string { return "invalid_approval" }
func (Raw) Kind() string             { return "raw" }

// Decode parses one stdout line. Blank lines report ok=false.
func Decode(line string) (ev Event, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	switch {
	case strings.HasPrefix(line, prefixStatus):
		parts := strings.Split(line, "|")
		st := Status{AgentID: field(parts, 1), Status: field(parts, 2), Step: DefaultStep}
		if len(parts) > 3 {
			if step := strings.Join(parts[3:], "|"); step != "" {
				st.Step = step
			}
		}
		return st, true
	case strings.HasPrefix(line, prefixTokens):
		parts := strings.Split(line, "|")
		n, err := strconv.ParseInt(strings.TrimSpace(field(parts, 2)), 10, 64)
		if err != nil || n < 0 {
			n = 0
		}
		return Tokens{AgentID: field(parts, 1), Count: n}, true
	case strings.HasPrefix(line, prefixLog):
		parts := strings.Split(line, "|")
		lg := Log{AgentID: field(parts, 1)}
		if lg.AgentID == "" {
			lg.AgentID = DefaultAgentID
		}
		if len(parts) > 2 {
			lg.Message = strings.Join(parts[2:], "|")
		}
		return lg, true
	case strings.HasPrefix(line, prefixApproval):
		payload := strings.TrimPrefix(line, prefixApproval)
		req, err := decodeApproval(payload)
		if err != nil {
			return InvalidApproval{Payload: payload}, true
		}
		return req, true
	default:
		return Raw{Text: line}, true
	}
}

func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

type approvalPayload struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agentId"`
	AgentIDSnake  string   `json:"agent_id"`
	TaskID        string   `json:"taskId"`
	Summary       string   `json:"summary"`
	OutputSummary string   `json:"outputSummary"`
	Files         []string `json:"files"`
	Role          string   `json:"role"`
	StepName      string   `json:"stepName"`
}

var errNotObject = errors.New("approval payload is not a JSON object")

func decodeApproval(payload string) (ApprovalRequest, error) {
	if !strings.HasPrefix(strings.TrimSpace(payload), "{") {
		return ApprovalRequest{}, errNotObject
	}
	var p approvalPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ApprovalRequest{}, err
	}
	req := ApprovalRequest{
		ID:      p.ID,
		AgentID: firstNonEmpty(p.AgentID, p.AgentIDSnake),
		Summary: firstNonEmpty(p.Summary, p.OutputSummary),
		Files:   p.Files,
	}
	if p.TaskID != "" {
		req.TaskID = &p.TaskID
	}
	if step := firstNonEmpty(p.Role, p.StepName); step != "" {
		req.StepName = &step
	}
	return req, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
