package artifacts

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/domain"
)

func TestEnsureCreatesLayoutOnce(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	agents := []domain.Agent{
		domain.NewAgent(domain.RosterEntry{ID: "pm", Name: "Project Manager"}, now),
		domain.NewAgent(domain.RosterEntry{ID: "runner", Name: "Orchestrator"}, now),
	}
	require.NoError(t, d.Ensure(agents))

	doc, err := d.ReadAgentsDoc()
	require.NoError(t, err)
	assert.Contains(t, doc, "- pm: Project Manager\n")
	assert.Contains(t, doc, "## Notes")

	diary, err := d.ReadDiary("pm")
	require.NoError(t, err)
	assert.Equal(t, "# Diary: Project Manager (pm)\n\n", diary)

	require.NoError(t, d.WriteAgentsDoc("custom\n"))
	require.NoError(t, d.Ensure(agents))
	doc, err = d.ReadAgentsDoc()
	require.NoError(t, err)
	assert.Equal(t, "custom\n", doc)
}

func TestDiaryAppend(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, d.AppendDiary("tester", at, "ran suite"))
	diary, err := d.ReadDiary("tester")
	require.NoError(t, err)
	assert.Equal(t, "- [2024-01-02T03:04:05Z] ran suite\n", diary)

	_, err = d.ReadDiary("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMissingAgentsDocReadsEmpty(t *testing.T) {
	doc, err := Dir{Root: t.TempDir()}.ReadAgentsDoc()
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestAuditAndDecision(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	a := domain.Approval{ID: "ap1", AgentID: "backend", Status: domain.ApprovalApproved, DecidedAt: &at}
	require.NoError(t, d.AppendAudit(a, at))

	a2 := domain.Approval{ID: "ap2", AgentID: "pm", Status: domain.ApprovalRejected, StepName: domain.Ptr("plan"), DecidedAt: &at}
	require.NoError(t, d.AppendAudit(a2, at))

	audit, err := os.ReadFile(d.AuditPath())
	require.NoError(t, err)
	assert.Equal(t, "# Approvals Log\n\n"+
		"- [2024-06-01T10:00:00Z] APPROVED • backend • Approval • ap1\n"+
		"- [2024-06-01T10:00:00Z] REJECTED • pm • plan • ap2\n", string(audit))

	require.NoError(t, d.WriteDecision(a2))
	raw, err := os.ReadFile(d.DecisionPath("ap2"))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "ap2", got["id"])
	assert.Equal(t, "rejected", got["status"])
	assert.Equal(t, "pm", got["agentId"])
	assert.Equal(t, "plan", got["stepName"])
	assert.Equal(t, "2024-06-01T10:00:00Z", got["decidedAt"])
}
