package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/events"
)

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCountersAndExposition(t *testing.T) {
	tel := New(func() int { return 2 })
	other := New(nil)

	tel.RunFinished("completed")
	tel.RunFinished("completed")
	tel.ProtocolLine("status")
	tel.ApprovalDecided("approved")
	tel.EventPublished(events.AgentUpdated)
	tel.SubscriberDropped()
	tel.SubscribersChanged(3)

	body := scrape(t, tel)
	assert.Contains(t, body, `crewdeck_runs_total{result="completed"} 2`)
	assert.Contains(t, body, `crewdeck_protocol_lines_total{kind="status"} 1`)
	assert.Contains(t, body, `crewdeck_approvals_decided_total{decision="approved"} 1`)
	assert.Contains(t, body, `crewdeck_events_published_total{event="agent_updated"} 1`)
	assert.Contains(t, body, "crewdeck_subscribers_dropped_total 1")
	assert.Contains(t, body, "crewdeck_subscribers 3")
	assert.Contains(t, body, "crewdeck_active_processes 2")

	otherBody := scrape(t, other)
	assert.NotContains(t, otherBody, "crewdeck_runs_total{")
	assert.NotContains(t, otherBody, "crewdeck_active_processes")
}
