package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewdeck/internal/config"
	"crewdeck/internal/events"
)

type received struct {
	event   string
	project string
	secret  string
	body    map[string]any
}

func TestDispatcherPostsFilteredEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		got = append(got, received{
			event:   r.Header.Get("X-Crewdeck-Event"),
			project: r.Header.Get("X-Crewdeck-Project"),
			secret:  r.Header.Get("X-Crewdeck-Secret"),
			body:    body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{"approval_created"}, Secret: "s3"},
		{URL: ""},
	}, nil, nil)
	require.Equal(t, 1, d.Len())

	at := time.Date(2024, 3, 3, 3, 3, 3, 0, time.UTC)
	d.Deliver(events.Event{Name: events.LogAppended, ProjectID: "p1", Data: json.RawMessage(`{}`), At: at})
	d.Deliver(events.Event{Name: events.ApprovalCreated, ProjectID: "p1", Data: json.RawMessage(`{"id":"a1"}`), At: at})
	d.Close()
	d.Deliver(events.Event{Name: events.ApprovalCreated, ProjectID: "p1"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "approval_created", got[0].event)
	assert.Equal(t, "p1", got[0].project)
	assert.Equal(t, "s3", got[0].secret)
	assert.Equal(t, "approval_created", got[0].body["event"])
	assert.Equal(t, "p1", got[0].body["projectId"])
	assert.Equal(t, map[string]any{"id": "a1"}, got[0].body["data"])
	assert.Equal(t, "2024-03-03T03:03:03Z", got[0].body["at"])
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{"log_appended", "*"}).match("task_created"))
	f := newEventFilter([]string{" task_created "})
	assert.True(t, f.match("task_created"))
	assert.False(t, f.match("task_updated"))
}
