package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu  sync.Mutex
	got []Event
}

func (c *captureSink) Deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

type countingObserver struct {
	published map[Name]int
	dropped   int
	subs      int
}

func (o *countingObserver) EventPublished(name Name) { o.published[name]++ }
func (o *countingObserver) SubscriberDropped()       { o.dropped++ }
func (o *countingObserver) SubscribersChanged(n int) { o.subs = n }

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubscribeSendsConnectedFirst(t *testing.T) {
	h := NewHub(4, nil)
	sub := h.Subscribe("p1")
	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, Connected, evs[0].Name)
	var body map[string]string
	require.NoError(t, json.Unmarshal(evs[0].Data, &body))
	assert.Equal(t, sub.ID, body["id"])
}

func TestPublishOrderAndIsolation(t *testing.T) {
	h := NewHub(8, nil)
	a := h.Subscribe("p1")
	b := h.Subscribe("p2")
	drain(a)
	drain(b)

	h.Publish("p1", AgentUpdated, map[string]int{"n": 1})
	h.Publish("p1", TaskCreated, map[string]int{"n": 2})
	h.Publish("p2", LogAppended, map[string]int{"n": 3})

	got := drain(a)
	require.Len(t, got, 2)
	assert.Equal(t, AgentUpdated, got[0].Name)
	assert.Equal(t, TaskCreated, got[1].Name)
	assert.JSONEq(t, `{"n":2}`, string(got[1].Data))

	other := drain(b)
	require.Len(t, other, 1)
	assert.Equal(t, LogAppended, other[0].Name)
}

func TestLateSubscriberSeesOnlyLaterEvents(t *testing.T) {
	h := NewHub(8, nil)
	h.Publish("p1", AgentUpdated, 1)
	sub := h.Subscribe("p1")
	h.Publish("p1", TaskUpdated, 2)
	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, Connected, got[0].Name)
	assert.Equal(t, TaskUpdated, got[1].Name)
}

func TestFullQueueDropsOnlySlowSubscriber(t *testing.T) {
	obs := &countingObserver{published: map[Name]int{}}
	h := NewHub(2, nil, WithObserver(obs))
	slow := h.Subscribe("p1")
	fast := h.Subscribe("p1")
	assert.Equal(t, 2, obs.subs)

	for i := 0; i < 5; i++ {
		h.Publish("p1", LogAppended, i)
		drain(fast)
	}

	got := drain(slow)
	// connected + two queued events, then the channel is closed
	require.Len(t, got, 3)
	_, open := <-slow.Events()
	assert.False(t, open)

	assert.Equal(t, 1, h.Subscribers("p1"))
	assert.Equal(t, 1, obs.dropped)
	assert.Equal(t, 1, obs.subs)
	assert.Equal(t, 5, obs.published[LogAppended])

	h.Publish("p1", AgentUpdated, "still here")
	got = drain(fast)
	require.Len(t, got, 1)
	assert.Equal(t, AgentUpdated, got[0].Name)
}

func TestSinksReceiveEveryEvent(t *testing.T) {
	sink := &captureSink{}
	h := NewHub(1, nil, WithSink(sink))
	h.Publish("p1", CostsUpdated, map[string]float64{"totalCost": 0.5})
	h.Publish("p2", MetricsUpdated, nil)
	require.Len(t, sink.got, 2)
	assert.Equal(t, "p1", sink.got[0].ProjectID)
	assert.Equal(t, MetricsUpdated, sink.got[1].Name)
}

func TestUnsubscribeAndClose(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe("p1")
	b := h.Subscribe("p1")
	h.Unsubscribe(a)
	h.Unsubscribe(a)
	assert.Equal(t, 1, h.Subscribers("p1"))

	h.Close()
	drain(b)
	_, open := <-b.Events()
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("p1"))
}

func TestUnencodablePayloadIsSkipped(t *testing.T) {
	h := NewHub(4, nil)
	sub := h.Subscribe("p1")
	drain(sub)
	h.Publish("p1", AgentUpdated, make(chan int))
	assert.Empty(t, drain(sub))
}
