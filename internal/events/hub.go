// Package events fans project state changes out to live subscribers and
// outbound sinks.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crewdeck/internal/logging"
)

// Name identifies an event type on the live channel.
type Name string

const (
	Connected        Name = "connected"
	AgentUpdated     Name = "agent_updated"
	TaskCreated      Name = "task_created"
	TaskUpdated      Name = "task_updated"
	LogAppended      Name = "log_appended"
	ApprovalCreated  Name = "approval_created"
	ApprovalUpdated  Name = "approval_updated"
	ProjectRunStatus Name = "project_run_status"
	CostsUpdated     Name = "costs_updated"
	MetricsUpdated   Name = "metrics_updated"
)

// Event is a published change with its payload already encoded.
type Event struct {
	Name      Name            `json:"event"`
	ProjectID string          `json:"projectId"`
	Data      json.RawMessage `json:"data"`
	At        time.Time       `json:"at"`
}

// Sink receives every published event. Deliver must not block.
type Sink interface {
	Deliver(ev Event)
}

// Observer is notified of hub activity for telemetry.
type Observer interface {
	EventPublished(name Name)
	SubscriberDropped()
	SubscribersChanged(n int)
}

// Subscriber is one live connection to a project's event stream.
type Subscriber struct {
	ID        string
	ProjectID string
	ch        chan Event
	closeOnce sync.Once
}

// Events yields events until the subscriber is dropped or unsubscribed.
func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	queueSize int
	sinks     []Sink
	observer  Observer
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Hub)

func WithSink(s Sink) Option { return func(h *Hub) { h.sinks = append(h.sinks, s) } }

func WithObserver(o Observer) Option { return func(h *Hub) { h.observer = o } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

func NewHub(queueSize int, log *zap.Logger, opts ...Option) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	h := &Hub{
		subs:      map[string]map[*Subscriber]struct{}{},
		queueSize: queueSize,
		now:       time.Now,
		log:       logging.OrNop(log).Named("events"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber whose first event is connected {id}.
// Only events published afterwards are delivered.
func (h *Hub) Subscribe(projectID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ch:        make(chan Event, h.queueSize+1),
	}
	data, _ := json.Marshal(map[string]string{"id": sub.ID})
	sub.ch <- Event{Name: Connected, ProjectID: projectID, Data: data, At: h.now()}

	h.mu.Lock()
	set, ok := h.subs[projectID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		h.subs[projectID] = set
	}
	set[sub] = struct{}{}
	n := h.countLocked()
	h.mu.Unlock()

	if h.observer != nil {
		h.observer.SubscribersChanged(n)
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	n := h.countLocked()
	h.mu.Unlock()
	sub.close()
	if removed && h.observer != nil {
		h.observer.SubscribersChanged(n)
	}
}

// Publish encodes payload once and offers it to every subscriber of the
// project. A subscriber whose queue is full is dropped.
func (h *Hub) Publish(projectID string, name Name, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("encode event", zap.String("project_id", projectID), zap.String("event", string(name)), zap.Error(err))
		return
	}
	ev := Event{Name: name, ProjectID: projectID, Data: data, At: h.now()}

	var dropped []*Subscriber
	h.mu.Lock()
	for sub := range h.subs[projectID] {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		h.removeLocked(sub)
	}
	n := h.countLocked()
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		h.log.Warn("dropped slow subscriber", zap.String("project_id", projectID), zap.String("subscriber", sub.ID))
	}
	for _, s := range h.sinks {
		s.Deliver(ev)
	}
	if h.observer != nil {
		h.observer.EventPublished(name)
		for range dropped {
			h.observer.SubscriberDropped()
		}
		if len(dropped) > 0 {
			h.observer.SubscribersChanged(n)
		}
	}
}

// Subscribers returns the live subscriber count for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[projectID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = map[string]map[*Subscriber]struct{}{}
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
	if h.observer != nil {
		h.observer.SubscribersChanged(0)
	}
}

func (h *Hub) removeLocked(sub *Subscriber) bool {
	set, ok := h.subs[sub.ProjectID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.ProjectID)
	}
	return true
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
