// Package messagebus mirrors hub events onto NATS subjects.
package messagebus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"crewdeck/internal/events"
	"crewdeck/internal/logging"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	URL           string
	SubjectPrefix string
	QueueSize     int
	Timeout       time.Duration
}

// Connect dials NATS with unlimited reconnects.
func Connect(cfg Config, log *zap.Logger) (*nats.Conn, error) {
	log = logging.OrNop(log).Named("nats")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("crewdeck"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected", zap.String("url", cfg.URL))
	return nc, nil
}

// Mirror is an events.Sink publishing each event as
// <prefix>.events.<projectId>.<eventName>.
type Mirror struct {
	pub    Publisher
	prefix string
	queue  chan events.Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	log    *zap.Logger
}

func NewMirror(pub Publisher, cfg Config, log *zap.Logger) *Mirror {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "crewdeck"
	}
	m := &Mirror{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan events.Event, cfg.QueueSize),
		done:   make(chan struct{}),
		log:    logging.OrNop(log).Named("nats"),
	}
	go m.loop()
	return m
}

// Subject returns the subject an event is published on.
func (m *Mirror) Subject(ev events.Event) string {
	return fmt.Sprintf("%s.events.%s.%s", m.prefix, token(ev.ProjectID), token(string(ev.Name)))
}

func (m *Mirror) Deliver(ev events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.log.Warn("mirror queue full, event dropped", zap.String("project_id", ev.ProjectID), zap.String("event", string(ev.Name)))
	}
}

// Close flushes queued events and stops the worker.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) loop() {
	defer close(m.done)
	for ev := range m.queue {
		body, err := json.Marshal(ev)
		if err != nil {
			m.log.Error("encode event", zap.Error(err))
			continue
		}
		if err := m.pub.Publish(m.Subject(ev), body); err != nil {
			m.log.Warn("publish failed", zap.String("project_id", ev.ProjectID), zap.String("event", string(ev.Name)), zap.Error(err))
		}
	}
}

// token keeps subject segments free of NATS separators and wildcards.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
