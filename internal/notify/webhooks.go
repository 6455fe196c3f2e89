// Package notify posts hub events to configured webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crewdeck/internal/config"
	"crewdeck/internal/events"
	"crewdeck/internal/logging"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

// Dispatcher is an events.Sink with one bounded queue and worker per hook.
type Dispatcher struct {
	hooks []*hookWorker
	wg    sync.WaitGroup
	mu    sync.RWMutex
	close bool
	log   *zap.Logger
}

type hookWorker struct {
	cfg    config.WebhookConfig
	filter eventFilter
	queue  chan events.Event
}

func NewDispatcher(hooks []config.WebhookConfig, client *http.Client, log *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	d := &Dispatcher{log: logging.OrNop(log).Named("webhooks")}
	for _, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		w := &hookWorker{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			queue:  make(chan events.Event, defaultQueueSize),
		}
		d.hooks = append(d.hooks, w)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range w.queue {
				if err := postEvent(context.Background(), client, w.cfg, ev); err != nil {
					d.log.Warn("deliver failed", zap.String("url", w.cfg.URL), zap.String("event", string(ev.Name)), zap.Error(err))
				}
			}
		}()
	}
	return d
}

// Len returns the number of active hooks.
func (d *Dispatcher) Len() int { return len(d.hooks) }

func (d *Dispatcher) Deliver(ev events.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.close {
		return
	}
	for _, w := range d.hooks {
		if !w.filter.match(string(ev.Name)) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
			d.log.Warn("queue full, event dropped", zap.String("url", w.cfg.URL), zap.String("event", string(ev.Name)))
		}
	}
}

// Close delivers what is queued and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.close {
		d.close = true
		for _, w := range d.hooks {
			close(w.queue)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func postEvent(ctx context.Context, client *http.Client, hook config.WebhookConfig, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewdeck-Event", string(ev.Name))
	req.Header.Set("X-Crewdeck-Project", ev.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Crewdeck-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(names []string) eventFilter {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.TrimSpace(name)
		if key == "*" {
			return eventFilter{all: true}
		}
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(name string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[name]
	return ok
}
