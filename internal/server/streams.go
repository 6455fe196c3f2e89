package server

import (
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crewdeck/internal/events"
	"crewdeck/internal/orchestrator"
)

const wsWriteWait = 10 * time.Second

type streamConfig struct {
	orch      *orchestrator.Orchestrator
	hub       *events.Hub
	keepalive time.Duration
	log       *zap.Logger
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard is served from a different origin during development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerStreams mounts the live channels. They sit outside huma because
// both hold the connection open.
func registerStreams(r chi.Router, basePath string, cfg streamConfig) {
	r.Get(path.Join(basePath, "projects/{project_id}/events"), cfg.serveSSE)
	r.Get(path.Join(basePath, "projects/{project_id}/ws"), cfg.serveWS)
}

func (c streamConfig) subscribe(w http.ResponseWriter, r *http.Request) (*events.Subscriber, bool) {
	projectID := chi.URLParam(r, "project_id")
	if _, err := c.orch.RunStatus(projectID); err != nil {
		writeError(w, err)
		return nil, false
	}
	return c.hub.Subscribe(projectID), true
}

func (c streamConfig) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := c.subscribe(w, r)
	if !ok {
		return
	}
	defer c.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (c streamConfig) serveWS(w http.ResponseWriter, r *http.Request) {
	sub, ok := c.subscribe(w, r)
	if !ok {
		return
	}
	defer c.hub.Unsubscribe(sub)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// Inbound frames are ignored; reading surfaces the client's close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Debug("websocket read", zap.String("subscriber", sub.ID), zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
