package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jamesruggles/rlsguard/internal/scanner"
)

const wsWriteTimeout = 5 * time.Second

// Hub fans scan events out to WebSocket clients subscribed to a project.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) Subscribe(projectID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[projectID] == nil {
		h.clients[projectID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[projectID][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(projectID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[projectID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, projectID)
		}
	}
}

func (h *Hub) subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

func (h *Hub) Broadcast(projectID string, ev scanner.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[projectID]))
	for c := range h.clients[projectID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("ws write error", "project_id", projectID, "error", err)
			h.Unsubscribe(projectID, conn)
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

type wsSubscribeMsg struct {
	ProjectID string `json:"project_id"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(r.Context())
	if err != nil {
		return
	}

	var msg wsSubscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.ProjectID) == "" {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid subscribe message")
		return
	}

	s.hub.Subscribe(msg.ProjectID, conn)
	defer s.hub.Unsubscribe(msg.ProjectID, conn)

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
