// Package gateway implements the reference platform adapter: a
// gorilla/websocket server that accepts one JSON envelope per
// websocket message, translates each into a contextmgr.EnqueueRequest, and
// writes the delivered result back down the same connection. It
// implements no platform-specific protocol — it exists so the full
// ingest-to-delivery pipeline is exercisable end to end without a
// second process.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shipagent/ship/internal/contextmgr"
	"github.com/shipagent/ship/internal/lane"
)

// InboundEnvelope is one line a client sends over the socket.
type InboundEnvelope struct {
	ContextID       string `json:"contextId"`
	Channel         string `json:"channel"`
	TargetID        string `json:"targetId"`
	ActorID         string `json:"actorId"`
	ActorName       string `json:"actorName,omitempty"`
	Text            string `json:"text"`
	SourceMessageID string `json:"sourceMessageId,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
}

// OutboundEnvelope is one line the server writes back.
type OutboundEnvelope struct {
	ContextID string `json:"contextId"`
	Channel   string `json:"channel,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Success   bool   `json:"success"`
	Output    string `json:"output"`
	ToolCalls int    `json:"toolCalls"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades incoming HTTP connections and bridges them to a
// contextmgr.Manager. One connection may carry many contextIds.
type Server struct {
	manager *contextmgr.Manager

	mu    sync.Mutex
	conns map[string]*websocket.Conn // contextId -> most recent connection
}

// NewServer returns a Server backed by manager. The caller wires
// Server.Deliver into manager with Manager.SetDeliver after both exist,
// so outbound results reach the right connection.
func NewServer(manager *contextmgr.Manager) *Server {
	return &Server{manager: manager, conns: make(map[string]*websocket.Conn)}
}

// ServeHTTP upgrades the connection and reads one JSON envelope per
// websocket message until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env InboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("gateway: malformed envelope, dropped", "error", err)
			continue
		}
		if env.ContextID == "" {
			slog.Warn("gateway: envelope missing contextId, dropped")
			continue
		}

		s.mu.Lock()
		s.conns[env.ContextID] = conn
		s.mu.Unlock()

		if err := s.manager.Enqueue(contextmgr.EnqueueRequest{
			ContextID:       env.ContextID,
			Channel:         env.Channel,
			TargetID:        env.TargetID,
			ActorID:         env.ActorID,
			ActorName:       env.ActorName,
			Text:            env.Text,
			SourceMessageID: env.SourceMessageID,
			RequestID:       env.RequestID,
		}); err != nil {
			s.writeTo(env.ContextID, OutboundEnvelope{ContextID: env.ContextID, Success: false, Error: err.Error()})
		}
	}
}

// Deliver is the contextmgr.DeliverFunc wired via Manager.SetDeliver: it
// writes the run result back to whichever connection most recently
// carried a message for contextID. A context with no live connection
// (the client disconnected mid-run) is logged and dropped.
func (s *Server) Deliver(ctx context.Context, contextID, channel, targetID string, result lane.RunResult) {
	s.writeTo(contextID, OutboundEnvelope{
		ContextID: contextID,
		Channel:   channel,
		TargetID:  targetID,
		Success:   result.Success,
		Output:    result.Output,
		ToolCalls: result.ToolCalls,
	})
}

func (s *Server) writeTo(contextID string, env OutboundEnvelope) {
	s.mu.Lock()
	conn, ok := s.conns[contextID]
	s.mu.Unlock()
	if !ok {
		slog.Warn("gateway: no live connection to deliver to", "contextId", contextID)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("gateway: failed to encode outbound envelope", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("gateway: failed to write outbound envelope", "contextId", contextID, "error", err)
	}
}
