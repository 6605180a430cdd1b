// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket limits
	maxMessageSize = 4096
	maxChannels    = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// Subscription scopes. A channel is the tuple (project, scope, id).
const (
	ScopeWorkflow  = "workflow"
	ScopeExecution = "execution"
	ScopeIssue     = "issue"
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Channel identifies one subscription. Empty fields act as wildcards, except
// that session updates are only ever delivered on execution-scoped channels.
type Channel struct {
	ProjectID string `json:"project_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ID        string `json:"id,omitempty"`
}

// wsClient represents a single connected WebSocket client.
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	channels []Channel
	mu       sync.RWMutex
}

// ClientRegistry manages all connected WebSocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast sends an event to all clients whose channels match. A client
// receives at most one copy per event no matter how many of its channels
// match. Delivery is best-effort: a client whose send buffer is full is
// disconnected rather than allowed to backpressure producers.
func (r *ClientRegistry) Broadcast(event protocol.Event) {
	data, err := marshalEvent(event)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to marshal event for WebSocket broadcast")
		return
	}

	var slow []*wsClient

	r.mu.RLock()
	for c := range r.clients {
		if c.matchesAny(event) {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		getLog().Warn().Msg("Disconnecting slow WebSocket client")
		r.remove(c)
		// Closing the connection unblocks the read pump, which runs the
		// rest of the teardown.
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// matchesAny returns true if the event matches any of the client's channels.
// Clients with no channels receive every lifecycle event (firehose mode) but
// must subscribe to an execution explicitly to see its session updates.
func (c *wsClient) matchesAny(event protocol.Event) bool {
	_, sessionUpdate := event.(protocol.SessionUpdateEvent)

	c.mu.RLock()
	if len(c.channels) == 0 {
		c.mu.RUnlock()
		return !sessionUpdate
	}
	// Copy to avoid reading from a slice that could be modified after unlock
	channels := make([]Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.RUnlock()

	ids := extractEventIDs(event)

	for _, ch := range channels {
		if ch.ProjectID != "" && ch.ProjectID != ids.projectID {
			continue
		}
		// Session updates ride the execution channel only. Workflow and
		// issue subscribers do not get a parallel copy.
		if sessionUpdate && ch.Scope != ScopeExecution {
			continue
		}
		switch ch.Scope {
		case ScopeWorkflow:
			if ch.ID != "" && ch.ID != ids.workflowID {
				continue
			}
		case ScopeExecution:
			if ch.ID != "" && ch.ID != ids.executionID {
				continue
			}
		case ScopeIssue:
			if ch.ID != "" && ch.ID != ids.issueID {
				continue
			}
		case "":
			// project-wide channel
		default:
			continue
		}
		return true
	}
	return false
}

// workflowScoped, executionScoped, and issueScoped allow events to declare
// their IDs without requiring this file to enumerate every event type.
type projectScoped interface {
	GetProjectID() string
}

type workflowScoped interface {
	GetWorkflowID() string
}

type executionScoped interface {
	GetExecutionID() string
}

type issueScoped interface {
	GetIssueID() string
}

type eventIDs struct {
	projectID   string
	workflowID  string
	executionID string
	issueID     string
}

func extractEventIDs(event protocol.Event) eventIDs {
	var ids eventIDs
	if ps, ok := event.(projectScoped); ok {
		ids.projectID = ps.GetProjectID()
	}
	if ws, ok := event.(workflowScoped); ok {
		ids.workflowID = ws.GetWorkflowID()
	}
	if es, ok := event.(executionScoped); ok {
		ids.executionID = es.GetExecutionID()
	}
	if is, ok := event.(issueScoped); ok {
		ids.issueID = is.GetIssueID()
	}
	return ids
}

// wsMessage is the envelope for client → server WebSocket messages.
type wsMessage struct {
	Type    string  `json:"type"`    // "subscribe" or "unsubscribe"
	Channel Channel `json:"channel"` // single channel per message
}

// wsOutMessage is the envelope for server → client WebSocket messages.
type wsOutMessage struct {
	Type string      `json:"type"` // event kind, or "error"
	Data interface{} `json:"data,omitempty"`
}

func eventKind(event protocol.Event) string {
	switch event.(type) {
	case protocol.WorkflowLifecycleEvent:
		return "workflow_lifecycle"
	case protocol.StepLifecycleEvent:
		return "step_lifecycle"
	case protocol.SessionUpdateEvent:
		return "session_update"
	case protocol.ErrorEvent:
		return "error"
	default:
		return "event"
	}
}

func marshalEvent(event protocol.Event) ([]byte, error) {
	out := wsOutMessage{
		Type: eventKind(event),
		Data: event,
	}
	return json.Marshal(out)
}

// HandleWebSocket upgrades an HTTP connection and manages the client lifecycle.
func HandleWebSocket(registry *ClientRegistry, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn: conn,
			send: make(chan []byte, 64),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		close(c.send) // signals writePump to exit
		c.conn.Close()
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			continue
		}

		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			if len(c.channels) >= maxChannels {
				getLog().Warn().Msg("WebSocket client hit max channel limit")
			} else {
				c.channels = append(c.channels, msg.Channel)
				getLog().Debug().
					Str("scope", msg.Channel.Scope).
					Str("id", msg.Channel.ID).
					Msg("WebSocket client subscribed")
			}
		case "unsubscribe":
			c.channels = removeChannel(c.channels, msg.Channel)
			getLog().Debug().Msg("WebSocket client unsubscribed")
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed by readPump, send close frame.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func removeChannel(channels []Channel, target Channel) []Channel {
	result := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch == target {
			continue
		}
		result = append(result, ch)
	}
	return result
}
