// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/entities"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCRDTLogger()
		log = &l
	})
	return log
}

const (
	// Buffered frames per client before it is considered too slow and dropped.
	clientSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	shutdownQuiescence = 2 * time.Second
)

type syncClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *syncClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Coordinator owns the authoritative document, all connected sync sockets,
// the debounced persister, and stale-state garbage collection.
type Coordinator struct {
	doc *Doc
	db  *database.GormDB
	cfg config.CoordinatorConfig

	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[*syncClient]struct{}
	lastPersist time.Time
	closed      bool

	persistCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCoordinator builds a coordinator and seeds the document from the
// backing store.
func NewCoordinator(db *database.GormDB, cfg config.CoordinatorConfig) (*Coordinator, error) {
	c := &Coordinator{
		doc: NewDoc(),
		db:  db,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[*syncClient]struct{}),
		persistCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	rows, err := db.LoadCRDTEntries(context.Background())
	if err != nil {
		return nil, err
	}
	c.doc.Seed(rows)
	getLog().Info().Int("entries", len(rows)).Msg("Coordinator document seeded from store")
	return c, nil
}

// Doc exposes the underlying document for server-side readers.
func (c *Coordinator) Doc() *Doc {
	return c.doc
}

// Start launches the persist and garbage-collection loops.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.persistLoop()
	go c.gcLoop()
}

// HandleSync upgrades the request to a sync WebSocket, sends the initial
// state and then relays updates in both directions.
func (c *Coordinator) HandleSync(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		http.Error(w, "coordinator is shut down", http.StatusServiceUnavailable)
		return
	}
	c.mu.Unlock()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		getLog().Warn().Err(err).Msg("Sync upgrade failed")
		return
	}

	client := &syncClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	state, err := c.doc.EncodeState()
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to encode initial state")
		conn.Close()
		return
	}
	initFrame, err := EncodeFrame(FrameSyncInit, state)
	if err != nil {
		conn.Close()
		return
	}

	// Queue the initial state before the client becomes visible to
	// broadcast, so nothing can drop and close it mid-handshake.
	client.send <- initFrame

	c.mu.Lock()
	c.clients[client] = struct{}{}
	clientCount := len(c.clients)
	c.mu.Unlock()
	getLog().Info().Int("clients", clientCount).Msg("Sync client connected")

	go c.writePump(client)
	go c.readPump(client)
}

func (c *Coordinator) readPump(client *syncClient) {
	defer c.dropClient(client)

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			getLog().Warn().Err(err).Msg("Dropping malformed sync frame")
			continue
		}
		if frame.Type != FrameSyncUpdate {
			continue
		}

		var updates []Update
		if err := json.Unmarshal(frame.Data, &updates); err != nil {
			getLog().Warn().Err(err).Msg("Dropping sync-update with malformed payload")
			continue
		}
		applied := 0
		for _, u := range updates {
			if c.doc.Apply(u) {
				applied++
			}
		}
		if applied > 0 {
			c.schedulePersist()
		}
		// Every incoming update is re-broadcast to the other clients even if
		// it was stale here; their replicas may still be behind.
		c.broadcast(raw, client)
	}
}

func (c *Coordinator) writePump(client *syncClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) dropClient(client *syncClient) {
	c.mu.Lock()
	_, ok := c.clients[client]
	delete(c.clients, client)
	remaining := len(c.clients)
	c.mu.Unlock()
	if ok {
		client.close()
		getLog().Info().Int("clients", remaining).Msg("Sync client disconnected")
	}
}

// broadcast sends a raw frame to every client except the sender. A client
// with a full send buffer is dropped rather than allowed to backpressure.
// Sends happen while holding c.mu: dropClient only closes a send channel
// after removing the client under the same lock, so a client visible here
// still has an open channel.
func (c *Coordinator) broadcast(frame []byte, except *syncClient) {
	var slow []*syncClient

	c.mu.Lock()
	for cl := range c.clients {
		if cl == except {
			continue
		}
		select {
		case cl.send <- frame:
		default:
			slow = append(slow, cl)
		}
	}
	c.mu.Unlock()

	for _, cl := range slow {
		getLog().Warn().Msg("Dropping slow sync client")
		c.dropClient(cl)
	}
}

// Publish applies a server-side change to the document and broadcasts it to
// every client.
func (c *Coordinator) Publish(mapName, key string, value json.RawMessage) error {
	update, err := c.doc.Set(mapName, key, value)
	if err != nil {
		return err
	}
	payload, err := json.Marshal([]Update{update})
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(FrameSyncUpdate, payload)
	if err != nil {
		return err
	}
	c.broadcast(frame, nil)
	c.schedulePersist()
	return nil
}

func (c *Coordinator) schedulePersist() {
	select {
	case c.persistCh <- struct{}{}:
	default:
	}
}

// persistLoop debounces document changes: each change (re)arms a timer, and
// the flush runs once the document has been idle for the persist interval.
func (c *Coordinator) persistLoop() {
	defer c.wg.Done()

	interval := c.cfg.PersistInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timer := time.NewTimer(interval)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-c.persistCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			c.flush()
		case <-c.stopCh:
			return
		}
	}
}

// flush writes all dirty entries in one transaction.
func (c *Coordinator) flush() {
	rows := c.doc.TakeDirty()
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.db.UpsertCRDTEntries(ctx, rows); err != nil {
		getLog().Error().Err(err).Int("entries", len(rows)).Msg("Persist failed, re-marking dirty")
		c.doc.MarkDirty(rows)
		return
	}
	c.mu.Lock()
	c.lastPersist = time.Now()
	c.mu.Unlock()
	getLog().Debug().Int("entries", len(rows)).Msg("Document persisted")
}

// LastPersistTime reports when the document last reached the store.
func (c *Coordinator) LastPersistTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPersist
}

func (c *Coordinator) gcLoop() {
	defer c.wg.Done()

	interval := c.cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectGarbage(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// gcExecutionView is the slice of an executionState value the collector
// cares about.
type gcExecutionView struct {
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at"`
}

type gcAgentView struct {
	LastHeartbeat string `json:"last_heartbeat"`
}

// collectGarbage removes finished executions past the GC age and agents with
// expired heartbeats, from both the document and the store.
func (c *Coordinator) collectGarbage(now time.Time) {
	var staleExecs []string
	for _, key := range c.doc.Keys(MapExecutionState) {
		raw, _, ok := c.doc.Get(MapExecutionState, key)
		if !ok {
			continue
		}
		var view gcExecutionView
		if err := json.Unmarshal(raw, &view); err != nil {
			continue
		}
		if view.Status != string(models.ExecutionCompleted) && view.Status != string(models.ExecutionFailed) {
			continue
		}
		completedAt := entities.ParseTime(view.CompletedAt)
		if completedAt.IsZero() || now.Sub(completedAt) > c.cfg.ExecutionGCAge {
			staleExecs = append(staleExecs, key)
		}
	}

	var staleAgents []string
	for _, key := range c.doc.Keys(MapAgentMetadata) {
		raw, _, ok := c.doc.Get(MapAgentMetadata, key)
		if !ok {
			continue
		}
		var view gcAgentView
		if err := json.Unmarshal(raw, &view); err != nil {
			continue
		}
		hb := entities.ParseTime(view.LastHeartbeat)
		if hb.IsZero() || now.Sub(hb) > c.cfg.AgentHeartbeatTimeout {
			staleAgents = append(staleAgents, key)
		}
	}

	if len(staleExecs) == 0 && len(staleAgents) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.db.DeleteCRDTEntries(ctx, MapExecutionState, staleExecs); err != nil {
		getLog().Error().Err(err).Msg("Failed to GC execution entries")
	} else {
		c.doc.Remove(MapExecutionState, staleExecs)
	}
	if err := c.db.DeleteCRDTEntries(ctx, MapAgentMetadata, staleAgents); err != nil {
		getLog().Error().Err(err).Msg("Failed to GC agent entries")
	} else {
		c.doc.Remove(MapAgentMetadata, staleAgents)
	}
	getLog().Info().
		Int("executions", len(staleExecs)).
		Int("agents", len(staleAgents)).
		Msg("Garbage collected stale document entries")
}

// Shutdown flushes a final persist, closes every client socket, waits
// briefly for quiescence and stops the background loops. Safe to call more
// than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	clients := make([]*syncClient, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.clients = make(map[*syncClient]struct{})
	c.mu.Unlock()

	close(c.stopCh)
	c.flush()

	for _, cl := range clients {
		cl.close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownQuiescence):
		getLog().Warn().Msg("Coordinator shutdown quiescence timeout, force-clearing")
	}
	getLog().Info().Msg("Coordinator shut down")
}
