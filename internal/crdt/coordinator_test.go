// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/models"
)

func testDB(t *testing.T) *database.GormDB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	db := database.NewGormDBFromConn(conn)
	require.NoError(t, db.AutoMigrate())
	return db
}

func testCoordinator(t *testing.T) (*Coordinator, *database.GormDB) {
	t.Helper()
	db := testDB(t)
	c, err := NewCoordinator(db, config.CoordinatorConfig{
		PersistInterval:       20 * time.Millisecond,
		GCInterval:            time.Hour, // GC driven manually in tests
		ExecutionGCAge:        time.Hour,
		AgentHeartbeatTimeout: 2 * time.Minute,
	})
	require.NoError(t, err)
	return c, db
}

func dialSync(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	return frame
}

func TestNewClientReceivesInitialState(t *testing.T) {
	c, _ := testCoordinator(t)
	c.Start()
	defer c.Shutdown()

	_, err := c.Doc().Set(MapIssueUpdates, "i-1", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", c.HandleSync)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialSync(t, srv)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, FrameSyncInit, frame.Type)

	var updates []Update
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, "i-1", updates[0].Key)
}

func TestUpdateIsAppliedAndRebroadcast(t *testing.T) {
	c, _ := testCoordinator(t)
	c.Start()
	defer c.Shutdown()

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", c.HandleSync)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sender := dialSync(t, srv)
	defer sender.Close()
	receiver := dialSync(t, srv)
	defer receiver.Close()

	readFrame(t, sender)   // drain init
	readFrame(t, receiver) // drain init

	payload, err := json.Marshal([]Update{{
		Map:     MapIssueUpdates,
		Key:     "i-9",
		Value:   json.RawMessage(`{"status":"in_progress"}`),
		Version: 1,
	}})
	require.NoError(t, err)
	frame, err := EncodeFrame(FrameSyncUpdate, payload)
	require.NoError(t, err)
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, frame))

	// The other client sees the update; the sender does not get an echo.
	got := readFrame(t, receiver)
	assert.Equal(t, FrameSyncUpdate, got.Type)
	var updates []Update
	require.NoError(t, json.Unmarshal([]byte(got.Data), &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, "i-9", updates[0].Key)

	// Authoritative doc picked it up.
	require.Eventually(t, func() bool {
		_, version, ok := c.Doc().Get(MapIssueUpdates, "i-9")
		return ok && version == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDebouncedPersistence(t *testing.T) {
	c, db := testCoordinator(t)
	c.Start()
	defer c.Shutdown()

	require.NoError(t, c.Publish(MapSpecUpdates, "s-1", json.RawMessage(`{"title":"spec"}`)))

	require.Eventually(t, func() bool {
		rows, err := db.LoadCRDTEntries(context.Background())
		return err == nil && len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, c.LastPersistTime().IsZero())
}

func TestSeedFromStoreOnStartup(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.UpsertCRDTEntries(context.Background(), []models.CRDTEntry{
		{MapName: MapIssueUpdates, Key: "i-1", Value: `{"status":"open"}`, Version: 7},
	}))

	c, err := NewCoordinator(db, config.CoordinatorConfig{PersistInterval: time.Second, GCInterval: time.Hour})
	require.NoError(t, err)

	_, version, ok := c.Doc().Get(MapIssueUpdates, "i-1")
	require.True(t, ok)
	assert.Equal(t, int64(7), version)
}

func TestGarbageCollection(t *testing.T) {
	c, db := testCoordinator(t)

	now := time.Now()
	old := now.Add(-2 * time.Hour).Format(time.RFC3339)
	recent := now.Add(-time.Minute).Format(time.RFC3339)

	set := func(mapName, key, value string) {
		_, err := c.Doc().Set(mapName, key, json.RawMessage(value))
		require.NoError(t, err)
	}
	set(MapExecutionState, "e-done-old", fmt.Sprintf(`{"status":"completed","completed_at":%q}`, old))
	set(MapExecutionState, "e-done-new", fmt.Sprintf(`{"status":"completed","completed_at":%q}`, recent))
	set(MapExecutionState, "e-running", `{"status":"running"}`)
	set(MapAgentMetadata, "agent-stale", fmt.Sprintf(`{"last_heartbeat":%q}`, old))
	set(MapAgentMetadata, "agent-live", fmt.Sprintf(`{"last_heartbeat":%q}`, recent))
	c.flush()

	c.collectGarbage(now)

	_, _, ok := c.Doc().Get(MapExecutionState, "e-done-old")
	assert.False(t, ok, "old completed execution should be collected")
	_, _, ok = c.Doc().Get(MapExecutionState, "e-done-new")
	assert.True(t, ok, "recently completed execution survives")
	_, _, ok = c.Doc().Get(MapExecutionState, "e-running")
	assert.True(t, ok, "running execution survives")
	_, _, ok = c.Doc().Get(MapAgentMetadata, "agent-stale")
	assert.False(t, ok, "agent with expired heartbeat should be collected")
	_, _, ok = c.Doc().Get(MapAgentMetadata, "agent-live")
	assert.True(t, ok)

	rows, err := db.LoadCRDTEntries(context.Background())
	require.NoError(t, err)
	for _, r := range rows {
		assert.NotEqual(t, "e-done-old", r.Key)
		assert.NotEqual(t, "agent-stale", r.Key)
	}
}

func TestShutdownFlushesAndIsIdempotent(t *testing.T) {
	c, db := testCoordinator(t)
	c.Start()

	_, err := c.Doc().Set(MapIssueUpdates, "i-1", json.RawMessage(`{"status":"open"}`))
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown() // second call is a no-op

	rows, err := db.LoadCRDTEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1, "final flush persists pending changes")
}

func TestBroadcastDuringDisconnectDoesNotPanic(t *testing.T) {
	c, _ := testCoordinator(t)

	const clientCount = 200
	clients := make([]*syncClient, clientCount)
	c.mu.Lock()
	for i := range clients {
		cl := &syncClient{send: make(chan []byte, 1)}
		clients[i] = cl
		c.clients[cl] = struct{}{}
	}
	c.mu.Unlock()

	// Fan out frames while every client disconnects underneath. The tiny
	// buffers also force broadcast through its own slow-client drop path,
	// racing both dropClient callers against the in-flight sends.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.broadcast([]byte("frame"), nil)
		}
	}()
	go func() {
		defer wg.Done()
		for _, cl := range clients {
			c.dropClient(cl)
		}
	}()
	wg.Wait()

	c.mu.Lock()
	remaining := len(c.clients)
	c.mu.Unlock()
	assert.Zero(t, remaining)
}
