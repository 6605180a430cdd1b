// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crdt hosts the replicated coordination document: a set of named
// last-writer-wins maps mirrored between the server and every connected
// client. Updates carry per-key versions, so applying the same update twice
// or out of order converges to the same state.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/orchestrator/models"
)

// Named maps carried by the document.
const (
	MapIssueUpdates    = "issueUpdates"
	MapSpecUpdates     = "specUpdates"
	MapFeedbackUpdates = "feedbackUpdates"
	MapExecutionState  = "executionState"
	MapAgentMetadata   = "agentMetadata"
)

// MapNames lists every named map in a stable order.
var MapNames = []string{
	MapIssueUpdates,
	MapSpecUpdates,
	MapFeedbackUpdates,
	MapExecutionState,
	MapAgentMetadata,
}

// EntityMapNames are the maps mirrored into the entity store by the
// persister.
var EntityMapNames = []string{MapIssueUpdates, MapSpecUpdates, MapFeedbackUpdates}

// Update is one incremental change to a single key of a named map.
type Update struct {
	Map     string          `json:"map"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

type entry struct {
	value     json.RawMessage
	version   int64
	updatedAt time.Time
}

type mapKey struct {
	name string
	key  string
}

// Doc is the authoritative document. Safe for concurrent use; one lock per
// document.
type Doc struct {
	mu    sync.RWMutex
	maps  map[string]map[string]entry
	dirty map[mapKey]struct{}
}

// NewDoc creates an empty document with all named maps present.
func NewDoc() *Doc {
	maps := make(map[string]map[string]entry, len(MapNames))
	for _, name := range MapNames {
		maps[name] = make(map[string]entry)
	}
	return &Doc{maps: maps, dirty: make(map[mapKey]struct{})}
}

// Apply merges one update into the document. Returns true when the update
// advanced the key's version; stale and duplicate updates are ignored, which
// makes application idempotent.
func (d *Doc) Apply(u Update) bool {
	m, ok := d.mapsByName(u.Map)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, exists := m[u.Key]
	if exists && u.Version <= cur.version {
		return false
	}
	m[u.Key] = entry{
		value:     append(json.RawMessage(nil), u.Value...),
		version:   u.Version,
		updatedAt: time.Now(),
	}
	d.dirty[mapKey{name: u.Map, key: u.Key}] = struct{}{}
	return true
}

// Set writes a local change, bumping the key's version, and returns the
// update to broadcast.
func (d *Doc) Set(mapName, key string, value json.RawMessage) (Update, error) {
	m, ok := d.mapsByName(mapName)
	if !ok {
		return Update{}, fmt.Errorf("unknown document map %q", mapName)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := m[key].version + 1
	m[key] = entry{
		value:     append(json.RawMessage(nil), value...),
		version:   next,
		updatedAt: time.Now(),
	}
	d.dirty[mapKey{name: mapName, key: key}] = struct{}{}
	return Update{Map: mapName, Key: key, Value: value, Version: next}, nil
}

// Get returns a key's current value and version.
func (d *Doc) Get(mapName, key string) (json.RawMessage, int64, bool) {
	m, ok := d.mapsByName(mapName)
	if !ok {
		return nil, 0, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := m[key]
	if !ok {
		return nil, 0, false
	}
	return append(json.RawMessage(nil), e.value...), e.version, true
}

// Keys returns every key of a named map.
func (d *Doc) Keys(mapName string) []string {
	m, ok := d.mapsByName(mapName)
	if !ok {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Remove deletes keys from a named map without recording tombstone dirt;
// used by the garbage collector after the store rows are gone.
func (d *Doc) Remove(mapName string, keys []string) {
	m, ok := d.mapsByName(mapName)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(m, k)
		delete(d.dirty, mapKey{name: mapName, key: k})
	}
}

// EncodeState serializes the full document as a flat update list, the
// payload of a sync-init frame.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.RLock()
	var updates []Update
	for _, name := range MapNames {
		for key, e := range d.maps[name] {
			updates = append(updates, Update{
				Map:     name,
				Key:     key,
				Value:   append(json.RawMessage(nil), e.value...),
				Version: e.version,
			})
		}
	}
	d.mu.RUnlock()
	return json.Marshal(updates)
}

// ApplyState merges a full state encoding, e.g. on reconnect.
func (d *Doc) ApplyState(data []byte) (int, error) {
	var updates []Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return 0, fmt.Errorf("malformed state encoding: %w", err)
	}
	applied := 0
	for _, u := range updates {
		if d.Apply(u) {
			applied++
		}
	}
	return applied, nil
}

// TakeDirty drains the dirty set into store rows for the persister. The set
// is cleared; a failed persist should re-mark via MarkDirty.
func (d *Doc) TakeDirty() []models.CRDTEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dirty) == 0 {
		return nil
	}
	rows := make([]models.CRDTEntry, 0, len(d.dirty))
	for mk := range d.dirty {
		e, ok := d.maps[mk.name][mk.key]
		if !ok {
			continue
		}
		rows = append(rows, models.CRDTEntry{
			MapName:   mk.name,
			Key:       mk.key,
			Value:     string(e.value),
			Version:   e.version,
			UpdatedAt: e.updatedAt,
		})
	}
	d.dirty = make(map[mapKey]struct{})
	return rows
}

// MarkDirty re-flags rows after a failed persist so the next flush retries
// them.
func (d *Doc) MarkDirty(rows []models.CRDTEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range rows {
		d.dirty[mapKey{name: r.MapName, key: r.Key}] = struct{}{}
	}
}

// Seed loads persisted rows into the document without dirtying them.
func (d *Doc) Seed(rows []models.CRDTEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range rows {
		m, ok := d.maps[r.MapName]
		if !ok {
			continue
		}
		m[r.Key] = entry{
			value:     json.RawMessage(r.Value),
			version:   r.Version,
			updatedAt: r.UpdatedAt,
		}
	}
}

func (d *Doc) mapsByName(name string) (map[string]entry, bool) {
	m, ok := d.maps[name]
	return m, ok
}
