// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package merge implements the three-way JSONL merge driver for the entity
// store: per-field reconciliation keyed by uuid, tombstones for deletions,
// and id-collision renaming.
package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/entities"
	"github.com/loomhq/loom/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetMergeLogger()
		log = &l
	})
	return log
}

// ConflictRecord documents an automatic resolution that a human may want to
// review, currently only id renames after uuid divergence.
type ConflictRecord struct {
	Type        string   `json:"type"` // "different-uuids"
	UUID        string   `json:"uuid"`
	OriginalIDs []string `json:"originalIds"`
	ResolvedIDs []string `json:"resolvedIds"`
	Action      string   `json:"action"`
}

// MergeEntities reconciles ours and theirs against base, entity by entity.
// The result is unsorted; callers sort before writing.
func MergeEntities(base, ours, theirs []*entities.Entity) ([]*entities.Entity, []ConflictRecord) {
	baseByUUID := indexByUUID(base)
	oursByUUID := indexByUUID(ours)
	theirsByUUID := indexByUUID(theirs)

	// Arrival order: ours first, then theirs-only entities.
	var uuids []string
	seen := make(map[string]struct{})
	for _, e := range ours {
		if u := e.UUID(); u != "" {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				uuids = append(uuids, u)
			}
		}
	}
	for _, e := range theirs {
		if u := e.UUID(); u != "" {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				uuids = append(uuids, u)
			}
		}
	}

	var merged []*entities.Entity
	for _, u := range uuids {
		b, inBase := baseByUUID[u]
		o, inOurs := oursByUUID[u]
		t, inTheirs := theirsByUUID[u]

		switch {
		case inOurs && !inTheirs:
			if inBase {
				// Theirs deleted it: tombstone wins.
				continue
			}
			merged = append(merged, o.Clone())
		case inTheirs && !inOurs:
			if inBase {
				continue
			}
			merged = append(merged, t.Clone())
		case inOurs && inTheirs:
			if !inBase {
				b = entities.New()
			}
			merged = append(merged, mergeFields(b, o, t))
		}
	}

	conflicts := renameIDCollisions(merged)
	return merged, conflicts
}

// mergeFields performs the per-field three-way merge: a field changed on one
// side only takes that change; changed on both sides, the side with the
// larger updated_at wins with ties favoring ours. updated_at itself becomes
// the larger of the two.
func mergeFields(base, ours, theirs *entities.Entity) *entities.Entity {
	theirsWin := theirs.UpdatedAt().After(ours.UpdatedAt())

	out := entities.New()
	for _, name := range fieldUnion(base, ours, theirs) {
		bv, inBase := base.Field(name)
		ov, inOurs := ours.Field(name)
		tv, inTheirs := theirs.Field(name)

		oursChanged := inOurs != inBase || (inOurs && !rawEqual(bv, ov))
		theirsChanged := inTheirs != inBase || (inTheirs && !rawEqual(bv, tv))

		var value json.RawMessage
		var present bool
		switch {
		case oursChanged && theirsChanged:
			if theirsWin {
				value, present = tv, inTheirs
			} else {
				value, present = ov, inOurs
			}
		case oursChanged:
			value, present = ov, inOurs
		case theirsChanged:
			value, present = tv, inTheirs
		default:
			value, present = bv, inBase
		}
		if present {
			out.SetField(name, append(json.RawMessage(nil), value...))
		}
	}

	// updated_at is always the max of the two sides, regardless of who won
	// the other fields.
	if theirs.UpdatedAt().After(ours.UpdatedAt()) {
		if raw, ok := theirs.Field("updated_at"); ok {
			out.SetField("updated_at", append(json.RawMessage(nil), raw...))
		}
	} else if raw, ok := ours.Field("updated_at"); ok {
		out.SetField("updated_at", append(json.RawMessage(nil), raw...))
	}
	return out
}

// renameIDCollisions scans for human ids shared by different uuids and
// renames later arrivals by appending .1, .2, and so on.
func renameIDCollisions(merged []*entities.Entity) []ConflictRecord {
	taken := make(map[string]int) // id -> count seen
	for _, e := range merged {
		if id := e.ID(); id != "" {
			taken[id]++
		}
	}

	assigned := make(map[string]struct{}, len(taken))
	for id := range taken {
		assigned[id] = struct{}{}
	}

	var conflicts []ConflictRecord
	firstSeen := make(map[string]bool)
	for _, e := range merged {
		id := e.ID()
		if id == "" || taken[id] < 2 {
			continue
		}
		if !firstSeen[id] {
			// First arrival keeps the original id.
			firstSeen[id] = true
			continue
		}
		newID := id
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s.%d", id, n)
			if _, used := assigned[candidate]; !used {
				newID = candidate
				break
			}
		}
		assigned[newID] = struct{}{}
		e.SetID(newID)
		conflicts = append(conflicts, ConflictRecord{
			Type:        "different-uuids",
			UUID:        e.UUID(),
			OriginalIDs: []string{id},
			ResolvedIDs: []string{newID},
			Action:      "renamed",
		})
		getLog().Warn().
			Str("uuid", e.UUID()).
			Str("original_id", id).
			Str("resolved_id", newID).
			Msg("Renamed entity after id collision between different uuids")
	}
	return conflicts
}

func indexByUUID(ents []*entities.Entity) map[string]*entities.Entity {
	m := make(map[string]*entities.Entity, len(ents))
	for _, e := range ents {
		if u := e.UUID(); u != "" {
			m[u] = e
		}
	}
	return m
}

func fieldUnion(base, ours, theirs *entities.Entity) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, e := range []*entities.Entity{ours, theirs, base} {
		for _, n := range e.FieldNames() {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				names = append(names, n)
			}
		}
	}
	return names
}

// rawEqual compares two raw JSON values, ignoring whitespace differences.
func rawEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
