// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package entities

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinePreservesUnknownFields(t *testing.T) {
	line := []byte(`{"id":"i-1","uuid":"u-1","title":"Fix parser","custom_score":42,"nested":{"a":[1,2]}}`)
	e, err := ParseLine(line)
	require.NoError(t, err)

	assert.Equal(t, "i-1", e.ID())
	assert.Equal(t, "u-1", e.UUID())
	assert.Equal(t, "Fix parser", e.Title())

	raw, ok := e.Field("custom_score")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`42`), raw)

	out, err := e.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"nested":{"a":[1,2]}`)
}

func TestParseLineRejectsNonObject(t *testing.T) {
	_, err := ParseLine([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = ParseLine([]byte(`not json`))
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	e, err := ParseLine([]byte(`{"id":"i-1","title":"original"}`))
	require.NoError(t, err)

	c := e.Clone()
	c.SetString("title", "changed")

	assert.Equal(t, "original", e.Title())
	assert.Equal(t, "changed", c.Title())
}

func TestClosedStatuses(t *testing.T) {
	for _, status := range []string{"closed", "done", "completed"} {
		e := New()
		e.SetString("status", status)
		assert.True(t, e.Closed(), status)
	}
	for _, status := range []string{"", "open", "in_progress"} {
		e := New()
		e.SetString("status", status)
		assert.False(t, e.Closed(), status)
	}
}

func TestRelationshipsDecoding(t *testing.T) {
	e, err := ParseLine([]byte(`{"id":"i-1","relationships":[{"type":"blocks","target":"i-2"},{"type":"implements","target":"s-1"}]}`))
	require.NoError(t, err)

	rels := e.Relationships()
	require.Len(t, rels, 2)
	assert.Equal(t, Relationship{Type: RelBlocks, Target: "i-2"}, rels[0])
	assert.Equal(t, Relationship{Type: RelImplements, Target: "s-1"}, rels[1])

	// Absent and malformed arrays decode to nil.
	bare := New()
	assert.Nil(t, bare.Relationships())
	bad, err := ParseLine([]byte(`{"relationships":"oops"}`))
	require.NoError(t, err)
	assert.Nil(t, bad.Relationships())
}

func TestParseTimeLayouts(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T10:00:00Z", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2026-03-01T10:00:00.5Z", time.Date(2026, 3, 1, 10, 0, 0, 500000000, time.UTC)},
		{"2026-03-01 10:00:00", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"  2026-03-01T10:00:00Z  ", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.True(t, ParseTime(tt.in).Equal(tt.want), tt.in)
	}

	// Invalid and empty sort as oldest.
	assert.True(t, ParseTime("").IsZero())
	assert.True(t, ParseTime("yesterday").IsZero())
}

func TestParseAllSkipsMalformedLines(t *testing.T) {
	data := []byte(`{"id":"i-1"}
garbage line

{"id":"i-2"}
`)
	ents := ParseAll(data, "test")
	require.Len(t, ents, 2)
	assert.Equal(t, "i-1", ents[0].ID())
	assert.Equal(t, "i-2", ents[1].ID())
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")

	a, err := ParseLine([]byte(`{"id":"i-1","uuid":"u-1","extra":"kept"}`))
	require.NoError(t, err)
	b, err := ParseLine([]byte(`{"id":"i-2","uuid":"u-2"}`))
	require.NoError(t, err)

	require.NoError(t, WriteFile(path, []*Entity{a, b}))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i-1", got[0].ID())
	raw, ok := got[0].Field("extra")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"kept"`), raw)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSortEntitiesByCreatedAtThenID(t *testing.T) {
	mk := func(id, createdAt string) *Entity {
		e := New()
		e.SetString("id", id)
		if createdAt != "" {
			e.SetString("created_at", createdAt)
		}
		return e
	}

	ents := []*Entity{
		mk("i-3", "2026-03-02T00:00:00Z"),
		mk("i-2", "2026-03-01T00:00:00Z"),
		mk("i-1", "2026-03-01T00:00:00Z"),
		mk("i-0", "not-a-date"), // unparseable sorts oldest
	}
	SortEntities(ents)

	ids := []string{ents[0].ID(), ents[1].ID(), ents[2].ID(), ents[3].ID()}
	assert.Equal(t, []string{"i-0", "i-1", "i-2", "i-3"}, ids)
}
