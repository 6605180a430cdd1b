// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package entities models the line-delimited entity store shared by the
// server and the merge driver. An entity is one JSON object per line; the
// known fields are typed below and every unknown field is carried through
// untouched so merges never lose data written by newer versions.
package entities

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the entity family a record belongs to.
type Kind string

const (
	KindIssue    Kind = "issue"
	KindSpec     Kind = "spec"
	KindFeedback Kind = "feedback"
)

// Relationship links one entity to another, e.g. {"type":"blocks","target":"i-7"}.
type Relationship struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// Relationship types understood by the dependency analyzer and the workflow
// engine's source resolution.
const (
	RelBlocks     = "blocks"
	RelDependsOn  = "depends-on"
	RelImplements = "implements"
)

// Entity is a single row of the store. All fields, known and unknown, live
// in the raw map; typed accessors decode the known ones on demand. The uuid
// is the stable identity across forks, the id is human-readable and may be
// renamed on collision.
type Entity struct {
	fields map[string]json.RawMessage
}

// New creates an empty entity.
func New() *Entity {
	return &Entity{fields: make(map[string]json.RawMessage)}
}

// ParseLine decodes one JSONL line into an Entity. A line that is not a JSON
// object is a parse error; callers are expected to warn and drop it.
func ParseLine(line []byte) (*Entity, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("malformed entity line: %w", err)
	}
	return &Entity{fields: fields}, nil
}

// Marshal encodes the entity as a minified JSON object. Keys are emitted in
// sorted order, so equal entities always serialize identically.
func (e *Entity) Marshal() ([]byte, error) {
	return json.Marshal(e.fields)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	out := New()
	for k, v := range e.fields {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		out.fields[k] = raw
	}
	return out
}

// FieldNames returns the names of all fields present on the entity.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for k := range e.fields {
		names = append(names, k)
	}
	return names
}

// Field returns the raw value of a field.
func (e *Entity) Field(name string) (json.RawMessage, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// SetField stores a raw value under a field name.
func (e *Entity) SetField(name string, value json.RawMessage) {
	e.fields[name] = value
}

// SetString stores a string value under a field name.
func (e *Entity) SetString(name, value string) {
	raw, _ := json.Marshal(value)
	e.fields[name] = raw
}

func (e *Entity) getString(name string) string {
	raw, ok := e.fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ID returns the human-readable id. Advisory: it may collide after merges.
func (e *Entity) ID() string { return e.getString("id") }

// SetID renames the entity's human-readable id.
func (e *Entity) SetID(id string) { e.SetString("id", id) }

// UUID returns the stable identity. Never changes across forks.
func (e *Entity) UUID() string { return e.getString("uuid") }

// Title returns the title field.
func (e *Entity) Title() string { return e.getString("title") }

// Content returns the content field.
func (e *Entity) Content() string { return e.getString("content") }

// Status returns the kind-specific status field, empty if absent.
func (e *Entity) Status() string { return e.getString("status") }

// Closed reports whether an issue entity is already resolved.
func (e *Entity) Closed() bool {
	switch e.Status() {
	case "closed", "done", "completed":
		return true
	}
	return false
}

// CreatedAt returns the parsed created_at timestamp; zero when missing or
// unparseable (treated as oldest).
func (e *Entity) CreatedAt() time.Time { return ParseTime(e.getString("created_at")) }

// UpdatedAt returns the parsed updated_at timestamp; zero when missing or
// unparseable (treated as oldest).
func (e *Entity) UpdatedAt() time.Time { return ParseTime(e.getString("updated_at")) }

// RawCreatedAt returns the created_at field as written.
func (e *Entity) RawCreatedAt() string { return e.getString("created_at") }

// RawUpdatedAt returns the updated_at field as written.
func (e *Entity) RawUpdatedAt() string { return e.getString("updated_at") }

// Relationships decodes the relationships array, empty when absent.
func (e *Entity) Relationships() []Relationship {
	raw, ok := e.fields["relationships"]
	if !ok {
		return nil
	}
	var rels []Relationship
	if err := json.Unmarshal(raw, &rels); err != nil {
		return nil
	}
	return rels
}

// Tags decodes the tags array, empty when absent.
func (e *Entity) Tags() []string {
	raw, ok := e.fields["tags"]
	if !ok {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

// timeLayouts are the accepted timestamp encodings. The store is written by
// several tools; some emit RFC3339, some a space-separated variant.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a store timestamp. Invalid or missing values return the
// zero time so they sort as oldest everywhere a comparison happens.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
