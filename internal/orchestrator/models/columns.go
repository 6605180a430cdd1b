// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// scanJSON decodes a TEXT column into dst, tolerating NULL.
func scanJSON(value any, dst any) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("cannot scan JSON column from non-string/[]byte value")
	}
}

// StringSlice is a JSON-encoded []string column.
type StringSlice []string

// Scan implements the sql.Scanner interface
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	return scanJSON(value, s)
}

// Value implements the driver.Valuer interface
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	return json.Marshal(s)
}

// JSONMap is a JSON-encoded map[string]any column.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	return scanJSON(value, m)
}

// Value implements the driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// StepList is a JSON-encoded []*WorkflowStep column.
type StepList []*WorkflowStep

// Scan implements the sql.Scanner interface
func (l *StepList) Scan(value any) error {
	if value == nil {
		*l = StepList{}
		return nil
	}
	return scanJSON(value, l)
}

// Value implements the driver.Valuer interface
func (l StepList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// StepResultList is a JSON-encoded []StepResult column.
type StepResultList []StepResult

// Scan implements the sql.Scanner interface
func (l *StepResultList) Scan(value any) error {
	if value == nil {
		*l = StepResultList{}
		return nil
	}
	return scanJSON(value, l)
}

// Value implements the driver.Valuer interface
func (l StepResultList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (s *WorkflowSource) Scan(value any) error {
	return scanJSON(value, s)
}

// Value implements the driver.Valuer interface
func (s WorkflowSource) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface
func (c *WorkflowRunConfig) Scan(value any) error {
	return scanJSON(value, c)
}

// Value implements the driver.Valuer interface
func (c WorkflowRunConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}
