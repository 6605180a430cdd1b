// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"github.com/loomhq/loom/internal/orchestrator/normalizer"
)

// SessionUpdateEvent carries one normalized agent transcript update. It is
// delivered on the execution channel only; workflow and issue subscribers
// do not receive a parallel copy.
type SessionUpdateEvent struct {
	Metadata
	ProjectID   string                    `json:"project_id,omitempty"`
	ExecutionID string                    `json:"execution_id"`
	Update      *normalizer.SessionUpdate `json:"update"`
}

func (e SessionUpdateEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ErrorEvent reports a server-side failure tied to a workflow or execution.
type ErrorEvent struct {
	Metadata
	ProjectID   string `json:"project_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Message     string `json:"message"`
	Context     string `json:"context,omitempty"`
}

func (e ErrorEvent) GetMetadata() Metadata {
	return e.Metadata
}
