// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for all messages that cross the API
// boundary: events broadcast to WebSocket clients and commands received
// from them.
type Metadata struct {
	// WorkflowID serves as the correlation ID for workflow-related operations
	// Optional - only present for workflow-related events
	WorkflowID string `json:"workflow_id,omitempty"`

	// IdempotencyKey is used for event deduplication when producers retry
	// Optional - events without this key will always be processed
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that can be sent from the orchestrator to API
// subscribers. Any type implementing this interface can be sent through the
// event channel.
type Event interface {
	GetMetadata() Metadata
}
