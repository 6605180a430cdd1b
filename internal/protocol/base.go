// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the data the server sends to API subscribers.
// Everything a WebSocket client can receive is named Event; the scoping
// getters in event_scoping.go let the broadcaster route events without an
// exhaustive type switch.
package protocol

import "github.com/loomhq/loom/internal/common"

// Metadata and Event live in common so non-API packages can produce events
// without importing the protocol surface.
type Metadata = common.Metadata

type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// GetIdempotencyKey extracts the idempotency key from any event.
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}
