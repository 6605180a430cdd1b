// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame types exchanged over the sync WebSocket.
const (
	FrameSyncInit   = "sync-init"
	FrameSyncUpdate = "sync-update"
)

// ByteArray is a byte payload framed as a numeric JSON array ([1,2,3])
// rather than base64, matching what browser clients send from typed arrays.
type ByteArray []byte

// MarshalJSON implements the json.Marshaler interface
func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []uint16
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("byte array must be a numeric array: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n > 255 {
			return fmt.Errorf("byte array element %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Frame is the JSON envelope of every sync message.
type Frame struct {
	Type string    `json:"type"`
	Data ByteArray `json:"data"`
}

// EncodeFrame serializes a frame.
func EncodeFrame(frameType string, data []byte) ([]byte, error) {
	return json.Marshal(Frame{Type: frameType, Data: data})
}

// DecodeFrame parses a frame envelope.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed sync frame: %w", err)
	}
	switch f.Type {
	case FrameSyncInit, FrameSyncUpdate:
	default:
		return nil, fmt.Errorf("unknown sync frame type %q", f.Type)
	}
	return &f, nil
}
