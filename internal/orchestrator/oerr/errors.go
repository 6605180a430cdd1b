// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package oerr defines the error kinds shared across orchestrator components.
// Callers classify failures with errors.Is against these sentinels; wrapping
// with fmt.Errorf("...: %w", oerr.ErrNotFound) preserves the kind through
// component boundaries.
package oerr

import "errors"

var (
	// ErrNotFound indicates an unknown workflow, step, execution or process id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates an operation not allowed in the current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrCancelled indicates the operation was cancelled by an external request.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout indicates a deadline elapsed before the operation finished.
	ErrTimeout = errors.New("timeout")

	// ErrProcessSpawnFailed indicates the agent process could not be started.
	ErrProcessSpawnFailed = errors.New("process spawn failed")

	// ErrProcessClosed indicates a write to a process whose stdin is closed.
	ErrProcessClosed = errors.New("process closed")

	// ErrConflict indicates a merge that needs human attention.
	ErrConflict = errors.New("conflict")

	// ErrParse indicates a malformed JSONL line; callers log and drop the line.
	ErrParse = errors.New("parse error")
)
