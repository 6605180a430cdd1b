// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetEngineLogger returns a logger for the workflow engine
func GetEngineLogger() zerolog.Logger {
	return GetLogger("engine")
}

// GetExecutorLogger returns a logger for the task executor
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetProcessLogger returns a logger for the process manager
func GetProcessLogger() zerolog.Logger {
	return GetLogger("procmgr")
}

// GetWakeupLogger returns a logger for the wakeup service
func GetWakeupLogger() zerolog.Logger {
	return GetLogger("wakeup")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetGitLogger returns a logger for git operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetCRDTLogger returns a logger for the CRDT coordinator
func GetCRDTLogger() zerolog.Logger {
	return GetLogger("crdt")
}

// GetMergeLogger returns a logger for the JSONL merge driver
func GetMergeLogger() zerolog.Logger {
	return GetLogger("merge")
}
