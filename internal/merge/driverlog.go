// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package merge

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DriverLog is the rotating failure log the merge driver appends to so a
// failed background merge leaves a trace even when git swallows stderr.
type DriverLog struct {
	logger zerolog.Logger
	sink   *lumberjack.Logger
}

// NewDriverLog opens (creating directories as needed) the rotating driver
// log at path.
func NewDriverLog(path string, maxSizeMB, maxBackups int) *DriverLog {
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &DriverLog{
		logger: zerolog.New(sink).With().Timestamp().Logger(),
		sink:   sink,
	}
}

// Failure records one failed merge attempt.
func (d *DriverLog) Failure(target, base, ours, theirs string, err error) {
	d.logger.Error().
		Time("at", time.Now()).
		Str("target", target).
		Str("base", base).
		Str("ours", ours).
		Str("theirs", theirs).
		Err(err).
		Msg("Merge driver failed")
}

// Close flushes and closes the underlying file.
func (d *DriverLog) Close() error {
	return d.sink.Close()
}
