// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger hands each subsystem a named zerolog logger writing to the
// sinks configured under log: in config.yaml. Before Initialize runs, every
// logger discards, so library code can log unconditionally.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loomhq/loom/internal/config"
)

// Manager owns the configured sinks and hands out per-package child loggers.
// Package levels come from log.levels; packages not listed inherit log.level.
type Manager struct {
	cfg  *config.LogConfig
	root zerolog.Logger

	mu      sync.Mutex
	loggers map[string]zerolog.Logger
	closers []io.Closer
}

func newManager(cfg *config.LogConfig) (*Manager, error) {
	m := &Manager{cfg: cfg, loggers: make(map[string]zerolog.Logger)}

	sinks, err := m.openSinks()
	if err != nil {
		m.close()
		return nil, err
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		// Nothing enabled; keep logs visible rather than dropping them.
		out = os.Stderr
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	m.root = zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	return m, nil
}

func (m *Manager) openSinks() ([]io.Writer, error) {
	var sinks []io.Writer
	for _, out := range m.cfg.Output {
		if !out.Enabled {
			continue
		}
		switch out.Type {
		case "console":
			if m.cfg.Format == "console" {
				sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
			} else {
				sinks = append(sinks, os.Stderr)
			}
		case "file":
			w, err := m.openFileSink(out)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, w)
		default:
			return nil, fmt.Errorf("unsupported log output type %q", out.Type)
		}
	}
	return sinks, nil
}

func (m *Manager) openFileSink(out config.LogOutputConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(out.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", out.Path, err)
	}
	if out.Rotate.MaxSizeMB > 0 {
		lj := &lumberjack.Logger{
			Filename:   out.Path,
			MaxSize:    out.Rotate.MaxSizeMB,
			MaxBackups: out.Rotate.MaxBackups,
			MaxAge:     out.Rotate.MaxAgeDays,
			Compress:   out.Rotate.Compress,
		}
		m.closers = append(m.closers, lj)
		return lj, nil
	}
	f, err := os.OpenFile(out.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", out.Path, err)
	}
	m.closers = append(m.closers, f)
	return f, nil
}

func (m *Manager) logger(pkg string) zerolog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loggers[pkg]; ok {
		return l
	}

	level := parseLevel(m.cfg.Level)
	if override, ok := m.cfg.Levels[pkg]; ok {
		level = parseLevel(override)
	}
	l := m.root.With().Str("pkg", pkg).Logger().Level(level)
	m.loggers[pkg] = l
	return l
}

func (m *Manager) close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.closers = nil
	return first
}

// parseLevel maps a config level string to a zerolog level. Unknown or empty
// strings fall back to info rather than failing startup.
func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

var (
	globalMu sync.Mutex
	global   *Manager
)

// Initialize builds the process-wide manager from the log configuration.
// Calling it again while initialized is a no-op.
func Initialize(cfg *config.LogConfig) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil
	}
	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	global = m
	return nil
}

// GetLogger returns the named package logger, or a discard logger when
// Initialize has not run (tests, library use).
func GetLogger(pkg string) zerolog.Logger {
	globalMu.Lock()
	m := global
	globalMu.Unlock()
	if m == nil {
		return zerolog.New(io.Discard)
	}
	return m.logger(pkg)
}

// CloseGlobal flushes and closes the file sinks and resets the package to
// its uninitialized state.
func CloseGlobal() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil
	}
	err := global.close()
	global = nil
	return err
}
