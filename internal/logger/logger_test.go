// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
)

func fileConfig(path string) *config.LogConfig {
	return &config.LogConfig{
		Level:  "INFO",
		Format: "json",
		Output: []config.LogOutputConfig{
			{Type: "file", Enabled: true, Path: path},
		},
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []map[string]any
	for _, raw := range splitLines(data) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		lines = append(lines, m)
	}
	return lines
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func TestFileSinkWritesTaggedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.log")
	m, err := newManager(fileConfig(path))
	require.NoError(t, err)
	defer m.close()

	lg := m.logger("engine")
	lg.Info().Str("workflow_id", "wf-1").Msg("step started")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "engine", lines[0]["pkg"])
	assert.Equal(t, "wf-1", lines[0]["workflow_id"])
	assert.Equal(t, "step started", lines[0]["message"])
	assert.NotEmpty(t, lines[0]["time"])
}

func TestPerPackageLevelOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.log")
	cfg := fileConfig(path)
	cfg.Levels = map[string]string{"procmgr": "ERROR", "crdt": "DEBUG"}
	m, err := newManager(cfg)
	require.NoError(t, err)
	defer m.close()

	procmgr := m.logger("procmgr")
	crdt := m.logger("crdt")
	engine := m.logger("engine")
	procmgr.Info().Msg("suppressed")
	procmgr.Error().Msg("kept")
	crdt.Debug().Msg("kept by override")
	engine.Debug().Msg("below global level")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "kept by override", lines[1]["message"])
}

func TestLoggerInstancesAreCached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.log")
	m, err := newManager(fileConfig(path))
	require.NoError(t, err)
	defer m.close()

	a := m.logger("api")
	b := m.logger("api")
	assert.Equal(t, a, b)
}

func TestRotatingFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loom.log")
	cfg := fileConfig(path)
	cfg.Output[0].Rotate = config.LogRotateConfig{MaxSizeMB: 10, MaxBackups: 2}
	m, err := newManager(cfg)
	require.NoError(t, err)
	defer m.close()

	merge := m.logger("merge")
	merge.Warn().Msg("rotated sink")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestUnsupportedSinkTypeFails(t *testing.T) {
	_, err := newManager(&config.LogConfig{
		Output: []config.LogOutputConfig{{Type: "syslog", Enabled: true}},
	})
	assert.Error(t, err)
}

func TestNoEnabledSinksStillConstructs(t *testing.T) {
	m, err := newManager(&config.LogConfig{
		Level: "WARN",
		Output: []config.LogOutputConfig{
			{Type: "file", Enabled: false, Path: "/nowhere/loom.log"},
		},
	})
	require.NoError(t, err)
	defer m.close()
	assert.Equal(t, zerolog.WarnLevel, m.root.GetLevel())
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel(" error "))
}

func TestGlobalLifecycle(t *testing.T) {
	// Before Initialize, loggers discard without panicking.
	pre := GetLogger("engine")
	pre.Info().Msg("dropped")

	path := filepath.Join(t.TempDir(), "loom.log")
	require.NoError(t, Initialize(fileConfig(path)))
	require.NoError(t, Initialize(fileConfig("/elsewhere/ignored.log"))) // no-op when initialized

	eng := GetEngineLogger()
	eng.Info().Msg("through the global manager")
	require.NoError(t, CloseGlobal())
	require.NoError(t, CloseGlobal()) // idempotent

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "engine", lines[0]["pkg"])
}
