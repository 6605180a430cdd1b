// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package entities

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("entities")
		log = &l
	})
	return log
}

// ReadFile loads every parseable entity from a JSONL file. Malformed lines
// are logged and skipped, never fatal.
func ReadFile(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity file: %w", err)
	}
	return ParseAll(data, path), nil
}

// ParseAll decodes a JSONL document, dropping malformed lines with a warning.
// The source argument is only used in log output.
func ParseAll(data []byte, source string) []*Entity {
	var out []*Entity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entity, err := ParseLine([]byte(line))
		if err != nil {
			getLog().Warn().Err(err).Str("source", source).Int("line", lineNo).Msg("Skipping unparseable entity line")
			continue
		}
		out = append(out, entity)
	}
	return out
}

// WriteFile serializes entities one per line, minified, with a trailing
// newline, and writes the result atomically (temp file + rename).
func WriteFile(path string, ents []*Entity) error {
	var buf bytes.Buffer
	for _, e := range ents {
		line, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal entity %s: %w", e.UUID(), err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write entity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace entity file: %w", err)
	}
	return nil
}

// SortEntities orders entities by (created_at ascending, id ascending), the
// canonical store order.
func SortEntities(ents []*Entity) {
	sort.SliceStable(ents, func(i, j int) bool {
		ci, cj := ents[i].CreatedAt(), ents[j].CreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return ents[i].ID() < ents[j].ID()
	})
}
