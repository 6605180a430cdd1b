// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package normalizer

import (
	"bytes"
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
		l := logger.GetLogger("normalizer")
		log = &l
	})
	return log
}

// Parser reassembles stdout chunks into JSONL lines and decodes them into
// entries. Chunks can split a line anywhere; the parser buffers the partial
// tail until the newline arrives. Malformed lines are logged and dropped.
type Parser struct {
	buf bytes.Buffer
}

// NewParser creates an empty stream parser.
func NewParser() *Parser {
	return &Parser{}
}

// Write feeds one chunk and returns every entry completed by it, in stream
// order.
func (p *Parser) Write(chunk []byte) []*Entry {
	p.buf.Write(chunk)

	var entries []*Entry
	for {
		data := p.buf.Bytes()
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(data[:nl])
		p.buf.Next(nl + 1)
		if len(line) == 0 {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			getLog().Warn().Err(err).Int("line_length", len(line)).Msg("Dropping unparseable output line")
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Flush parses whatever remains in the buffer as a final line.
func (p *Parser) Flush() []*Entry {
	line := bytes.TrimSpace(p.buf.Bytes())
	p.buf.Reset()
	if len(line) == 0 {
		return nil
	}
	entry, err := ParseEntry(line)
	if err != nil {
		getLog().Warn().Err(err).Msg("Dropping unparseable trailing output")
		return nil
	}
	return []*Entry{entry}
}
