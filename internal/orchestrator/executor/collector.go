// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/orchestrator/procmgr"
)

// MaxOutputSize limits total captured output to prevent memory exhaustion (10MB)
const MaxOutputSize = 10 * 1024 * 1024

// maxErrorTailLines bounds how much stderr is quoted in error classification.
const maxErrorTailLines = 20

// outputCollector accumulates a process's combined output for the result,
// plus a stderr tail used to classify failures against retryable-error
// substrings.
type outputCollector struct {
	mu          sync.Mutex
	combined    strings.Builder
	stderrLines []string
	truncated   bool
}

func newOutputCollector() *outputCollector {
	return &outputCollector{}
}

func (c *outputCollector) add(chunk procmgr.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.truncated {
		if c.combined.Len()+len(chunk.Data) <= MaxOutputSize {
			c.combined.Write(chunk.Data)
		} else {
			c.truncated = true
			c.combined.WriteString("\n... OUTPUT TRUNCATED (exceeded 10MB limit) ...\n")
		}
	}

	if chunk.Stream == procmgr.StreamStderr {
		for _, line := range strings.Split(strings.TrimRight(string(chunk.Data), "\n"), "\n") {
			if line == "" {
				continue
			}
			c.stderrLines = append(c.stderrLines, line)
			if len(c.stderrLines) > maxErrorTailLines {
				c.stderrLines = c.stderrLines[1:]
			}
		}
	}
}

func (c *outputCollector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.combined.String()
}

// errorTail returns the last stderr lines as one string, empty when the
// process wrote nothing to stderr.
func (c *outputCollector) errorTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.stderrLines, "\n")
}
