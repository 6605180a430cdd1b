// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package merge

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/orchestrator/oerr"
)

// Hunk is one conflicted region: the lines between the markers, per side.
type Hunk struct {
	Ours   []string
	Theirs []string
}

// Segment is either a run of clean lines (preserved byte-for-byte) or one
// conflict hunk.
type Segment struct {
	Clean []string
	Hunk  *Hunk
}

// IsConflict reports whether the segment is a conflict hunk.
func (s *Segment) IsConflict() bool { return s.Hunk != nil }

const (
	markerOurs      = "<<<<<<<"
	markerSeparator = "======="
	markerTheirs    = ">>>>>>>"
)

// ParseConflictFile splits a file into clean segments and conflict hunks.
// The marker tail (branch name, whitespace) is ignored. Nested markers are a
// parse error.
func ParseConflictFile(data string) ([]Segment, error) {
	lines := strings.Split(data, "\n")
	// A trailing newline yields one empty trailing element; drop it so it is
	// not treated as a clean line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	const (
		outside = iota
		inOurs
		inTheirs
	)

	var segments []Segment
	var clean []string
	var hunk *Hunk
	state := outside

	flushClean := func() {
		if len(clean) > 0 {
			segments = append(segments, Segment{Clean: clean})
			clean = nil
		}
	}

	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, markerOurs):
			if state != outside {
				return nil, fmt.Errorf("nested conflict marker at line %d: %w", i+1, oerr.ErrParse)
			}
			flushClean()
			hunk = &Hunk{}
			state = inOurs
		case strings.HasPrefix(line, markerSeparator):
			if state != inOurs {
				return nil, fmt.Errorf("unexpected separator marker at line %d: %w", i+1, oerr.ErrParse)
			}
			state = inTheirs
		case strings.HasPrefix(line, markerTheirs):
			if state != inTheirs {
				return nil, fmt.Errorf("unexpected closing marker at line %d: %w", i+1, oerr.ErrParse)
			}
			segments = append(segments, Segment{Hunk: hunk})
			hunk = nil
			state = outside
		default:
			switch state {
			case outside:
				clean = append(clean, line)
			case inOurs:
				hunk.Ours = append(hunk.Ours, line)
			case inTheirs:
				hunk.Theirs = append(hunk.Theirs, line)
			}
		}
	}

	if state != outside {
		return nil, fmt.Errorf("unterminated conflict marker: %w", oerr.ErrParse)
	}
	flushClean()
	return segments, nil
}

// HasConflictMarkers reports whether any line opens a conflict hunk.
func HasConflictMarkers(data string) bool {
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, markerOurs) {
			return true
		}
	}
	return false
}
