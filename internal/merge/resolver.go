// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loomhq/loom/internal/entities"
)

// ResolveConflicts repairs a conflicted entity file in place. It prefers a
// true three-way merge by reading git index stages 1/2/3; when the stages
// are unavailable it falls back to a two-way merge of the conflict hunks
// where the larger updated_at wins per entity.
func ResolveConflicts(path, repoDir string) ([]ConflictRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicted file: %w", err)
	}
	if !HasConflictMarkers(string(data)) {
		return nil, nil
	}

	if base, ours, theirs, ok := readIndexStages(path, repoDir); ok {
		merged, conflicts := MergeEntities(
			entities.ParseAll(base, path+":1"),
			entities.ParseAll(ours, path+":2"),
			entities.ParseAll(theirs, path+":3"),
		)
		entities.SortEntities(merged)
		if err := entities.WriteFile(path, merged); err != nil {
			return conflicts, err
		}
		getLog().Info().Str("path", path).Msg("Resolved conflicts from git index stages")
		return conflicts, nil
	}

	return resolveTwoWay(path, string(data))
}

// readIndexStages fetches base/ours/theirs from the git index. All three
// stages must be present for the three-way path; stage 1 may legitimately be
// missing (both sides added), in which case an empty base is used.
func readIndexStages(path, repoDir string) (base, ours, theirs []byte, ok bool) {
	rel := path
	if repoDir != "" {
		if r, err := filepath.Rel(repoDir, path); err == nil {
			rel = r
		}
	}

	show := func(stage int) ([]byte, error) {
		cmd := exec.Command("git", "show", fmt.Sprintf(":%d:%s", stage, rel))
		cmd.Dir = repoDir
		var out, stderr bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("git show stage %d: %v: %s", stage, err, strings.TrimSpace(stderr.String()))
		}
		return out.Bytes(), nil
	}

	ours, errOurs := show(2)
	theirs, errTheirs := show(3)
	if errOurs != nil || errTheirs != nil {
		getLog().Debug().
			AnErr("ours_err", errOurs).
			AnErr("theirs_err", errTheirs).
			Msg("Git index stages unavailable, falling back to two-way merge")
		return nil, nil, nil, false
	}
	base, errBase := show(1)
	if errBase != nil {
		base = nil // both sides added the file
	}
	return base, ours, theirs, true
}

// sortKey is the minimal projection needed to order a clean line without a
// full entity parse.
type sortKey struct {
	CreatedAt string `json:"created_at"`
	ID        string `json:"id"`
}

type rawLine struct {
	text string
	key  sortKey
}

func (k sortKey) less(other sortKey) bool {
	ka, kb := entities.ParseTime(k.CreatedAt), entities.ParseTime(other.CreatedAt)
	if !ka.Equal(kb) {
		return ka.Before(kb)
	}
	return k.ID < other.ID
}

// resolveTwoWay merges each conflict hunk with latest-updated-at-wins and
// keeps clean lines raw. If the clean lines are already sorted, the hunk
// results are folded in with a linear merge of sorted runs; otherwise
// everything is parsed and fully re-sorted.
func resolveTwoWay(path, data string) ([]ConflictRecord, error) {
	segments, err := ParseConflictFile(data)
	if err != nil {
		getLog().Warn().Err(err).Str("path", path).Msg("Conflict marker parse failed")
		return nil, err
	}

	var cleanLines []rawLine
	var hunkEntities []*entities.Entity
	cleanSorted := true

	for _, seg := range segments {
		if !seg.IsConflict() {
			for _, line := range seg.Clean {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					continue
				}
				var key sortKey
				if err := json.Unmarshal([]byte(trimmed), &key); err != nil {
					getLog().Warn().Str("path", path).Msg("Skipping unparseable clean line")
					continue
				}
				if n := len(cleanLines); n > 0 && key.less(cleanLines[n-1].key) {
					cleanSorted = false
				}
				cleanLines = append(cleanLines, rawLine{text: line, key: key})
			}
			continue
		}
		merged := mergeHunkTwoWay(seg.Hunk, path)
		hunkEntities = append(hunkEntities, merged...)
	}

	var conflicts []ConflictRecord
	var out bytes.Buffer

	if cleanSorted {
		conflicts = renameIDCollisions(hunkEntities)
		entities.SortEntities(hunkEntities)
		if err := writeSortedRuns(&out, cleanLines, hunkEntities); err != nil {
			return conflicts, err
		}
	} else {
		// Clean lines out of order: parse everything and re-sort.
		all := make([]*entities.Entity, 0, len(cleanLines)+len(hunkEntities))
		for _, line := range cleanLines {
			e, err := entities.ParseLine([]byte(strings.TrimSpace(line.text)))
			if err != nil {
				continue
			}
			all = append(all, e)
		}
		all = append(all, hunkEntities...)
		conflicts = renameIDCollisions(all)
		entities.SortEntities(all)
		for _, e := range all {
			lineBytes, err := e.Marshal()
			if err != nil {
				return conflicts, err
			}
			out.Write(lineBytes)
			out.WriteByte('\n')
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0644); err != nil {
		return conflicts, fmt.Errorf("failed to write resolved file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return conflicts, fmt.Errorf("failed to replace resolved file: %w", err)
	}
	getLog().Info().Str("path", path).Int("hunk_entities", len(hunkEntities)).Msg("Resolved conflicts two-way")
	return conflicts, nil
}

// mergeHunkTwoWay reconciles one hunk without a base: entities on both sides
// resolve to the larger updated_at, ties favor ours.
func mergeHunkTwoWay(h *Hunk, source string) []*entities.Entity {
	parse := func(lines []string, tag string) []*entities.Entity {
		var buf bytes.Buffer
		for _, l := range lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
		return entities.ParseAll(buf.Bytes(), source+tag)
	}
	ours := parse(h.Ours, " (ours)")
	theirs := parse(h.Theirs, " (theirs)")

	theirsByUUID := indexByUUID(theirs)
	seen := make(map[string]struct{})
	var out []*entities.Entity
	for _, o := range ours {
		u := o.UUID()
		seen[u] = struct{}{}
		if t, ok := theirsByUUID[u]; ok && t.UpdatedAt().After(o.UpdatedAt()) {
			out = append(out, t.Clone())
			continue
		}
		out = append(out, o.Clone())
	}
	for _, t := range theirs {
		if _, ok := seen[t.UUID()]; !ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// writeSortedRuns linearly merges the pre-sorted clean lines with the sorted
// hunk entities.
func writeSortedRuns(out *bytes.Buffer, clean []rawLine, merged []*entities.Entity) error {
	i, j := 0, 0
	for i < len(clean) || j < len(merged) {
		useClean := j >= len(merged)
		if !useClean && i < len(clean) {
			mk := sortKey{CreatedAt: merged[j].RawCreatedAt(), ID: merged[j].ID()}
			useClean = clean[i].key.less(mk)
		}
		if useClean {
			out.WriteString(clean[i].text)
			out.WriteByte('\n')
			i++
		} else {
			lineBytes, err := merged[j].Marshal()
			if err != nil {
				return err
			}
			out.Write(lineBytes)
			out.WriteByte('\n')
			j++
		}
	}
	return nil
}
