// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package merge

import (
	"errors"
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/entities"
)

// MergeFiles runs the three-way merge over base, ours and theirs and writes
// the reconciled result back to oursPath. Returned conflict records describe
// automatic resolutions (id renames); they do not fail the merge.
func MergeFiles(basePath, oursPath, theirsPath string) ([]ConflictRecord, error) {
	base, err := readSide(basePath)
	if err != nil {
		return nil, err
	}
	ours, err := readSide(oursPath)
	if err != nil {
		return nil, err
	}
	theirs, err := readSide(theirsPath)
	if err != nil {
		return nil, err
	}

	merged, conflicts := MergeEntities(base, ours, theirs)
	entities.SortEntities(merged)

	if err := entities.WriteFile(oursPath, merged); err != nil {
		return conflicts, fmt.Errorf("failed to write merge result: %w", err)
	}

	getLog().Info().
		Str("ours", oursPath).
		Int("base_entities", len(base)).
		Int("ours_entities", len(ours)).
		Int("theirs_entities", len(theirs)).
		Int("merged_entities", len(merged)).
		Int("id_renames", len(conflicts)).
		Msg("Three-way merge complete")
	return conflicts, nil
}

// readSide loads one side of the merge; a missing file is an empty side,
// which git hands us for newly added files.
func readSide(path string) ([]*entities.Entity, error) {
	ents, err := entities.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ents, nil
}
