package store

import (
	"github.com/strikeDusha/noexcel/internal/cell"
)

// DeleteColumn is the sentinel callers put in a change set to remove a
// column instead of writing a new value.
var DeleteColumn = struct{ deleteColumn bool }{true}

// applyChanges computes the next cell map and the audit diff for a patch.
// A change mapped to the delete sentinel (or nil) removes the column; any
// other value is normalized (pre-typed cells kept verbatim, raw values
// coerced). The current map is never mutated.
func applyChanges(current map[string]cell.Cell, changes map[string]any) (map[string]cell.Cell, Diff) {
	next := make(map[string]cell.Cell, len(current)+len(changes))
	for col, c := range current {
		next[col] = c
	}
	diff := make(Diff, len(changes))
	for col, raw := range changes {
		var old *cell.Cell
		if existing, ok := next[col]; ok {
			copied := existing
			old = &copied
		}
		if raw == nil || raw == DeleteColumn {
			delete(next, col)
			diff[col] = CellChange{Old: old, New: nil}
			continue
		}
		normalized := cell.Normalize(raw)
		next[col] = normalized
		diff[col] = CellChange{Old: old, New: &normalized}
	}
	return next, diff
}

// normalizeCells prepares caller-supplied cells for an insert.
func normalizeCells(raw map[string]any) map[string]cell.Cell {
	cells := make(map[string]cell.Cell, len(raw))
	for col, value := range raw {
		cells[col] = cell.Normalize(value)
	}
	return cells
}

func copyCells(cells map[string]cell.Cell) map[string]cell.Cell {
	copied := make(map[string]cell.Cell, len(cells))
	for col, c := range cells {
		copied[col] = c
	}
	return copied
}
