package store

import (
	"time"

	"github.com/strikeDusha/noexcel/internal/cell"
)

// Row is the unit of optimistic concurrency: a labeled set of cells plus a
// version counter that increases by exactly one per accepted mutation.
type Row struct {
	SpreadsheetID string
	RowIndex      int64
	Cells         map[string]cell.Cell
	Version       int64
	UpdatedBy     string
	UpdatedAt     time.Time
}

// CellChange is the per-column old/new pair recorded for audit.
type CellChange struct {
	Old *cell.Cell `json:"old"`
	New *cell.Cell `json:"new"`
}

// Diff maps column label to the change applied to it.
type Diff map[string]CellChange

const (
	OpInsertRow   = "insert_row"
	OpUpdateCells = "update_cells"
)

// ChangeRecord is one immutable audit entry. It references the row by
// (spreadsheet_id, row_index) rather than the storage key, since a row may
// be deleted and recreated under the same address.
type ChangeRecord struct {
	ID            string
	SpreadsheetID string
	RowIndex      int64
	UserID        string
	OpType        string
	Payload       ChangePayload
	CreatedAt     time.Time
}

// ChangePayload carries the diff for update_cells records and the initial
// cells for insert_row records. NewVersion lets a reader reconstruct the
// exact version sequence even when created_at timestamps collide.
type ChangePayload struct {
	Cells       map[string]cell.Cell `json:"cells,omitempty"`
	Changes     Diff                 `json:"changes,omitempty"`
	RowIndex    int64                `json:"rowIndex"`
	PrevVersion int64                `json:"prevVersion,omitempty"`
	NewVersion  int64                `json:"newVersion"`
}
