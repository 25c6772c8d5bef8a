package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rowKey struct {
	spreadsheetID string
	rowIndex      int64
}

// MemoryStore mirrors the PostgresStore semantics in process memory. It
// backs the service, protocol, and transport tests, and doubles as a
// reference implementation of the storage contract: the version check and
// the write happen under one lock, giving the same single-winner guarantee
// the Postgres store gets from its conditional UPDATE.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[rowKey]Row
	changes map[rowKey][]ChangeRecord

	// AppendHook, when set, runs before a change record is kept and can
	// veto it. A veto rolls the row write back and surfaces LogWriteError,
	// modelling a backend without atomic row+log writes.
	AppendHook func(ChangeRecord) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[rowKey]Row),
		changes: make(map[rowKey][]ChangeRecord),
	}
}

func (s *MemoryStore) InsertRow(_ context.Context, spreadsheetID string, rowIndex int64, rawCells map[string]any, userID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rowKey{spreadsheetID, rowIndex}
	if _, ok := s.rows[key]; ok {
		return Row{}, ErrRowExists
	}
	cells := normalizeCells(rawCells)
	if len(cells) == 0 {
		return Row{}, ErrNoCells
	}

	row := Row{
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		Cells:         cells,
		Version:       1,
		UpdatedBy:     userID,
		UpdatedAt:     time.Now().UTC(),
	}
	record := ChangeRecord{
		ID:            uuid.NewString(),
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		UserID:        userID,
		OpType:        OpInsertRow,
		Payload: ChangePayload{
			Cells:      copyCells(row.Cells),
			RowIndex:   rowIndex,
			NewVersion: 1,
		},
		CreatedAt: time.Now().UTC(),
	}
	if s.AppendHook != nil {
		if err := s.AppendHook(record); err != nil {
			return Row{}, &LogWriteError{Err: err}
		}
	}
	s.rows[key] = row
	s.changes[key] = append(s.changes[key], record)
	return cloneRow(row), nil
}

func (s *MemoryStore) GetRow(_ context.Context, spreadsheetID string, rowIndex int64) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowKey{spreadsheetID, rowIndex}]
	if !ok || len(row.Cells) == 0 {
		return Row{}, ErrRowNotFound
	}
	return cloneRow(row), nil
}

func (s *MemoryStore) ListRows(_ context.Context, spreadsheetID string, start, end int64) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Row, 0)
	for key, row := range s.rows {
		if key.spreadsheetID != spreadsheetID || key.rowIndex < start || key.rowIndex > end {
			continue
		}
		if len(row.Cells) == 0 {
			continue
		}
		items = append(items, cloneRow(row))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RowIndex < items[j].RowIndex })
	return items, nil
}

func (s *MemoryStore) ApplyPatch(_ context.Context, spreadsheetID string, rowIndex int64, changes map[string]any, expectedVersion *int64, userID string) (Row, Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rowKey{spreadsheetID, rowIndex}
	current, ok := s.rows[key]
	if !ok || len(current.Cells) == 0 {
		return Row{}, nil, ErrRowNotFound
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return Row{}, nil, &VersionConflictError{CurrentVersion: current.Version}
	}

	nextCells, diff := applyChanges(current.Cells, changes)
	next := Row{
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		Cells:         nextCells,
		Version:       current.Version + 1,
		UpdatedBy:     userID,
		UpdatedAt:     time.Now().UTC(),
	}
	record := ChangeRecord{
		ID:            uuid.NewString(),
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		UserID:        userID,
		OpType:        OpUpdateCells,
		Payload: ChangePayload{
			Changes:     diff,
			RowIndex:    rowIndex,
			PrevVersion: current.Version,
			NewVersion:  next.Version,
		},
		CreatedAt: time.Now().UTC(),
	}
	if s.AppendHook != nil {
		if err := s.AppendHook(record); err != nil {
			return Row{}, nil, &LogWriteError{Err: err}
		}
	}
	if len(nextCells) == 0 {
		delete(s.rows, key)
	} else {
		s.rows[key] = next
	}
	s.changes[key] = append(s.changes[key], record)
	return cloneRow(next), diff, nil
}

func (s *MemoryStore) DeleteRow(_ context.Context, spreadsheetID string, rowIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey{spreadsheetID, rowIndex})
	return nil
}

func (s *MemoryStore) RowHistory(_ context.Context, spreadsheetID string, rowIndex int64, limit, offset int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.changes[rowKey{spreadsheetID, rowIndex}]
	items := make([]ChangeRecord, 0, limit)
	// Records are appended in commit order; history reads newest first.
	for i := len(all) - 1 - offset; i >= 0 && len(items) < limit; i-- {
		items = append(items, all[i])
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneRow(row Row) Row {
	copied := row
	copied.Cells = copyCells(row.Cells)
	return copied
}
