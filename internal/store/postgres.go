package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strikeDusha/noexcel/internal/cell"
)

// PostgresStore implements the row store and the change log over Postgres.
// The patch path is a single version-conditioned write: correctness under
// contention comes from the WHERE version clause, not from any in-process
// lock. The row write and the change append share one transaction, so a
// mutation is never visible without its audit record.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertRow(ctx context.Context, spreadsheetID string, rowIndex int64, rawCells map[string]any, userID string) (Row, error) {
	cells := normalizeCells(rawCells)
	if len(cells) == 0 {
		return Row{}, ErrNoCells
	}
	encoded, err := json.Marshal(cells)
	if err != nil {
		return Row{}, fmt.Errorf("marshal cells: %w", err)
	}

	row := Row{
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		Cells:         cells,
		Version:       1,
		UpdatedBy:     userID,
		UpdatedAt:     time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Row{}, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rows (id, spreadsheet_id, row_index, cells, version, updated_by, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, 1, NULLIF($5, ''), $6)
		ON CONFLICT (spreadsheet_id, row_index) DO NOTHING
	`, uuid.NewString(), spreadsheetID, rowIndex, string(encoded), userID, row.UpdatedAt)
	if err != nil {
		return Row{}, fmt.Errorf("insert row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Row{}, fmt.Errorf("insert row result: %w", err)
	}
	if affected == 0 {
		return Row{}, ErrRowExists
	}

	if err := appendChangeTx(ctx, tx, ChangeRecord{
		ID:            uuid.NewString(),
		SpreadsheetID: spreadsheetID,
		RowIndex:      rowIndex,
		UserID:        userID,
		OpType:        OpInsertRow,
		Payload: ChangePayload{
			Cells:      cells,
			RowIndex:   rowIndex,
			NewVersion: 1,
		},
	}); err != nil {
		return Row{}, err
	}

	if err := tx.Commit(); err != nil {
		return Row{}, fmt.Errorf("commit insert: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) GetRow(ctx context.Context, spreadsheetID string, rowIndex int64) (Row, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx, `
		SELECT spreadsheet_id, row_index, cells, version, COALESCE(updated_by, ''), updated_at
		FROM rows
		WHERE spreadsheet_id=$1 AND row_index=$2
	`, spreadsheetID, rowIndex))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrRowNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get row: %w", err)
	}
	if len(row.Cells) == 0 {
		// All cells empty is the same state as absent.
		return Row{}, ErrRowNotFound
	}
	return row, nil
}

func (s *PostgresStore) ListRows(ctx context.Context, spreadsheetID string, start, end int64) ([]Row, error) {
	result, err := s.db.QueryContext(ctx, `
		SELECT spreadsheet_id, row_index, cells, version, COALESCE(updated_by, ''), updated_at
		FROM rows
		WHERE spreadsheet_id=$1 AND row_index >= $2 AND row_index <= $3
		ORDER BY row_index ASC
	`, spreadsheetID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer result.Close()

	items := make([]Row, 0)
	for result.Next() {
		row, err := scanRow(result)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if len(row.Cells) == 0 {
			continue
		}
		items = append(items, row)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// ApplyPatch is the central concurrency-control operation. The optimistic
// check against expectedVersion happens first with no mutation; the write
// itself is conditioned on the stored version still matching, so a racing
// writer makes this call fail with the fresh current version instead of
// silently losing the update.
func (s *PostgresStore) ApplyPatch(ctx context.Context, spreadsheetID string, rowIndex int64, changes map[string]any, expectedVersion *int64, userID string) (Row, Diff, error) {
	current, err := scanRow(s.db.QueryRowContext(ctx, `
		SELECT spreadsheet_id, row_index, cells, version, COALESCE(updated_by, ''), updated_at
		FROM rows
		WHERE spreadsheet_id=$1 AND row_index=$2
	`, spreadsheetID, rowIndex))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, nil, ErrRowNotFound
	}
	if err != nil {
		return Row{}, nil, fmt.Errorf("read row for patch: %w", err)
	}
	if len(current.Cells) == 0 {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Row{}, nil, fmt.Errorf("begin patch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if len(nextCells) == 0 {
		// The patch emptied the row: absence and all-empty are the same
		// state, so remove the document. Recreation starts over at version 1.
		result, err = tx.ExecContext(ctx, `
			DELETE FROM rows
			WHERE spreadsheet_id=$1 AND row_index=$2 AND version=$3
		`, spreadsheetID, rowIndex, current.Version)
	} else {
		var encoded []byte
		encoded, err = json.Marshal(nextCells)
		if err != nil {
			return Row{}, nil, fmt.Errorf("marshal cells: %w", err)
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE rows
			SET cells=$4::jsonb, version=version+1, updated_by=NULLIF($5, ''), updated_at=$6
			WHERE spreadsheet_id=$1 AND row_index=$2 AND version=$3
		`, spreadsheetID, rowIndex, current.Version, string(encoded), userID, next.UpdatedAt)
	}
	if err != nil {
		return Row{}, nil, fmt.Errorf("write patched row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Row{}, nil, fmt.Errorf("patched row result: %w", err)
	}
	if affected == 0 {
		// Lost the race. Report the fresh version; the caller decides
		// whether to retry.
		return Row{}, nil, s.conflictAfterLostRace(ctx, spreadsheetID, rowIndex)
	}

	if err := appendChangeTx(ctx, tx, ChangeRecord{
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
	}); err != nil {
		return Row{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return Row{}, nil, fmt.Errorf("commit patch: %w", err)
	}
	return next, diff, nil
}

func (s *PostgresStore) conflictAfterLostRace(ctx context.Context, spreadsheetID string, rowIndex int64) error {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM rows WHERE spreadsheet_id=$1 AND row_index=$2
	`, spreadsheetID, rowIndex).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRowNotFound
	}
	if err != nil {
		return fmt.Errorf("re-read row after conflict: %w", err)
	}
	return &VersionConflictError{CurrentVersion: version}
}

func (s *PostgresStore) DeleteRow(ctx context.Context, spreadsheetID string, rowIndex int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rows WHERE spreadsheet_id=$1 AND row_index=$2
	`, spreadsheetID, rowIndex)
	if err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	return nil
}

func (s *PostgresStore) RowHistory(ctx context.Context, spreadsheetID string, rowIndex int64, limit, offset int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	result, err := s.db.QueryContext(ctx, `
		SELECT id, spreadsheet_id, row_index, COALESCE(user_id, ''), op_type, payload, created_at
		FROM row_changes
		WHERE spreadsheet_id=$1 AND row_index=$2
		ORDER BY created_at DESC, (payload->>'newVersion')::bigint DESC
		LIMIT $3 OFFSET $4
	`, spreadsheetID, rowIndex, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list row history: %w", err)
	}
	defer result.Close()

	items := make([]ChangeRecord, 0)
	for result.Next() {
		var item ChangeRecord
		var payloadRaw []byte
		if err := result.Scan(
			&item.ID,
			&item.SpreadsheetID,
			&item.RowIndex,
			&item.UserID,
			&item.OpType,
			&payloadRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		if err := json.Unmarshal(payloadRaw, &item.Payload); err != nil {
			return nil, fmt.Errorf("decode change payload: %w", err)
		}
		items = append(items, item)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate change records: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func appendChangeTx(ctx context.Context, tx *sql.Tx, record ChangeRecord) error {
	encoded, err := json.Marshal(record.Payload)
	if err != nil {
		return &LogWriteError{Err: fmt.Errorf("marshal change payload: %w", err)}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO row_changes (id, spreadsheet_id, row_index, user_id, op_type, payload)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::jsonb)
	`, record.ID, record.SpreadsheetID, record.RowIndex, record.UserID, record.OpType, string(encoded)); err != nil {
		return &LogWriteError{Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (Row, error) {
	var row Row
	var cellsRaw []byte
	if err := scanner.Scan(
		&row.SpreadsheetID,
		&row.RowIndex,
		&cellsRaw,
		&row.Version,
		&row.UpdatedBy,
		&row.UpdatedAt,
	); err != nil {
		return Row{}, err
	}
	row.Cells = make(map[string]cell.Cell)
	if err := json.Unmarshal(cellsRaw, &row.Cells); err != nil {
		return Row{}, fmt.Errorf("decode cells: %w", err)
	}
	return row, nil
}
