package app

import (
	"context"
	"net/http"
	"strings"

	"github.com/strikeDusha/noexcel/internal/store"
)

// ChangeInput is one column change on the wire. A null (or absent) New
// removes the column.
type ChangeInput struct {
	New any `json:"new"`
}

type InsertRowInput struct {
	RowIndex *int64         `json:"rowIndex"`
	Cells    map[string]any `json:"cells"`
	UserID   string         `json:"userId"`
}

type PatchRowInput struct {
	Changes         map[string]ChangeInput `json:"changes"`
	ExpectedVersion *int64                 `json:"expectedVersion"`
	UserID          string                 `json:"userId"`
}

type dataStore interface {
	InsertRow(ctx context.Context, spreadsheetID string, rowIndex int64, cells map[string]any, userID string) (store.Row, error)
	GetRow(ctx context.Context, spreadsheetID string, rowIndex int64) (store.Row, error)
	ListRows(ctx context.Context, spreadsheetID string, start, end int64) ([]store.Row, error)
	ApplyPatch(ctx context.Context, spreadsheetID string, rowIndex int64, changes map[string]any, expectedVersion *int64, userID string) (store.Row, store.Diff, error)
	DeleteRow(ctx context.Context, spreadsheetID string, rowIndex int64) error
	RowHistory(ctx context.Context, spreadsheetID string, rowIndex int64, limit, offset int) ([]store.ChangeRecord, error)
	Ping(ctx context.Context) error
}

// Publisher fans a message out to every subscriber of a sheet. Delivery is
// best-effort; failures never surface to the mutation caller.
type Publisher interface {
	Publish(spreadsheetID string, message any)
}

type Service struct {
	store     dataStore
	publisher Publisher
}

func NewService(dataStore dataStore, publisher Publisher) *Service {
	return &Service{store: dataStore, publisher: publisher}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) InsertRow(ctx context.Context, spreadsheetID string, input InsertRowInput) (map[string]any, error) {
	if input.RowIndex == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rowIndex is required", nil)
	}
	if *input.RowIndex < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rowIndex must not be negative", nil)
	}
	row, err := s.store.InsertRow(ctx, spreadsheetID, *input.RowIndex, input.Cells, strings.TrimSpace(input.UserID))
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(spreadsheetID, map[string]any{
		"type":     "row_inserted",
		"rowIndex": row.RowIndex,
		"cells":    row.Cells,
		"version":  row.Version,
		"userId":   row.UpdatedBy,
	})
	return rowPayload(row), nil
}

func (s *Service) GetRow(ctx context.Context, spreadsheetID string, rowIndex int64) (map[string]any, error) {
	row, err := s.store.GetRow(ctx, spreadsheetID, rowIndex)
	if err != nil {
		return nil, err
	}
	return rowPayload(row), nil
}

func (s *Service) Rows(ctx context.Context, spreadsheetID string, start, end int64) (map[string]any, error) {
	if end < start {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "end must not be before start", nil)
	}
	rows, err := s.store.ListRows(ctx, spreadsheetID, start, end)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, rowPayload(row))
	}
	return map[string]any{"rows": items}, nil
}

// PatchRow applies column changes under the optimistic-lock protocol and, on
// success, broadcasts the accepted edit to the sheet. The returned payload is
// the same document the ws handler sends back as ack.
func (s *Service) PatchRow(ctx context.Context, spreadsheetID string, rowIndex int64, input PatchRowInput) (map[string]any, error) {
	if len(input.Changes) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "changes must not be empty", nil)
	}
	changes := make(map[string]any, len(input.Changes))
	for column, change := range input.Changes {
		if change.New == nil {
			changes[column] = store.DeleteColumn
			continue
		}
		changes[column] = change.New
	}
	row, diff, err := s.store.ApplyPatch(ctx, spreadsheetID, rowIndex, changes, input.ExpectedVersion, strings.TrimSpace(input.UserID))
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(spreadsheetID, map[string]any{
		"type":     "row_updated",
		"rowIndex": row.RowIndex,
		"changes":  diff,
		"cells":    row.Cells,
		"version":  row.Version,
		"userId":   row.UpdatedBy,
	})
	return map[string]any{
		"rowIndex": row.RowIndex,
		"cells":    row.Cells,
		"version":  row.Version,
		"changes":  diff,
	}, nil
}

func (s *Service) DeleteRow(ctx context.Context, spreadsheetID string, rowIndex int64) (map[string]any, error) {
	if err := s.store.DeleteRow(ctx, spreadsheetID, rowIndex); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) History(ctx context.Context, spreadsheetID string, rowIndex int64, limit, offset int) (map[string]any, error) {
	records, err := s.store.RowHistory(ctx, spreadsheetID, rowIndex, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, changePayload(record))
	}
	return map[string]any{"changes": items}, nil
}

func rowPayload(row store.Row) map[string]any {
	return map[string]any{
		"spreadsheetId": row.SpreadsheetID,
		"rowIndex":      row.RowIndex,
		"cells":         row.Cells,
		"version":       row.Version,
		"updatedBy":     row.UpdatedBy,
		"updatedAt":     row.UpdatedAt,
	}
}

func changePayload(record store.ChangeRecord) map[string]any {
	return map[string]any{
		"id":        record.ID,
		"rowIndex":  record.RowIndex,
		"userId":    record.UserID,
		"opType":    record.OpType,
		"payload":   record.Payload,
		"createdAt": record.CreatedAt,
	}
}
