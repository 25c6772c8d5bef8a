package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/strikeDusha/noexcel/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// conflictDetails matches the payload stale writers act on client-side.
func conflictDetails(currentVersion int64) map[string]any {
	return map[string]any{
		"error":           "version_mismatch",
		"current_version": currentVersion,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if conflict, ok := store.AsVersionConflict(err); ok {
		return http.StatusConflict, "VERSION_MISMATCH", "Row was modified by someone else", conflictDetails(conflict.CurrentVersion)
	}
	if errors.Is(err, store.ErrRowNotFound) {
		return http.StatusNotFound, "ROW_NOT_FOUND", "Row not found", nil
	}
	if errors.Is(err, store.ErrRowExists) {
		return http.StatusConflict, "ROW_EXISTS", "Row already exists", nil
	}
	if errors.Is(err, store.ErrNoCells) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Row needs at least one cell", nil
	}
	var logErr *store.LogWriteError
	if errors.As(err, &logErr) {
		return http.StatusInternalServerError, "LOG_WRITE_FAILED", "Change could not be recorded", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
