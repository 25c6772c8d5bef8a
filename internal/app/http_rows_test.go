package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/strikeDusha/noexcel/internal/hub"
	"github.com/strikeDusha/noexcel/internal/store"
)

func newTestServer() *HTTPServer {
	broadcasts := hub.New(16)
	return NewHTTPServer(NewService(store.NewMemoryStore(), broadcasts), broadcasts, "*")
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &buf)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer().Handler()
	recorder, body := doJSON(t, handler, http.MethodGet, "/api/health", nil)
	if recorder.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health = %d %v", recorder.Code, body)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	handler := newTestServer().Handler()
	recorder, body := doJSON(t, handler, http.MethodGet, "/api/ready", nil)
	if recorder.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", recorder.Code, body)
	}
}

func TestRowCRUDOverHTTP(t *testing.T) {
	handler := newTestServer().Handler()

	recorder, body := doJSON(t, handler, http.MethodPost, "/api/spreadsheets/sheet-1/rows", map[string]any{
		"rowIndex": 5,
		"cells":    map[string]any{"A": "10", "B": "hello"},
		"userId":   "u1",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("insert status = %d body=%v", recorder.Code, body)
	}
	if body["version"] != float64(1) {
		t.Fatalf("insert version = %v, want 1", body["version"])
	}

	// Insert collision.
	recorder, body = doJSON(t, handler, http.MethodPost, "/api/spreadsheets/sheet-1/rows", map[string]any{
		"rowIndex": 5,
		"cells":    map[string]any{"A": 1},
	})
	if recorder.Code != http.StatusConflict || body["code"] != "ROW_EXISTS" {
		t.Fatalf("collision = %d %v", recorder.Code, body)
	}

	recorder, body = doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows/5", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status = %d", recorder.Code)
	}
	cells := body["cells"].(map[string]any)
	colA := cells["A"].(map[string]any)
	if colA["type"] != "number" || colA["value"] != float64(10) {
		t.Fatalf("cell A = %v", colA)
	}

	recorder, body = doJSON(t, handler, http.MethodPatch, "/api/spreadsheets/sheet-1/rows/5", map[string]any{
		"changes":         map[string]any{"A": map[string]any{"new": "20"}},
		"expectedVersion": 1,
		"userId":          "u2",
	})
	if recorder.Code != http.StatusOK || body["version"] != float64(2) {
		t.Fatalf("patch = %d %v", recorder.Code, body)
	}

	// Stale patch surfaces the current version for client retry.
	recorder, body = doJSON(t, handler, http.MethodPatch, "/api/spreadsheets/sheet-1/rows/5", map[string]any{
		"changes":         map[string]any{"A": map[string]any{"new": "30"}},
		"expectedVersion": 1,
	})
	if recorder.Code != http.StatusConflict || body["code"] != "VERSION_MISMATCH" {
		t.Fatalf("stale patch = %d %v", recorder.Code, body)
	}
	details := body["details"].(map[string]any)
	if details["error"] != "version_mismatch" || details["current_version"] != float64(2) {
		t.Fatalf("conflict details = %v", details)
	}

	recorder, body = doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows?start=0&end=10", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d", recorder.Code)
	}
	if rows := body["rows"].([]any); len(rows) != 1 {
		t.Fatalf("listed %d rows, want 1", len(rows))
	}

	recorder, body = doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows/5/history", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history status = %d", recorder.Code)
	}
	if changes := body["changes"].([]any); len(changes) != 2 {
		t.Fatalf("history has %d records, want 2", len(changes))
	}

	recorder, _ = doJSON(t, handler, http.MethodDelete, "/api/spreadsheets/sheet-1/rows/5", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete status = %d", recorder.Code)
	}
	recorder, body = doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows/5", nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "ROW_NOT_FOUND" {
		t.Fatalf("get after delete = %d %v", recorder.Code, body)
	}
}

func TestPatchAbsentRowReturns404(t *testing.T) {
	handler := newTestServer().Handler()
	recorder, body := doJSON(t, handler, http.MethodPatch, "/api/spreadsheets/sheet-1/rows/3", map[string]any{
		"changes": map[string]any{"A": map[string]any{"new": 1}},
	})
	if recorder.Code != http.StatusNotFound || body["code"] != "ROW_NOT_FOUND" {
		t.Fatalf("patch absent = %d %v", recorder.Code, body)
	}
}

func TestInsertWithoutCellsReturns422(t *testing.T) {
	handler := newTestServer().Handler()
	recorder, body := doJSON(t, handler, http.MethodPost, "/api/spreadsheets/sheet-1/rows", map[string]any{
		"rowIndex": 3,
		"cells":    map[string]any{},
	})
	if recorder.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("cell-less insert = %d %v", recorder.Code, body)
	}
}

func TestRowIndexMustBeNumeric(t *testing.T) {
	handler := newTestServer().Handler()
	recorder, body := doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows/abc", nil)
	if recorder.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("non-numeric index = %d %v", recorder.Code, body)
	}
}

func TestHistoryPaginationOverHTTP(t *testing.T) {
	handler := newTestServer().Handler()
	_, _ = doJSON(t, handler, http.MethodPost, "/api/spreadsheets/sheet-1/rows", map[string]any{
		"rowIndex": 0,
		"cells":    map[string]any{"A": 0},
	})
	for version := 1; version <= 4; version++ {
		recorder, body := doJSON(t, handler, http.MethodPatch, "/api/spreadsheets/sheet-1/rows/0", map[string]any{
			"changes":         map[string]any{"A": map[string]any{"new": version * 10}},
			"expectedVersion": version,
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("patch %d = %d %v", version, recorder.Code, body)
		}
	}

	recorder, body := doJSON(t, handler, http.MethodGet, "/api/spreadsheets/sheet-1/rows/0/history?limit=2&offset=1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history status = %d", recorder.Code)
	}
	changes := body["changes"].([]any)
	if len(changes) != 2 {
		t.Fatalf("page has %d records, want 2", len(changes))
	}
	versions := make([]string, 0, 2)
	for _, raw := range changes {
		payload := raw.(map[string]any)["payload"].(map[string]any)
		versions = append(versions, fmt.Sprint(payload["newVersion"]))
	}
	if versions[0] != "4" || versions[1] != "3" {
		t.Fatalf("page versions = %v, want [4 3]", versions)
	}
}
