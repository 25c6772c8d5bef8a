// Package cell classifies raw scalar values into typed spreadsheet cells.
package cell

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	TypeNumber   = "number"
	TypeString   = "string"
	TypeDate     = "date"
	TypeDateTime = "datetime"
	TypeJSON     = "json"
)

type Cell struct {
	Type  string         `json:"type"`
	Value any            `json:"value"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Accepted date/time layouts, tried in order. The grammar is fixed so that
// coercion is reproducible regardless of the host locale.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Coerce classifies a raw scalar into a typed cell. It is total: anything
// that fails every parse becomes a string cell with the trimmed text.
func Coerce(raw any) Cell {
	if raw == nil {
		return Cell{Type: TypeString, Value: nil}
	}
	switch v := raw.(type) {
	case bool:
		return Cell{Type: TypeNumber, Value: v}
	case int:
		return Cell{Type: TypeNumber, Value: v}
	case int32:
		return Cell{Type: TypeNumber, Value: v}
	case int64:
		return Cell{Type: TypeNumber, Value: v}
	case float32:
		return Cell{Type: TypeNumber, Value: v}
	case float64:
		return Cell{Type: TypeNumber, Value: v}
	case map[string]any:
		return Cell{Type: TypeJSON, Value: v}
	case string:
		return coerceText(v)
	default:
		return coerceText(stringify(raw))
	}
}

// Normalize stores a caller-supplied pre-typed cell object verbatim and
// coerces everything else. A pre-typed cell is a map carrying a known type
// tag; its value and meta are never reinterpreted.
func Normalize(raw any) Cell {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Coerce(raw)
	}
	tag, ok := obj["type"].(string)
	if !ok || !knownType(tag) {
		return Coerce(raw)
	}
	parsed := Cell{Type: tag, Value: obj["value"]}
	if meta, ok := obj["meta"].(map[string]any); ok {
		parsed.Meta = meta
	}
	return parsed
}

func knownType(tag string) bool {
	switch tag {
	case TypeNumber, TypeString, TypeDate, TypeDateTime, TypeJSON:
		return true
	}
	return false
}

func coerceText(raw string) Cell {
	text := strings.TrimSpace(raw)
	if text == "" {
		// Empty and nil are the same cell.
		return Cell{Type: TypeString, Value: nil}
	}
	if parsed, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Cell{Type: TypeNumber, Value: parsed}
	}
	if parsed, err := strconv.ParseFloat(text, 64); err == nil {
		return Cell{Type: TypeNumber, Value: parsed}
	}
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, text)
		if err != nil {
			continue
		}
		hour, minute, second := parsed.Clock()
		if hour == 0 && minute == 0 && second == 0 && !strings.Contains(text, ":") {
			return Cell{Type: TypeDate, Value: parsed.Format("2006-01-02")}
		}
		return Cell{Type: TypeDateTime, Value: parsed.Format(time.RFC3339)}
	}
	return Cell{Type: TypeString, Value: text}
}

func stringify(raw any) string {
	return fmt.Sprint(raw)
}
