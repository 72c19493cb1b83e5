package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/goccy/go-json"
)

// txExecer is satisfied by both *sql.Tx and *Store.
type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalStrings serializes a string slice as a JSON array, never nil.
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalStrings parses a JSON array column, tolerating NULL and garbage.
func unmarshalStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

// repeatPlaceholders returns "?, ?, ..." with n placeholders.
func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
