package pgtest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Row is one result row keyed by column name
type Row map[string]any

// String returns the column as a string; NULL is "" and uuid columns use
// their canonical text form
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case [16]byte:
		return uuid.UUID(v).String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns an integer column; NULL and non-integers are 0
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Bool returns a boolean column; NULL is false
func (r Row) Bool(col string) bool {
	v, _ := r[col].(bool)
	return v
}

// Time returns a timestamp column; NULL is the zero time
func (r Row) Time(col string) time.Time {
	v, _ := r[col].(time.Time)
	return v
}

// IsNull reports whether the column is NULL or absent
func (r Row) IsNull(col string) bool {
	return r[col] == nil
}
