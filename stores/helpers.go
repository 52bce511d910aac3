package stores

import (
	"fmt"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/abac"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanTime converts a driver value for a time column. sqlite hands back
// strings, other drivers time.Time.
func scanTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		return parseFlexibleTime(t)
	case []byte:
		return parseFlexibleTime(string(t))
	case int64:
		return time.Unix(0, t).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}

func cloneRecord(r *abac.Record) *abac.Record {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Data = append([]byte(nil), r.Data...)
	return &dup
}

func notFound(kind, key string) error {
	return fmt.Errorf("%w: %s %s", abac.ErrNotFound, kind, key)
}

func conflict(kind, key string, expected int64) error {
	return fmt.Errorf("%w: %s %s is not at version %d", abac.ErrVersionConflict, kind, key, expected)
}
