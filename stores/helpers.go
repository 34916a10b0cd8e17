package stores

import (
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime tolerates the time representations the drivers hand back:
// time.Time from postgres, strings or bytes from sqlite.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStrOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
