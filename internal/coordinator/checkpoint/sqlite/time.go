package sqlite

import "time"

// SQLite has no native datetime type; timestamps are stored as RFC3339 TEXT
// so lexicographic comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999999Z")
}
