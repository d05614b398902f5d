package sqlite

import "time"

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
