package utils

import "time"

// TimePtr returns nil for the zero time so optional timestamps stay absent.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
