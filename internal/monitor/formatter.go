package monitor

import (
	"fmt"
	"time"
)

// FormatRate formats a task rate as "X.X tasks/min"
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f tasks/min", rate)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym", "Xm Ys" or "Xs"
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// FormatUntil formats the time left until t, or "-" when t is unset or
// already past.
func FormatUntil(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() || !t.After(now) {
		return "-"
	}
	return "in " + FormatDuration(int64(t.Sub(now).Round(time.Second).Seconds()))
}
