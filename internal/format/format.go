// Package format renders durations, token counts, and costs for the status views.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// DurationShort formats a duration into a short string (e.g., "1h2m3s").
func DurationShort(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int64(d.Seconds())
	if totalSeconds < 60 {
		return fmt.Sprintf("%ds", totalSeconds)
	}
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := minutes / 60
	minutes = minutes % 60
	return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
}

// Tokens formats a token count with thousand separators (e.g., "1,234").
func Tokens(n int) string {
	if n < 0 {
		n = 0
	}
	return printer.Sprintf("%d", n)
}

// Cost formats an estimated cost in dollars with cent precision; sub-cent costs keep four places.
func Cost(value float64) string {
	if value <= 0 {
		return "$0.00"
	}
	if value < 0.01 {
		return printer.Sprintf("$%.4f", value)
	}
	return printer.Sprintf("$%.2f", value)
}

// Since formats the elapsed time from start to now, or "-" when start is unset.
func Since(start time.Time, now time.Time) string {
	if start.IsZero() {
		return "-"
	}
	return DurationShort(now.Sub(start))
}
