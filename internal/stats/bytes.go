package stats

import "fmt"

// FormatBytes renders a byte count the way the leak report prints sizes:
// scaled to the largest binary unit, with the exact count appended when the
// value is not a plain byte amount.
func FormatBytes(n uintptr) string {
	const unit = 1024
	if n < unit {
		if n == 1 {
			return "1 byte"
		}
		return fmt.Sprintf("%d bytes", n)
	}

	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(n)
	idx := -1
	for value >= unit && idx < len(units)-1 {
		value /= unit
		idx++
	}
	return fmt.Sprintf("%.2f %s (%d bytes)", value, units[idx], n)
}
