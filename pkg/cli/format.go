package cli

import (
	"fmt"
	"time"
)

// FormatDuration renders a run time: milliseconds below a second, tenths
// of a second below a minute, minutes and seconds beyond.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := d.Truncate(time.Minute)
	return fmt.Sprintf("%dm%.1fs", int(m.Minutes()), (d - m).Seconds())
}

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB"}

// FormatBytes renders an artifact size with binary units.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[i])
}

// FormatEntries renders an entry count with the codebook's encoded size.
func FormatEntries(entries, entrySize int) string {
	return fmt.Sprintf("%d entries (%s)", entries, FormatBytes(int64(entries)*int64(entrySize)))
}
