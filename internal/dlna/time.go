package dlna

import (
	"fmt"
	"strconv"
	"strings"
)

// formatHMS renders seconds as UPnP's `H+:MM:SS` duration/position format.
func formatHMS(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// parseHMS parses a `hh:mm:ss` (or `h:mm:ss.ms`) duration/position string
// into seconds, as used by AVTransport's Seek(Unit=REL_TIME) Target.
func parseHMS(v string) (float64, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("dlna: malformed REL_TIME target %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("dlna: malformed REL_TIME hours %q: %w", v, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("dlna: malformed REL_TIME minutes %q: %w", v, err)
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("dlna: malformed REL_TIME seconds %q: %w", v, err)
	}
	return float64(h)*3600 + float64(m)*60 + s, nil
}
