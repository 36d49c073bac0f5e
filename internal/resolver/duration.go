package resolver

import (
	"fmt"
	"strconv"
	"strings"
)

// UnknownDuration is the sentinel human-readable string used when an
// ISO-8601 duration cannot be parsed.
const UnknownDuration = "Unknown duration"

// ParseISODuration converts an ISO-8601 duration (e.g. "PT3M53S", "PT1H2M")
// to total seconds and an H:MM:SS or M:SS human string. A parse failure
// yields (0, UnknownDuration) rather than an error: the caller treats
// duration as advisory metadata.
func ParseISODuration(iso string) (secs int, human string) {
	total, err := isoDurationSeconds(iso)
	if err != nil || total < 0 {
		return 0, UnknownDuration
	}
	return total, FormatSeconds(total)
}

// FormatSeconds renders a second count as H:MM:SS, or M:SS under an hour.
func FormatSeconds(total int) string {
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// isoDurationSeconds parses the date-less subset of ISO-8601 durations the
// search endpoint emits: P[nD]T[nH][nM][nS]. Weeks, months and years are
// rejected.
func isoDurationSeconds(iso string) (int, error) {
	s := strings.TrimSpace(iso)
	if s == "" || s[0] != 'P' {
		return 0, fmt.Errorf("resolver: malformed duration %q", iso)
	}
	s = s[1:]

	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
	}

	total := 0
	consume := func(part string, units map[byte]int) error {
		num := ""
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c >= '0' && c <= '9' {
				num += string(c)
				continue
			}
			mult, ok := units[c]
			if !ok || num == "" {
				return fmt.Errorf("resolver: malformed duration %q", iso)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return fmt.Errorf("resolver: malformed duration %q", iso)
			}
			total += n * mult
			num = ""
		}
		if num != "" {
			return fmt.Errorf("resolver: malformed duration %q", iso)
		}
		return nil
	}

	if err := consume(datePart, map[byte]int{'D': 86400}); err != nil {
		return 0, err
	}
	if err := consume(timePart, map[byte]int{'H': 3600, 'M': 60, 'S': 1}); err != nil {
		return 0, err
	}
	return total, nil
}
