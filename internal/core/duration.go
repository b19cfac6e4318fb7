package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var iso8601Duration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseISO8601Duration parses the time part of an ISO-8601 duration (PT1H30M, PT0.5S).
// Zero durations are rejected.
func ParseISO8601Duration(s string) (time.Duration, error) {
	m := iso8601Duration.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}

	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		d += time.Duration(mins) * time.Minute
	}
	if m[3] != "" {
		secs, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		d += time.Duration(secs * float64(time.Second))
	}

	if d <= 0 {
		return 0, fmt.Errorf("ISO 8601 duration %q must be positive", s)
	}
	return d, nil
}

// FormatISO8601Duration formats d as PT{h}H{m}M{s}S, omitting zero components.
func FormatISO8601Duration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}

	var b strings.Builder
	b.WriteString("PT")

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute

	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if d > 0 {
		secs := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
		b.WriteString(secs + "S")
	}
	return b.String()
}

// ParseDelay accepts either a Go duration ("90s") or an ISO-8601 duration ("PT1M30S").
func ParseDelay(s string) (time.Duration, error) {
	if strings.HasPrefix(s, "PT") {
		return ParseISO8601Duration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return d, nil
}
