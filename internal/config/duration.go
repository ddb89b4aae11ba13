package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration setting named path.
// Empty means 0. A bare integer counts seconds, so task files can keep the
// plain `timeout: 300` form.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if n, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (want e.g. 90s, 5m or seconds)", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}
