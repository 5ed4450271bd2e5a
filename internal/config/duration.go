package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the config file are free-form strings ("2s", "90m").
// ParseDurationField parses one and names the offending field by its dotted
// path ("dispatcher.tick", "war_status.fetch_interval") in the error, so a
// bad file points straight at the line to fix. Empty means unset.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
// Interval and timeout fields go through this so omitting a value means
// "use the default", never "zero".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
