package config

import (
	"fmt"
	"strings"
	"time"
)

// Timing knobs (pairing settle, reconnect backoff, broadcast pace) are
// carried in the file as Go duration strings so the YAML stays readable;
// they are resolved once at load time, never at the point of use.

// ParseDurationField resolves one duration string. Empty means unset and
// resolves to zero. Negative values are rejected: none of the engine's
// waits can be negative.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset or zero values, so every
// timing knob has a sane built-in without forcing it into the file.
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
