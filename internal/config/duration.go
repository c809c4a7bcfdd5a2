package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string ("90s", "1h30m"). A bare
// integer is read as seconds. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
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

// Durations parses a group of fields and keeps the first error, so mapping
// code can read straight through and check once at the end.
type Durations struct{ err error }

func (d *Durations) Get(path, raw string) time.Duration {
	v, err := ParseDurationField(path, raw)
	d.keep(err)
	return v
}

func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	d.keep(err)
	return v
}

func (d *Durations) Err() error { return d.err }

func (d *Durations) keep(err error) {
	if err != nil && d.err == nil {
		d.err = err
	}
}
