package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Durations are Go duration strings ("1500ms", "2s"). A bare integer is read
// as milliseconds, the unit brick timeouts are usually quoted in.

// DurationOr parses the field at path. Empty and zero values yield def.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		d = time.Duration(ms) * time.Millisecond
	} else {
		d, err = time.ParseDuration(s)
	}
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}
